// Package config holds the settings of one endpoint, loaded from a JSON document.
//
// Every field has a default; a config file only needs the fields it changes. Durations are
// written as strings ("1s", "250ms").
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"time"

	"grain-rpc/codec"
	"grain-rpc/grain"
	"grain-rpc/monitor"
	"grain-rpc/protocol"

	"github.com/pkg/errors"
)

// Duration is a time.Duration that reads and writes itself as a string in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// plain numbers are nanoseconds
		var n int64
		if nerr := json.Unmarshal(data, &n); nerr != nil {
			return errors.Errorf("invalid duration %s", data)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type HeartbeatConfig struct {
	Enabled          bool
	Interval         Duration
	SkippedThreshold int
}

type LatencyConfig struct {
	Enabled    bool
	Interval   Duration
	NumSamples int
}

// RateLimitConfig limits servant invocations. A zero PerSecond disables limiting.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

// AuthConfig selects where the pre-shared key comes from. With EtcdEndpoints set the key is
// read from EtcdKey and followed as it changes; otherwise SharedSecret is used as is. An empty
// configuration disables authentication.
type AuthConfig struct {
	SharedSecret  string   `json:",omitempty"`
	EtcdEndpoints []string `json:",omitempty"`
	EtcdKey       string   `json:",omitempty"`
}

func (a AuthConfig) Enabled() bool {
	return a.SharedSecret != "" || len(a.EtcdEndpoints) > 0
}

type Config struct {
	Name        string // Shows up in every log line as the endpoint field
	Role        string // "client" or "server"; decides the id range
	ListenAddr  string `json:",omitempty"`
	ConnectAddr string `json:",omitempty"`

	HandshakeTimeout   Duration
	MaxConcurrentCalls int      // Capacity of the outbound call queue
	Versions           []int    // Protocol versions spoken, e.g. [1, 2]
	Serializers        []string // Most preferred first: "json", "binary"

	Heartbeat         HeartbeatConfig
	Latency           LatencyConfig
	SweepInterval     Duration // How often collected proxies are dropped
	RateLimit         RateLimitConfig
	InvocationTimeout Duration // Zero means servants may run forever
	Auth              AuthConfig

	LogLevel  string
	LogFormat string // "text" or "json"
}

func Default() Config {
	hb := monitor.DefaultHeartbeatSettings()
	lt := monitor.DefaultLatencySettings()
	return Config{
		Name:               "endpoint",
		Role:               "client",
		HandshakeTimeout:   Duration(10 * time.Second),
		MaxConcurrentCalls: 2000,
		Versions:           []int{1, 2},
		Serializers:        []string{"binary", "json"},
		Heartbeat: HeartbeatConfig{
			Enabled:          hb.Enabled,
			Interval:         Duration(hb.Interval),
			SkippedThreshold: hb.SkippedThreshold,
		},
		Latency: LatencyConfig{
			Enabled:    lt.Enabled,
			Interval:   Duration(lt.Interval),
			NumSamples: lt.NumSamples,
		},
		SweepInterval: Duration(100 * time.Millisecond),
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Load reads the JSON document at path on top of Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse is Load for a document already in memory. Unknown fields are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := grain.ParseRole(c.Role); err != nil {
		return err
	}
	if c.HandshakeTimeout < 0 {
		return errors.New("HandshakeTimeout must not be negative")
	}
	if c.MaxConcurrentCalls <= 0 {
		return errors.Errorf("MaxConcurrentCalls must be positive, got %d", c.MaxConcurrentCalls)
	}
	if _, err := c.VersionMask(); err != nil {
		return err
	}
	if _, err := c.SerializerTypes(); err != nil {
		return err
	}
	if c.Heartbeat.Enabled && (c.Heartbeat.Interval <= 0 || c.Heartbeat.SkippedThreshold < 0) {
		return errors.New("heartbeat needs a positive Interval and a non-negative SkippedThreshold")
	}
	if c.Latency.Enabled && (c.Latency.Interval <= 0 || c.Latency.NumSamples <= 0) {
		return errors.New("latency needs a positive Interval and NumSamples")
	}
	if c.SweepInterval <= 0 {
		return errors.New("SweepInterval must be positive")
	}
	if c.RateLimit.PerSecond < 0 || (c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0) {
		return errors.New("RateLimit needs a positive Burst")
	}
	if c.InvocationTimeout < 0 {
		return errors.New("InvocationTimeout must not be negative")
	}
	if len(c.Auth.EtcdEndpoints) > 0 && c.Auth.EtcdKey == "" {
		return errors.New("Auth.EtcdKey is required with Auth.EtcdEndpoints")
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return errors.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// VersionMask folds Versions into the bitset announced during the handshake.
func (c *Config) VersionMask() (uint32, error) {
	var mask uint32
	for _, v := range c.Versions {
		if v < 1 || v > 32 {
			return 0, errors.Errorf("unsupported protocol version %d", v)
		}
		mask |= 1 << (v - 1)
	}
	if mask&protocol.SupportedVersions == 0 {
		return 0, errors.Errorf("none of the versions %v is supported", c.Versions)
	}
	return mask & protocol.SupportedVersions, nil
}

// SerializerTypes maps Serializers to codec types, keeping their order.
func (c *Config) SerializerTypes() ([]codec.CodecType, error) {
	if len(c.Serializers) == 0 {
		return nil, errors.New("at least one serializer is required")
	}
	types := make([]codec.CodecType, 0, len(c.Serializers))
	for _, name := range c.Serializers {
		t, err := codec.ParseType(name)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func (c *Config) GrainRole() grain.Role {
	role, _ := grain.ParseRole(c.Role)
	return role
}

func (c *Config) HeartbeatSettings() monitor.HeartbeatSettings {
	return monitor.HeartbeatSettings{
		Enabled:          c.Heartbeat.Enabled,
		Interval:         c.Heartbeat.Interval.Std(),
		SkippedThreshold: c.Heartbeat.SkippedThreshold,
	}
}

func (c *Config) LatencySettings() monitor.LatencySettings {
	return monitor.LatencySettings{
		Enabled:    c.Latency.Enabled,
		Interval:   c.Latency.Interval.Std(),
		NumSamples: c.Latency.NumSamples,
	}
}
