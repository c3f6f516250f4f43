// Package monitor watches the health of a grain connection.
//
// Each endpoint hosts two built-in grains under reserved ids, Heartbeat and Latency, and holds
// proxies to the peer's. HeartbeatMonitor calls the peer's Heartbeat periodically and reports
// a failure when a beat takes too long; LatencyMonitor measures the round trip time.
package monitor

import (
	"context"

	"grain-rpc/grain"
)

// Heartbeat is answered by every endpoint to prove it is still responsive.
type Heartbeat interface {
	Beat(ctx context.Context) error
}

// Latency is a no-op used to measure round trip times.
type Latency interface {
	Roundtrip(ctx context.Context) error
}

type heartbeat struct{}

func (*heartbeat) Beat(ctx context.Context) error { return nil }

type latency struct{}

func (*latency) Roundtrip(ctx context.Context) error { return nil }

// NewHeartbeatServant returns the subject an endpoint exposes under its heartbeat id.
func NewHeartbeatServant() Heartbeat {
	return &heartbeat{}
}

// NewLatencyServant returns the subject an endpoint exposes under its latency id.
func NewLatencyServant() Latency {
	return &latency{}
}

type heartbeatProxy struct{ p *grain.Proxy }

func (h *heartbeatProxy) GrainProxy() *grain.Proxy { return h.p }

func (h *heartbeatProxy) Beat(ctx context.Context) error {
	return h.p.Invoke(ctx, "Beat", nil)
}

type latencyProxy struct{ p *grain.Proxy }

func (l *latencyProxy) GrainProxy() *grain.Proxy { return l.p }

func (l *latencyProxy) Roundtrip(ctx context.Context) error {
	return l.p.Invoke(ctx, "Roundtrip", nil)
}

// RegisterGrains adds the built-in grains to catalog. Every endpoint does this for its own
// catalog; registering twice is an error.
func RegisterGrains(c *grain.Catalog) error {
	if _, err := grain.Register(c, func(p *grain.Proxy) Heartbeat { return &heartbeatProxy{p} }); err != nil {
		return err
	}
	_, err := grain.Register(c, func(p *grain.Proxy) Latency { return &latencyProxy{p} })
	return err
}
