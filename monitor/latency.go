package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"grain-rpc/rpcerr"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

type LatencySettings struct {
	Enabled    bool
	Interval   time.Duration
	NumSamples int
}

func DefaultLatencySettings() LatencySettings {
	return LatencySettings{Enabled: true, Interval: 100 * time.Millisecond, NumSamples: 10}
}

// LatencyMonitor periodically measures the round trip time to the peer's Latency grain and
// keeps the mean of the last NumSamples measurements.
type LatencyMonitor struct {
	pinger   Latency
	settings LatencySettings
	logger   *logrus.Entry
	samples  *RingBuffer[time.Duration]
	rtt      atomic.Int64

	mu     deadlock.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLatencyMonitor(pinger Latency, settings LatencySettings, logger *logrus.Entry) *LatencyMonitor {
	return &LatencyMonitor{
		pinger:   pinger,
		settings: settings,
		logger:   logger,
		samples:  NewRingBuffer[time.Duration](settings.NumSamples),
	}
}

func (m *LatencyMonitor) Start() {
	if !m.settings.Enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel, m.done = cancel, make(chan struct{})
	go m.run(ctx, m.done)
}

func (m *LatencyMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *LatencyMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.settings.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.Measure(ctx) {
				return
			}
		}
	}
}

// Measure performs one round trip. It returns false once the connection is gone; any other
// failure is logged and measuring goes on.
func (m *LatencyMonitor) Measure(ctx context.Context) bool {
	started := time.Now()
	err := m.pinger.Roundtrip(ctx)
	rtt := time.Since(started)

	if err != nil {
		if errors.Is(err, rpcerr.ErrNotConnected) || errors.Is(err, rpcerr.ErrConnectionLost) || ctx.Err() != nil {
			return false
		}
		m.logger.WithError(err).Error("measuring latency")
		return true
	}

	m.samples.Write(rtt)
	var sum time.Duration
	vals := m.samples.Values()
	for _, v := range vals {
		sum += v
	}
	avg := sum / time.Duration(len(vals))
	m.rtt.Store(int64(avg))
	m.logger.WithFields(logrus.Fields{"rtt": rtt, "avg": avg}).Debug("measured latency")
	return true
}

// RoundTripTime is the mean of the recent measurements, zero before the first one.
func (m *LatencyMonitor) RoundTripTime() time.Duration {
	return time.Duration(m.rtt.Load())
}

func (m *LatencyMonitor) NumSamples() int {
	return m.samples.Len()
}
