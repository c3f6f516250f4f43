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

type HeartbeatSettings struct {
	Enabled          bool
	Interval         time.Duration
	SkippedThreshold int // Beats that may be missed before the peer counts as dead
}

func DefaultHeartbeatSettings() HeartbeatSettings {
	return HeartbeatSettings{Enabled: true, Interval: time.Second, SkippedThreshold: 10}
}

// FailureInterval is how long a single beat may take.
func (s HeartbeatSettings) FailureInterval() time.Duration {
	return s.Interval + time.Duration(s.SkippedThreshold)*s.Interval
}

// HeartbeatMonitor beats the peer's Heartbeat grain once per interval for one connection.
// A beat that fails or does not return within the failure interval is reported once through
// onFailure and ends the monitor. A beat that fails because the connection is already gone
// ends it silently.
type HeartbeatMonitor struct {
	beater       Heartbeat
	settings     HeartbeatSettings
	connectionID uint64
	logger       *logrus.Entry
	onFailure    func(connectionID uint64)

	numBeats        atomic.Int64
	lastBeat        atomic.Int64 // unix nanos
	failureDetected atomic.Bool

	mu     deadlock.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHeartbeatMonitor(beater Heartbeat, settings HeartbeatSettings, connectionID uint64, logger *logrus.Entry, onFailure func(uint64)) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		beater:       beater,
		settings:     settings,
		connectionID: connectionID,
		logger:       logger.WithField("connection", connectionID),
		onFailure:    onFailure,
	}
}

// Start begins beating. It does nothing when heartbeats are disabled or already running.
func (m *HeartbeatMonitor) Start() {
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

// Stop ends the loop and waits for it. No failure is reported after Stop returns.
func (m *HeartbeatMonitor) Stop() {
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

func (m *HeartbeatMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		started := time.Now()
		if !m.beat(ctx) {
			return
		}

		remaining := m.settings.Interval - time.Since(started)
		if remaining <= 0 {
			continue
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// beat performs one heartbeat and reports whether the loop should go on.
func (m *HeartbeatMonitor) beat(ctx context.Context) bool {
	beatCtx, cancel := context.WithTimeout(ctx, m.settings.FailureInterval())
	err := m.beater.Beat(beatCtx)
	cancel()

	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		if errors.Is(err, rpcerr.ErrNotConnected) || errors.Is(err, rpcerr.ErrConnectionLost) {
			m.logger.WithError(err).Debug("connection gone, stopping heartbeats")
			return false
		}
		m.reportFailure(err)
		return false
	}

	m.lastBeat.Store(time.Now().UnixNano())
	m.numBeats.Add(1)
	return true
}

func (m *HeartbeatMonitor) reportFailure(err error) {
	m.failureDetected.Store(true)
	m.logger.WithError(err).WithField("failureInterval", m.settings.FailureInterval()).Error("heartbeat failed")
	if m.onFailure != nil {
		m.onFailure(m.connectionID)
	}
}

func (m *HeartbeatMonitor) NumHeartbeats() int64 {
	return m.numBeats.Load()
}

// LastHeartbeat is the completion time of the last successful beat, zero if there was none.
func (m *HeartbeatMonitor) LastHeartbeat() time.Time {
	ns := m.lastBeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (m *HeartbeatMonitor) FailureDetected() bool {
	return m.failureDetected.Load()
}

func (m *HeartbeatMonitor) FailureInterval() time.Duration {
	return m.settings.FailureInterval()
}
