package monitor

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"grain-rpc/grain"
	"grain-rpc/rpcerr"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func discardLogger() *logrus.Entry {
	logger := logrus.New()
	logger.Out = io.Discard
	return logrus.NewEntry(logger)
}

// fakePeer answers beats and round trips according to a scripted behaviour.
type fakePeer struct {
	calls atomic.Int64
	fn    func(ctx context.Context, n int64) error
}

func (f *fakePeer) Beat(ctx context.Context) error {
	return f.fn(ctx, f.calls.Add(1))
}

func (f *fakePeer) Roundtrip(ctx context.Context) error {
	return f.fn(ctx, f.calls.Add(1))
}

func fastHeartbeat() HeartbeatSettings {
	return HeartbeatSettings{Enabled: true, Interval: 10 * time.Millisecond, SkippedThreshold: 2}
}

func TestHeartbeatSucceeds(t *testing.T) {
	peer := &fakePeer{fn: func(context.Context, int64) error { return nil }}
	failures := make(chan uint64, 1)
	m := NewHeartbeatMonitor(peer, fastHeartbeat(), 1, discardLogger(), func(id uint64) { failures <- id })
	m.Start()
	time.Sleep(100 * time.Millisecond)
	m.Stop()

	if m.NumHeartbeats() < 3 {
		t.Fatalf("expect several heartbeats, got %d", m.NumHeartbeats())
	}
	if m.LastHeartbeat().IsZero() {
		t.Fatal("expect LastHeartbeat to be set")
	}
	select {
	case id := <-failures:
		t.Fatalf("unexpected failure for connection %d", id)
	default:
	}
}

func TestHeartbeatTimeoutReportsOnce(t *testing.T) {
	// 第三次心跳开始对端不再应答
	peer := &fakePeer{fn: func(ctx context.Context, n int64) error {
		if n < 3 {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}}
	failures := make(chan uint64, 10)
	m := NewHeartbeatMonitor(peer, fastHeartbeat(), 42, discardLogger(), func(id uint64) { failures <- id })

	start := time.Now()
	m.Start()
	select {
	case id := <-failures:
		if id != 42 {
			t.Fatalf("expect connection 42, got %d", id)
		}
	case <-time.After(time.Second):
		t.Fatal("failure not reported")
	}
	if elapsed := time.Since(start); elapsed < m.FailureInterval() {
		t.Fatalf("failure reported after %v, before the failure interval %v", elapsed, m.FailureInterval())
	}

	time.Sleep(100 * time.Millisecond)
	m.Stop()
	if len(failures) != 0 {
		t.Fatalf("expect exactly one failure, got %d more", len(failures))
	}
	if !m.FailureDetected() || m.NumHeartbeats() != 2 {
		t.Fatalf("unexpected state: detected=%v beats=%d", m.FailureDetected(), m.NumHeartbeats())
	}
}

func TestHeartbeatStopsSilentlyWhenDisconnected(t *testing.T) {
	for _, cause := range []error{rpcerr.ErrNotConnected, rpcerr.ErrConnectionLost} {
		peer := &fakePeer{fn: func(context.Context, int64) error { return errors.WithStack(cause) }}
		failures := make(chan uint64, 1)
		m := NewHeartbeatMonitor(peer, fastHeartbeat(), 1, discardLogger(), func(id uint64) { failures <- id })
		m.Start()
		time.Sleep(50 * time.Millisecond)
		m.Stop()

		if peer.calls.Load() != 1 {
			t.Errorf("%v: expect the loop to stop after one beat, got %d", cause, peer.calls.Load())
		}
		if len(failures) != 0 || m.FailureDetected() {
			t.Errorf("%v: expect no failure", cause)
		}
	}
}

func TestHeartbeatFaultReportsFailure(t *testing.T) {
	peer := &fakePeer{fn: func(context.Context, int64) error {
		return &rpcerr.NoSuchServantError{ObjectID: uint64(grain.ServerHeartbeatID)}
	}}
	failures := make(chan uint64, 1)
	m := NewHeartbeatMonitor(peer, fastHeartbeat(), 7, discardLogger(), func(id uint64) { failures <- id })
	m.Start()
	defer m.Stop()

	select {
	case <-failures:
	case <-time.After(time.Second):
		t.Fatal("expect a faulted beat to be reported")
	}
}

func TestHeartbeatDisabled(t *testing.T) {
	peer := &fakePeer{fn: func(context.Context, int64) error { return nil }}
	s := fastHeartbeat()
	s.Enabled = false
	m := NewHeartbeatMonitor(peer, s, 1, discardLogger(), nil)
	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	if peer.calls.Load() != 0 {
		t.Fatalf("expect no beats, got %d", peer.calls.Load())
	}
}

func TestFailureInterval(t *testing.T) {
	s := DefaultHeartbeatSettings()
	if s.FailureInterval() != 11*time.Second {
		t.Fatalf("expect 11s, got %v", s.FailureInterval())
	}
}

func TestLatencyMean(t *testing.T) {
	delays := []time.Duration{10 * time.Millisecond, 30 * time.Millisecond}
	peer := &fakePeer{fn: func(_ context.Context, n int64) error {
		time.Sleep(delays[(n-1)%2])
		return nil
	}}
	m := NewLatencyMonitor(peer, LatencySettings{Enabled: true, Interval: time.Hour, NumSamples: 4}, discardLogger())

	for i := 0; i < 4; i++ {
		if !m.Measure(context.Background()) {
			t.Fatal("expect measuring to go on")
		}
	}
	rtt := m.RoundTripTime()
	if rtt < 20*time.Millisecond || rtt > 40*time.Millisecond {
		t.Fatalf("expect a mean of about 20ms, got %v", rtt)
	}
	if m.NumSamples() != 4 {
		t.Fatalf("expect 4 samples, got %d", m.NumSamples())
	}
}

func TestLatencyErrors(t *testing.T) {
	fail := errors.New("boom")
	peer := &fakePeer{fn: func(context.Context, int64) error { return fail }}
	m := NewLatencyMonitor(peer, DefaultLatencySettings(), discardLogger())
	if !m.Measure(context.Background()) {
		t.Fatal("expect other errors to be logged and measuring to go on")
	}
	if m.RoundTripTime() != 0 || m.NumSamples() != 0 {
		t.Fatal("a failed measurement must not be recorded")
	}

	fail = rpcerr.ErrConnectionLost
	if m.Measure(context.Background()) {
		t.Fatal("expect measuring to stop once the connection is lost")
	}
}

func TestLatencyLoop(t *testing.T) {
	peer := &fakePeer{fn: func(context.Context, int64) error { return nil }}
	m := NewLatencyMonitor(peer, LatencySettings{Enabled: true, Interval: 5 * time.Millisecond, NumSamples: 3}, discardLogger())
	m.Start()
	time.Sleep(60 * time.Millisecond)
	m.Stop()
	n := peer.calls.Load()
	if n < 3 {
		t.Fatalf("expect several measurements, got %d", n)
	}
	if m.NumSamples() != 3 {
		t.Fatalf("expect the sample window to be full, got %d", m.NumSamples())
	}
	time.Sleep(20 * time.Millisecond)
	if peer.calls.Load() != n {
		t.Fatal("expect no measurements after Stop")
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	rb := NewRingBuffer[int](3)
	if len(rb.Values()) != 0 {
		t.Fatal("expect an empty buffer")
	}
	for i := 1; i <= 5; i++ {
		rb.Write(i)
	}
	vals := rb.Values()
	if rb.Len() != 3 || len(vals) != 3 || vals[0] != 3 || vals[1] != 4 || vals[2] != 5 {
		t.Fatalf("expect [3 4 5], got %v", vals)
	}
}

func TestRegisterGrains(t *testing.T) {
	c := grain.NewCatalog()
	if err := RegisterGrains(c); err != nil {
		t.Fatal(err)
	}
	d, ok := grain.Describe[Heartbeat](c)
	if !ok {
		t.Fatal("Heartbeat not registered")
	}
	beat := d.Method("Beat")
	if beat == nil || !beat.HasContext || !beat.HasError || len(beat.Args) != 0 {
		t.Fatalf("unexpected Beat descriptor %+v", beat)
	}
	if _, ok := grain.Describe[Latency](c); !ok {
		t.Fatal("Latency not registered")
	}
	if err := RegisterGrains(c); err == nil {
		t.Fatal("expect a second registration to fail")
	}
}
