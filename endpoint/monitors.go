package endpoint

import (
	"time"

	"grain-rpc/grain"
	"grain-rpc/monitor"

	"github.com/pkg/errors"
)

// peerIDs are the ids of the built-in grains hosted by the other side.
func (e *Endpoint) peerIDs() (heartbeat, latency grain.ObjectID) {
	if e.role == grain.RoleServer {
		return grain.ClientHeartbeatID, grain.ClientLatencyID
	}
	return grain.ServerHeartbeatID, grain.ServerLatencyID
}

func (e *Endpoint) startMonitors(c *connection) {
	hbID, ltID := e.peerIDs()
	hb, err := GetOrCreateProxy[monitor.Heartbeat](e, hbID)
	if err != nil {
		c.logger.WithError(err).Error("cannot create heartbeat proxy")
		return
	}
	lt, err := GetOrCreateProxy[monitor.Latency](e, ltID)
	if err != nil {
		c.logger.WithError(err).Error("cannot create latency proxy")
		return
	}

	c.monMu.Lock()
	c.heartbeat = monitor.NewHeartbeatMonitor(hb, e.cfg.HeartbeatSettings(), c.id, c.logger, e.heartbeatFailed)
	c.latency = monitor.NewLatencyMonitor(lt, e.cfg.LatencySettings(), c.logger)
	c.heartbeat.Start()
	c.latency.Start()
	c.monMu.Unlock()
}

func (e *Endpoint) stopMonitors(c *connection) {
	c.monMu.Lock()
	hb, lt := c.heartbeat, c.latency
	c.monMu.Unlock()
	if hb != nil {
		hb.Stop()
	}
	if lt != nil {
		lt.Stop()
	}
}

// heartbeatFailed is called from the heartbeat loop, which Disconnect waits for, so the
// decision is made on another goroutine.
func (e *Endpoint) heartbeatFailed(connectionID uint64) {
	go e.handleHeartbeatFailure(connectionID)
}

func (e *Endpoint) handleHeartbeatFailure(connectionID uint64) {
	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()
	if c == nil || c.id != connectionID {
		e.logger.WithField("connection", connectionID).Debug("ignoring heartbeat failure of a previous connection")
		return
	}

	settings := e.cfg.HeartbeatSettings()
	sinceRead := time.Since(time.Unix(0, e.lastRead.Load()))
	if sinceRead < settings.FailureInterval() {
		// beats queue up behind the traffic of a busy connection
		c.logger.WithField("lastRead", sinceRead).Warn("heartbeat failed but the connection is in use, ignoring")
		e.restartHeartbeat(c)
		return
	}
	e.disconnect(c, HeartbeatFailure, errors.Errorf("no heartbeat for %v", settings.FailureInterval()))
}

func (e *Endpoint) restartHeartbeat(c *connection) {
	hbID, _ := e.peerIDs()
	hb, err := GetOrCreateProxy[monitor.Heartbeat](e, hbID)
	if err != nil {
		c.logger.WithError(err).Error("cannot create heartbeat proxy")
		return
	}

	c.monMu.Lock()
	defer c.monMu.Unlock()
	if c.ctx.Err() != nil {
		return
	}
	old := c.heartbeat
	c.heartbeat = monitor.NewHeartbeatMonitor(hb, e.cfg.HeartbeatSettings(), c.id, c.logger, e.heartbeatFailed)
	if old != nil {
		old.Stop()
	}
	c.heartbeat.Start()
}

// NumHeartbeats counts the beats of the current connection.
func (e *Endpoint) NumHeartbeats() int64 {
	c := e.current()
	if c == nil {
		return 0
	}
	c.monMu.Lock()
	defer c.monMu.Unlock()
	if c.heartbeat == nil {
		return 0
	}
	return c.heartbeat.NumHeartbeats()
}

// RoundTripTime is the mean latency measured on the current connection.
func (e *Endpoint) RoundTripTime() time.Duration {
	c := e.current()
	if c == nil {
		return 0
	}
	c.monMu.Lock()
	defer c.monMu.Unlock()
	if c.latency == nil {
		return 0
	}
	return c.latency.RoundTripTime()
}

func (e *Endpoint) current() *connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}
