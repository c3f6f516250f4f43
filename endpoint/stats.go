package endpoint

import (
	"slices"
	"sync/atomic"
	"time"

	"grain-rpc/grain"
)

type statistics struct {
	numCallsInvoked  atomic.Int64
	numCallsAnswered atomic.Int64
	numBytesSent     atomic.Int64
	numBytesReceived atomic.Int64
	numMessagesSent  atomic.Int64
	numMessagesRecv  atomic.Int64
}

func (s *statistics) sent(n int) {
	s.numBytesSent.Add(int64(n))
	s.numMessagesSent.Add(1)
}

func (s *statistics) received(n int) {
	s.numBytesReceived.Add(int64(n))
	s.numMessagesRecv.Add(1)
}

// Stats is a point in time copy of an endpoint's counters.
type Stats struct {
	Name                        string
	State                       string
	ConnectionID                uint64
	DisconnectReason            string `json:",omitempty"`
	NumCallsInvoked             int64
	NumCallsAnswered            int64
	NumBytesSent                int64
	NumBytesReceived            int64
	NumMessagesSent             int64
	NumMessagesReceived         int64
	NumPendingMethodCalls       int
	NumPendingMethodInvocations int
	NumProxies                  int
	NumServants                 int
	ServantIDs                  []grain.ObjectID // Sorted
	NumProxiesCollected         int64
	RoundTripTime               time.Duration
}

// NumCallsInvoked counts calls this endpoint sent to its peers.
func (e *Endpoint) NumCallsInvoked() int64 {
	return e.stats.numCallsInvoked.Load()
}

// NumCallsAnswered counts calls from peers this endpoint answered.
func (e *Endpoint) NumCallsAnswered() int64 {
	return e.stats.numCallsAnswered.Load()
}

func (e *Endpoint) NumBytesSent() int64 {
	return e.stats.numBytesSent.Load()
}

func (e *Endpoint) NumBytesReceived() int64 {
	return e.stats.numBytesReceived.Load()
}

func (e *Endpoint) NumMessagesSent() int64 {
	return e.stats.numMessagesSent.Load()
}

func (e *Endpoint) NumMessagesReceived() int64 {
	return e.stats.numMessagesRecv.Load()
}

// NumPendingMethodCalls is the number of outgoing calls waiting for their answer.
func (e *Endpoint) NumPendingMethodCalls() int {
	return e.pending.NumPendingCalls()
}

// NumPendingMethodInvocations is the number of incoming calls being served.
func (e *Endpoint) NumPendingMethodInvocations() int {
	c := e.current()
	if c == nil {
		return 0
	}
	c.invMu.Lock()
	defer c.invMu.Unlock()
	return len(c.invocations)
}

func (e *Endpoint) NumProxiesCollected() int64 {
	return e.registry.NumProxiesCollected()
}

func (e *Endpoint) Stats() Stats {
	s := Stats{
		Name:                        e.cfg.Name,
		State:                       e.State().String(),
		ConnectionID:                e.CurrentConnectionID(),
		NumCallsInvoked:             e.NumCallsInvoked(),
		NumCallsAnswered:            e.NumCallsAnswered(),
		NumBytesSent:                e.NumBytesSent(),
		NumBytesReceived:            e.NumBytesReceived(),
		NumMessagesSent:             e.NumMessagesSent(),
		NumMessagesReceived:         e.NumMessagesReceived(),
		NumPendingMethodCalls:       e.NumPendingMethodCalls(),
		NumPendingMethodInvocations: e.NumPendingMethodInvocations(),
		NumProxies:                  e.registry.NumProxies(),
		NumServants:                 e.registry.NumServants(),
		ServantIDs:                  e.servantIDs(),
		NumProxiesCollected:         e.NumProxiesCollected(),
		RoundTripTime:               e.RoundTripTime(),
	}
	if r := e.DisconnectReason(); r != ReasonNone {
		s.DisconnectReason = r.String()
	}
	return s
}

func (e *Endpoint) servantIDs() []grain.ObjectID {
	ids := e.registry.ServantIDs().ToSlice()
	slices.Sort(ids)
	return ids
}
