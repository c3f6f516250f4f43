// Package transport keeps track of the calls an endpoint has sent and not yet seen answered.
//
// Every outgoing call goes through PendingCalls: the call frame is built once, registered
// under its rpcID and pushed onto a bounded outbound queue. A single writer goroutine drains
// the queue onto the socket while the reader goroutine routes Return frames back to the
// waiting caller by rpcID.
//
//	goroutine-1 ──Enqueue(rpcID=1)──┐
//	goroutine-2 ──Enqueue(rpcID=2)──┼──→ writes ──→ writer ──→ socket ──→ peer
//	goroutine-3 ──Enqueue(rpcID=3)──┘
//
//	reader:  ←── Return(rpcID=2) → HandleResponse → call 2 done → goroutine-2 wakes up
package transport

import (
	"context"
	"fmt"

	"grain-rpc/message"
	"grain-rpc/protocol"
	"grain-rpc/rpcerr"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxConcurrentCalls = 2000
	numCancelledIDs           = 1024 // Remembered to tell late responses from bogus ones
)

// PendingCalls is the table of in-flight calls of one endpoint.
type PendingCalls struct {
	mu        deadlock.Mutex
	logger    *logrus.Entry
	capacity  int
	connected bool
	calls     map[int64]*PendingCall

	writes chan *PendingCall // Outbound queue, replaced on every connect
	closed chan struct{}     // Closed when the current outbound queue is disposed

	recycled  *freeList
	cancelled *lru.Cache // rpcIDs abandoned by their caller
}

// NewPendingCalls creates an empty table. capacity bounds the number of calls waiting to be
// written; Enqueue blocks once it is reached.
func NewPendingCalls(logger *logrus.Entry, capacity int) *PendingCalls {
	if capacity <= 0 {
		capacity = DefaultMaxConcurrentCalls
	}
	cancelled, err := lru.New(numCancelledIDs)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	return &PendingCalls{
		logger:    logger,
		capacity:  capacity,
		calls:     make(map[int64]*PendingCall),
		recycled:  newFreeList(MaxRecycledCalls),
		cancelled: cancelled,
	}
}

// SetConnected marks the table as usable. Connecting creates a fresh outbound queue;
// disconnecting only stops new calls, CancelAll disposes the queue.
func (p *PendingCalls) SetConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = connected
	if connected {
		p.writes = make(chan *PendingCall, p.capacity)
		p.closed = make(chan struct{})
	}
}

func (p *PendingCalls) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Enqueue registers a call and queues its frame for writing. callback, if not nil, runs once
// when the call completes, on the goroutine that completed it.
//
// A call whose frame would exceed protocol.MaxFrameSize is refused with an ArgumentError and
// never registered; the peer would otherwise drop the connection on reading it.
//
// Enqueue blocks while the outbound queue is full. If the queue is disposed in the meantime
// the call has already been completed by CancelAll and ErrOperationCancelled is returned.
func (p *PendingCalls) Enqueue(objectID uint64, iface, method string, args []byte, rpcID int64, callback func(*PendingCall)) (*PendingCall, error) {
	p.mu.Lock()
	if !p.connected || p.writes == nil {
		p.mu.Unlock()
		return nil, errors.WithStack(rpcerr.ErrNotConnected)
	}
	if _, ok := p.calls[rpcID]; ok {
		p.mu.Unlock()
		return nil, errors.Wrapf(rpcerr.ErrInvalidOperation, "rpc #%d is already pending", rpcID)
	}
	if n := (&message.Call{Interface: iface, Method: method, Args: args}).Size(); n > protocol.MaxBodySize {
		p.mu.Unlock()
		return nil, errors.WithStack(&rpcerr.ArgumentError{
			Interface: iface,
			Method:    method,
			Reason:    fmt.Sprintf("call of %d bytes exceeds the frame limit of %d bytes", n, protocol.MaxBodySize),
		})
	}
	call := p.recycled.get()
	if call == nil {
		call = &PendingCall{}
	}
	call.reset(objectID, iface, method, args, rpcID, callback)
	p.calls[rpcID] = call
	writes, closed := p.writes, p.closed
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"rpcID":     rpcID,
		"objectID":  objectID,
		"interface": iface,
		"method":    method,
	}).Debug("enqueued call")

	select {
	case writes <- call:
		return call, nil
	case <-closed:
		return nil, errors.WithStack(rpcerr.ErrOperationCancelled)
	}
}

// TakePendingWrite returns the next call to be written. It fails with ErrOperationCancelled
// once the outbound queue is disposed, or with ctx's error.
func (p *PendingCalls) TakePendingWrite(ctx context.Context) (*PendingCall, error) {
	p.mu.Lock()
	writes, closed := p.writes, p.closed
	p.mu.Unlock()
	if writes == nil {
		return nil, errors.WithStack(rpcerr.ErrOperationCancelled)
	}

	select {
	case call := <-writes:
		return call, nil
	case <-closed:
		return nil, errors.WithStack(rpcerr.ErrOperationCancelled)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleResponse completes the call rpcID with the payload of a Return frame. It returns false
// when no such call is pending.
func (p *PendingCalls) HandleResponse(rpcID int64, fault bool, body []byte) bool {
	p.mu.Lock()
	call, ok := p.calls[rpcID]
	if ok {
		delete(p.calls, rpcID)
	}
	p.mu.Unlock()

	if !ok {
		if p.cancelled.Contains(rpcID) {
			p.logger.WithField("rpcID", rpcID).Debug("dropping late response to an abandoned call")
		} else {
			p.logger.WithField("rpcID", rpcID).Debug("no pending call")
		}
		return false
	}

	if fault {
		call.complete(CallFaulted, body, nil)
	} else {
		call.complete(CallCompleted, body, nil)
	}
	return true
}

// Abandon completes rpcID with err on behalf of a caller that stopped waiting. A response that
// arrives afterwards is recognised as late and dropped.
func (p *PendingCalls) Abandon(rpcID int64, err error) bool {
	p.mu.Lock()
	call, ok := p.calls[rpcID]
	if ok {
		delete(p.calls, rpcID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.cancelled.Add(rpcID, struct{}{})
	call.complete(CallCancelled, nil, err)
	return true
}

// CancelAll completes every outstanding call with ErrConnectionLost, empties the table and
// disposes the outbound queue. It returns the number of calls cancelled. The table stays
// unusable until the next SetConnected(true).
func (p *PendingCalls) CancelAll() int {
	p.mu.Lock()
	p.connected = false
	calls := p.calls
	p.calls = make(map[int64]*PendingCall)
	if p.closed != nil {
		close(p.closed)
	}
	p.writes, p.closed = nil, nil
	p.mu.Unlock()

	for _, call := range calls {
		call.complete(CallCancelled, nil, errors.WithStack(rpcerr.ErrConnectionLost))
	}
	if n := len(calls); n > 0 {
		p.logger.WithField("count", n).Debug("cancelled pending calls")
	}
	return len(calls)
}

// Recycle hands a finished call back for reuse. The caller must not touch call afterwards.
func (p *PendingCalls) Recycle(call *PendingCall) {
	p.mu.Lock()
	if p.calls[call.rpcID] == call {
		delete(p.calls, call.rpcID)
	}
	p.mu.Unlock()

	// a call still pending may be completed later by another goroutine
	if s := call.State(); s != CallCompleted && s != CallFaulted {
		return
	}
	p.recycled.put(call)
}

// NumPendingCalls is the number of calls sent or queued but not yet answered.
func (p *PendingCalls) NumPendingCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// NumPendingWrites is the number of calls waiting for the writer.
func (p *PendingCalls) NumPendingWrites() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

func (p *PendingCalls) String() string {
	return fmt.Sprintf("%d pending calls, %d recycled", p.NumPendingCalls(), p.recycled.len())
}
