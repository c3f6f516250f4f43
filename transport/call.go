package transport

import (
	"context"
	"sync/atomic"

	"grain-rpc/message"
	"grain-rpc/protocol"
)

// CallState is the lifecycle of a PendingCall.
type CallState int32

const (
	CallPending   CallState = iota
	CallCompleted           // Return frame with results
	CallFaulted             // Return frame with an exception descriptor
	CallCancelled           // Abandoned by the caller or cancelled on disconnect
)

func (s CallState) String() string {
	switch s {
	case CallPending:
		return "pending"
	case CallCompleted:
		return "completed"
	case CallFaulted:
		return "faulted"
	case CallCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// PendingCall is one outgoing call from the moment it is enqueued until its Return frame
// arrives (or the connection is lost).
type PendingCall struct {
	rpcID    int64
	objectID uint64
	iface    string
	method   string
	frame    []byte // Complete Call frame, reused across recycles
	state    atomic.Int32
	done     chan struct{}
	callback atomic.Pointer[func(*PendingCall)]
	body     []byte
	err      error
}

func (c *PendingCall) reset(objectID uint64, iface, method string, args []byte, rpcID int64, callback func(*PendingCall)) {
	c.rpcID = rpcID
	c.objectID = objectID
	c.iface = iface
	c.method = method

	payload := (&message.Call{ObjectID: objectID, Interface: iface, Method: method, Args: args}).Marshal()
	c.frame = protocol.AppendFrame(c.frame[:0], &protocol.Header{RpcID: rpcID, MsgType: protocol.MsgTypeCall}, payload)

	c.state.Store(int32(CallPending))
	c.done = make(chan struct{})
	c.body, c.err = nil, nil
	if callback != nil {
		c.callback.Store(&callback)
	} else {
		c.callback.Store(nil)
	}
}

// complete moves the call out of CallPending. Only the first completion counts.
func (c *PendingCall) complete(state CallState, body []byte, err error) bool {
	if !c.state.CompareAndSwap(int32(CallPending), int32(state)) {
		return false
	}
	c.body, c.err = body, err
	close(c.done)
	if fn := c.callback.Swap(nil); fn != nil {
		(*fn)(c)
	}
	return true
}

func (c *PendingCall) RpcID() int64 {
	return c.rpcID
}

func (c *PendingCall) ObjectID() uint64 {
	return c.objectID
}

func (c *PendingCall) Interface() string {
	return c.iface
}

func (c *PendingCall) Method() string {
	return c.method
}

// Frame is the encoded Call frame, ready to be written to the socket.
func (c *PendingCall) Frame() []byte {
	return c.frame
}

func (c *PendingCall) State() CallState {
	return CallState(c.state.Load())
}

// Done is closed once the call completes.
func (c *PendingCall) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call completes or ctx is done. It does not cancel the call; callers
// that give up should Abandon it.
func (c *PendingCall) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the Return body and whether it describes a fault. err is set when the call
// never got a response.
func (c *PendingCall) Result() (body []byte, fault bool, err error) {
	return c.body, c.State() == CallFaulted, c.err
}
