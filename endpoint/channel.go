package endpoint

import (
	"bytes"
	"context"
	"sync"

	"grain-rpc/grain"
	"grain-rpc/rpcerr"
	"grain-rpc/transport"

	"github.com/pkg/errors"
)

// Call implements grain.Channel. A caller that gives up through ctx abandons the call; a
// response arriving later is dropped.
func (e *Endpoint) Call(ctx context.Context, p *grain.Proxy, m *grain.MethodDescriptor, args []any, results []any) error {
	c, call, err := e.send(p, m, args, nil)
	if err != nil {
		return err
	}

	select {
	case <-call.Done():
	case <-ctx.Done():
		e.pending.Abandon(call.RpcID(), errors.Wrapf(rpcerr.ErrOperationCancelled, "%s.%s: %v", p.Interface().Name, m.Name, ctx.Err()))
		// the response may have won the race; either way the call is complete now
		<-call.Done()
	}
	return e.finish(c, call, m, results)
}

// Go implements grain.Channel. done runs on the goroutine that completes the call.
func (e *Endpoint) Go(p *grain.Proxy, m *grain.MethodDescriptor, args []any, results []any, done func(error)) {
	// a call cancelled while blocked in the queue is completed and also reported as an error
	var once sync.Once
	report := func(err error) {
		once.Do(func() { done(err) })
	}
	_, _, err := e.send(p, m, args, func(c *connection, call *transport.PendingCall) {
		report(e.finish(c, call, m, results))
	})
	if err != nil {
		report(err)
	}
}

// send encodes the arguments with the current connection's serializer and queues the call.
// onDone, if not nil, runs once the call completes.
func (e *Endpoint) send(p *grain.Proxy, m *grain.MethodDescriptor, args []any, onDone func(*connection, *transport.PendingCall)) (*connection, *transport.PendingCall, error) {
	e.mu.Lock()
	c := e.conn
	connected := e.state == Connected
	e.mu.Unlock()
	if c == nil || !connected {
		return nil, nil, errors.Wrapf(rpcerr.ErrNotConnected, "%s.%s", p.Interface().Name, m.Name)
	}

	var buf bytes.Buffer
	if err := c.marshaller.WriteValues(&buf, m.Args, args); err != nil {
		return nil, nil, errors.Wrapf(err, "encode arguments of %s.%s", p.Interface().Name, m.Name)
	}
	var callback func(*transport.PendingCall)
	if onDone != nil {
		callback = func(call *transport.PendingCall) { onDone(c, call) }
	}
	rpcID := e.nextRpcID.Add(1)
	call, err := e.pending.Enqueue(uint64(p.ID()), p.Interface().Name, m.Name, buf.Bytes(), rpcID, callback)
	if err != nil {
		return nil, nil, err
	}
	e.stats.numCallsInvoked.Add(1)
	return c, call, nil
}

// finish turns a completed call into the caller's results or error, then recycles it.
func (e *Endpoint) finish(c *connection, call *transport.PendingCall, m *grain.MethodDescriptor, results []any) error {
	body, fault, err := call.Result()
	if err != nil {
		return err
	}
	defer e.pending.Recycle(call)

	if fault {
		d, err := c.serializer.ReadException(bytes.NewReader(body))
		if err != nil {
			return errors.Wrapf(err, "decode fault of %s.%s", call.Interface(), call.Method())
		}
		return e.catalog.ReconstructError(d, c.serializer)
	}
	if err := c.marshaller.ReadInto(bytes.NewReader(body), m.Results, results); err != nil {
		return errors.Wrapf(err, "decode results of %s.%s", call.Interface(), call.Method())
	}
	return nil
}
