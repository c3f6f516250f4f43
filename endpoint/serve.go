package endpoint

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"grain-rpc/codec"
	"grain-rpc/dispatch"
	"grain-rpc/grain"
	"grain-rpc/message"
	"grain-rpc/protocol"
	"grain-rpc/rpcerr"
	"grain-rpc/transport"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// readLoop is the only reader of the socket. Frames must be read one after the other to
// keep their boundaries, but each call is handed off so a slow servant never stalls it.
func (e *Endpoint) readLoop(c *connection) error {
	for {
		h, body, err := protocol.Decode(c.conn)
		if err != nil {
			e.lose(c, readFailureReason(err), err)
			return errors.Wrap(err, "read frame")
		}
		e.lastRead.Store(time.Now().UnixNano())
		e.stats.received(protocol.LengthSize + protocol.HeaderSize + len(body))

		switch h.MsgType {
		case protocol.MsgTypeCall:
			if reason, err := e.handleCall(c, h.RpcID, body); err != nil {
				e.lose(c, reason, err)
				return err
			}
		case protocol.MsgTypeReturn:
			ret, err := message.UnmarshalReturn(body)
			if err != nil {
				e.lose(c, RpcInvalidResponse, err)
				return err
			}
			e.pending.HandleResponse(h.RpcID, ret.Fault, ret.Body)
		case protocol.MsgTypeGoodbye:
			c.logger.Info("remote endpoint said goodbye")
			e.lose(c, RequestedByRemoteEndPoint, nil)
			return nil
		default:
			err := errors.Wrapf(protocol.ErrInvalidFrame, "message type %v", h.MsgType)
			e.lose(c, UnhandledException, err)
			return err
		}
	}
}

// writeLoop drains the outbound queue onto the socket in the order calls were enqueued.
func (e *Endpoint) writeLoop(ctx context.Context, c *connection) error {
	for {
		call, err := e.pending.TakePendingWrite(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, rpcerr.ErrOperationCancelled) {
				return nil
			}
			return err
		}
		// abandoned before it reached the socket
		if call.State() != transport.CallPending {
			continue
		}
		frame := call.Frame()
		n := len(frame)
		if err := c.write(frame); err != nil {
			e.lose(c, writeFailureReason(err), err)
			return errors.Wrap(err, "write frame")
		}
		e.stats.sent(n)
	}
}

// handleCall registers an incoming call and schedules it according to the dispatch policy of
// its method. A failure returned here is fatal for the connection.
func (e *Endpoint) handleCall(c *connection, rpcID int64, body []byte) (DisconnectReason, error) {
	call, err := message.UnmarshalCall(body)
	if err != nil {
		return UnhandledException, err
	}

	c.invMu.Lock()
	if _, ok := c.invocations[rpcID]; ok {
		c.invMu.Unlock()
		return RpcDuplicateRequest, errors.Errorf("rpc #%d is already being served", rpcID)
	}
	c.invocations[rpcID] = struct{}{}
	c.invMu.Unlock()

	policy := dispatch.Unordered
	if s, ok := e.registry.Servant(grain.ObjectID(call.ObjectID)); ok && s.Interface().Name == call.Interface {
		if m := s.Interface().Method(call.Method); m != nil {
			policy = m.Policy
		}
	}

	e.inflightMu.RLock()
	if e.shutdown.Load() {
		e.inflightMu.RUnlock()
		go e.refuse(c, rpcID, call)
		return ReasonNone, nil
	}
	e.inflight.Add(1)
	e.inflightMu.RUnlock()

	e.scheduler.Dispatch(policy, call.ObjectID, call.Interface, call.Method, func() {
		defer e.inflight.Done()
		e.serve(c, rpcID, call)
	})
	return ReasonNone, nil
}

// refuse answers a call that arrived after Shutdown began without running it.
func (e *Endpoint) refuse(c *connection, rpcID int64, call *message.Call) {
	defer e.forget(c, rpcID)
	e.reply(c, rpcID, call, e.fault(c, call, errors.Wrap(rpcerr.ErrInvalidOperation, "endpoint is shutting down")))
}

func (e *Endpoint) forget(c *connection, rpcID int64) {
	c.invMu.Lock()
	delete(c.invocations, rpcID)
	c.invMu.Unlock()
}

// serve runs one invocation through the middleware chain and writes its Return frame.
func (e *Endpoint) serve(c *connection, rpcID int64, call *message.Call) {
	defer e.forget(c, rpcID)

	ret := c.handler(c.ctx, call)
	if ret == nil {
		ret = &message.Return{Err: errors.Errorf("%s.%s: no result", call.Interface, call.Method)}
	}
	if ret.Err != nil {
		ret = e.fault(c, call, ret.Err)
	}
	e.reply(c, rpcID, call, ret)
}

// reply writes the Return frame of rpcID. A reply too large for one frame is replaced by a fault.
func (e *Endpoint) reply(c *connection, rpcID int64, call *message.Call, ret *message.Return) {
	if n := ret.Size(); n > protocol.MaxBodySize {
		ret = e.fault(c, call, &rpcerr.ArgumentError{
			Interface: call.Interface,
			Method:    call.Method,
			Reason:    fmt.Sprintf("reply of %d bytes exceeds the frame limit of %d bytes", n, protocol.MaxBodySize),
		})
	}

	frame := protocol.Marshal(&protocol.Header{RpcID: rpcID, MsgType: protocol.MsgTypeReturn}, ret.Marshal())
	if err := c.write(frame); err != nil {
		e.lose(c, writeFailureReason(err), err)
		return
	}
	e.stats.sent(len(frame))
	e.stats.numCallsAnswered.Add(1)
}

// invoke is the innermost handler: it resolves the servant and runs the method.
func (e *Endpoint) invoke(ctx context.Context, c *connection, call *message.Call) *message.Return {
	s, ok := e.registry.Servant(grain.ObjectID(call.ObjectID))
	if !ok {
		return &message.Return{Err: &rpcerr.NoSuchServantError{ObjectID: call.ObjectID, Interface: call.Interface, Method: call.Method}}
	}
	if s.Interface().Name != call.Interface {
		return &message.Return{Err: &rpcerr.TypeMismatchError{ObjectID: call.ObjectID, Expected: call.Interface, Actual: s.Interface().Name}}
	}

	var out bytes.Buffer
	if err := s.Invoke(ctx, call.Method, bytes.NewReader(call.Args), &out, c.marshaller); err != nil {
		return &message.Return{Err: err}
	}
	return &message.Return{Body: out.Bytes()}
}

// fault encodes err as an exception descriptor. A descriptor the serializer cannot write is
// replaced by an UnserializableError carrying the same message.
func (e *Endpoint) fault(c *connection, call *message.Call, err error) *message.Return {
	c.logger.WithFields(logrus.Fields{
		"objectID":  call.ObjectID,
		"interface": call.Interface,
		"method":    call.Method,
	}).WithError(err).Debug("invocation faulted")

	d := e.catalog.DescribeError(err, c.serializer)
	var buf bytes.Buffer
	if werr := c.serializer.WriteException(&buf, d); werr != nil {
		buf.Reset()
		d = &codec.ExceptionDescriptor{Code: byte(rpcerr.CodeUnserializable), Type: d.Type, Message: d.Message}
		if werr := c.serializer.WriteException(&buf, d); werr != nil {
			c.logger.WithError(werr).Error("cannot encode exception")
		}
	}
	return &message.Return{Fault: true, Body: buf.Bytes()}
}
