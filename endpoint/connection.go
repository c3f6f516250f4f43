package endpoint

import (
	"context"
	"net"
	"time"

	"grain-rpc/codec"
	"grain-rpc/grain"
	"grain-rpc/handshake"
	"grain-rpc/message"
	"grain-rpc/middleware"
	"grain-rpc/monitor"
	"grain-rpc/protocol"
	"grain-rpc/rpcerr"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// goodbyeTimeout bounds the Goodbye frame written on an orderly disconnect.
const goodbyeTimeout = 5 * time.Second

// connection is everything that lives exactly as long as one socket.
type connection struct {
	id         uint64
	conn       net.Conn
	session    *handshake.Session
	serializer codec.Serializer
	marshaller *grain.Marshaller
	handler    middleware.HandlerFunc
	logger     *logrus.Entry

	ctx    context.Context // Cancelled when the connection goes down
	cancel context.CancelFunc
	group  *errgroup.Group

	writeMu deadlock.Mutex

	invMu       deadlock.Mutex
	invocations map[int64]struct{} // RpcIDs of servant invocations in progress

	monMu     deadlock.Mutex
	heartbeat *monitor.HeartbeatMonitor
	latency   *monitor.LatencyMonitor
}

// write sends one complete frame. Frames of concurrent writers never interleave.
func (c *connection) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(frame)
	return err
}

// Connect dials addr and performs the client handshake within timeout. On any failure the
// endpoint is back in Disconnected and nothing of the attempt remains.
func (e *Endpoint) Connect(addr string, timeout time.Duration) error {
	if e.closed.Load() {
		return errors.Wrap(rpcerr.ErrInvalidOperation, "endpoint is closed")
	}
	e.mu.Lock()
	if e.state != Disconnected {
		state := e.state
		e.mu.Unlock()
		return errors.Wrapf(rpcerr.ErrInvalidOperation, "cannot connect while %s", state)
	}
	e.state = Connecting
	e.mu.Unlock()

	started := time.Now()
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		e.setState(Disconnected)
		return errors.Wrapf(rpcerr.ErrNoSuchEndpoint, "dial %s: %v", addr, err)
	}

	e.setState(Authenticating)
	remaining := timeout - time.Since(started)
	if timeout > 0 && remaining <= 0 {
		remaining = time.Millisecond
	}
	session, err := e.engine.Client(conn, &e.caps, remaining)
	if err != nil {
		_ = conn.Close()
		e.setState(Disconnected)
		return err
	}
	e.start(conn, session)
	return nil
}

// Bind listens on addr and accepts one peer at a time. Peers arriving while a connection is
// being set up or is live are rejected with ReasonBlocked.
func (e *Endpoint) Bind(network, addr string) error {
	if e.closed.Load() {
		return errors.Wrap(rpcerr.ErrInvalidOperation, "endpoint is closed")
	}
	l, err := net.Listen(network, addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	e.mu.Lock()
	if e.listener != nil {
		e.mu.Unlock()
		_ = l.Close()
		return errors.Wrap(rpcerr.ErrInvalidOperation, "already bound")
	}
	e.listener = l
	e.mu.Unlock()

	e.logger.WithField("addr", l.Addr().String()).Info("listening")
	go e.acceptLoop(l)
	return nil
}

func (e *Endpoint) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			// Close makes Accept fail; only other errors are worth a log line
			if !e.shutdown.Load() {
				e.logger.WithError(err).Error("accept failed")
			}
			return
		}
		go e.accept(conn)
	}
}

func (e *Endpoint) accept(conn net.Conn) {
	timeout := e.cfg.HandshakeTimeout.Std()

	e.mu.Lock()
	if e.state != Disconnected || e.shutdown.Load() {
		e.mu.Unlock()
		if err := e.engine.Reject(conn, protocol.ReasonBlocked, timeout); err != nil {
			e.logger.WithError(err).Debug("rejecting client failed")
		}
		_ = conn.Close()
		return
	}
	e.state = Authenticating
	e.mu.Unlock()

	session, err := e.engine.Server(conn, &e.caps, timeout)
	if err != nil {
		e.logger.WithError(err).WithField("remote", conn.RemoteAddr().String()).Warn("handshake failed")
		_ = conn.Close()
		e.setState(Disconnected)
		return
	}
	e.start(conn, session)
}

func (e *Endpoint) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// start moves a handshaken socket into frame mode.
func (e *Endpoint) start(conn net.Conn, session *handshake.Session) {
	ser, _ := codec.GetCodec(session.Serializer)
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	e.mu.Lock()
	e.nextID++
	c := &connection{
		id:          e.nextID,
		conn:        conn,
		session:     session,
		serializer:  ser,
		marshaller:  grain.NewMarshaller(e.registry, ser),
		ctx:         ctx,
		cancel:      cancel,
		group:       g,
		invocations: make(map[int64]struct{}),
	}
	c.logger = e.logger.WithFields(logrus.Fields{"connection": c.id, "remote": conn.RemoteAddr().String()})
	c.handler = middleware.Chain(e.middlewares...)(func(ctx context.Context, call *message.Call) *message.Return {
		return e.invoke(ctx, c, call)
	})
	e.conn = c
	e.reason = ReasonNone
	e.pending.SetConnected(true)
	e.lastRead.Store(time.Now().UnixNano())
	e.state = Connected
	e.mu.Unlock()

	g.Go(func() error { return e.readLoop(c) })
	g.Go(func() error { return e.writeLoop(gctx, c) })
	e.startMonitors(c)

	c.logger.WithFields(logrus.Fields{
		"version":    session.Version,
		"serializer": session.Serializer,
	}).Info("connected")
	e.emitConnected(c.id)
}

// Disconnect closes the current connection in an orderly way, telling the peer with a
// Goodbye frame. It does nothing when not connected.
func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()
	if c == nil {
		return
	}
	e.disconnect(c, RequestedByEndPoint, nil)
}

// lose tears c down from a background goroutine after a failure was detected on it.
// Disconnecting waits for the loops, so it must never run on one of them.
func (e *Endpoint) lose(c *connection, reason DisconnectReason, err error) {
	go e.disconnect(c, reason, err)
}

// disconnect tears c down. Only the first call for a connection does anything.
func (e *Endpoint) disconnect(c *connection, reason DisconnectReason, cause error) bool {
	e.mu.Lock()
	if e.conn != c || e.state != Connected {
		e.mu.Unlock()
		return false
	}
	e.state = Disconnecting
	e.reason = reason
	e.mu.Unlock()

	logger := c.logger.WithField("reason", reason.String())
	if cause != nil {
		logger = logger.WithError(cause)
	}
	if reason.IsFailure() {
		logger.Error("connection lost")
	} else {
		logger.Info("disconnecting")
	}

	if reason == RequestedByEndPoint {
		e.sayGoodbye(c)
	}
	c.cancel()
	cancelled := e.pending.CancelAll()
	_ = c.conn.Close()
	e.stopMonitors(c)
	if err := c.group.Wait(); err != nil {
		logger.WithError(err).Debug("connection loops stopped")
	}

	c.invMu.Lock()
	abandoned := len(c.invocations)
	c.invocations = make(map[int64]struct{})
	c.invMu.Unlock()

	peer := grain.RoleClient
	if e.role == grain.RoleClient {
		peer = grain.RoleServer
	}
	dropped := e.registry.RemoveProxiesInRange(grain.RangeOf(peer))

	e.mu.Lock()
	e.conn = nil
	e.state = Disconnected
	e.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"cancelledCalls":       cancelled,
		"abandonedInvocations": abandoned,
		"droppedProxies":       dropped,
	}).Debug("disconnected")
	e.emitDisconnected(reason, cause)
	return true
}

func (e *Endpoint) sayGoodbye(c *connection) {
	frame := protocol.Marshal(&protocol.Header{MsgType: protocol.MsgTypeGoodbye}, nil)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(goodbyeTimeout))
	if _, err := c.conn.Write(frame); err != nil {
		c.logger.WithError(err).Debug("cannot say goodbye")
		return
	}
	e.stats.sent(len(frame))
}
