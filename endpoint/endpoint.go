// Package endpoint runs one side of a grain connection.
//
// An Endpoint owns at most one connection at a time, either dialled with Connect or accepted
// by a listener opened with Bind. Once the handshake completes it runs:
//
//	reader  → Return frames complete pending calls, Call frames are dispatched to servants
//	writer  → drains the outbound queue of pending calls onto the socket
//	monitors → heartbeat and latency grains of the peer
//
// plus, for its whole lifetime, a sweep that forgets proxies the application dropped.
package endpoint

import (
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"grain-rpc/auth"
	"grain-rpc/config"
	"grain-rpc/dispatch"
	"grain-rpc/grain"
	"grain-rpc/handshake"
	"grain-rpc/logging"
	"grain-rpc/middleware"
	"grain-rpc/monitor"
	"grain-rpc/rpcerr"
	"grain-rpc/transport"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// Endpoint is one side of a grain connection.
type Endpoint struct {
	cfg       config.Config
	role      grain.Role
	logger    *logrus.Entry
	catalog   *grain.Catalog
	ids       *grain.IDAllocator
	registry  *grain.Registry
	pending   *transport.PendingCalls
	scheduler *dispatch.Scheduler
	engine    *handshake.Engine
	caps      handshake.Capabilities
	secrets   io.Closer // etcd watch behind the authenticator, if any

	middlewares []middleware.Middleware
	extra       []middleware.Middleware

	mu     deadlock.Mutex
	state  State
	conn   *connection // Current connection, nil unless Connected or Disconnecting
	nextID uint64      // Last connection id handed out
	reason DisconnectReason

	listener   net.Listener
	shutdown   atomic.Bool
	closed     atomic.Bool
	inflightMu deadlock.RWMutex // Orders inflight.Add against Shutdown setting shutdown
	inflight   sync.WaitGroup   // Servant invocations, waited for by Shutdown

	sweepStop chan struct{}
	sweepDone chan struct{}

	hooksMu        deadlock.Mutex
	onConnected    []func(connectionID uint64)
	onDisconnected []func(reason DisconnectReason)
	onFailure      []func(reason DisconnectReason, err error)

	nextRpcID atomic.Int64
	lastRead  atomic.Int64 // unix nanos
	stats     statistics
}

// Option customises an Endpoint.
type Option func(*Endpoint)

// WithLogger replaces the discarding default logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(e *Endpoint) {
		e.logger = logger
	}
}

// WithAuthenticators overrides the authenticators derived from the configuration. client
// authenticates client endpoints, server authenticates server endpoints; either may be nil.
func WithAuthenticators(client, server auth.Authenticator) Option {
	return func(e *Endpoint) {
		e.caps.ClientAuthenticator = client
		e.caps.ServerAuthenticator = server
	}
}

// WithMiddleware appends servant invocation middlewares, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Endpoint) {
		e.extra = append(e.extra, mws...)
	}
}

// New creates an endpoint for cfg. The built-in heartbeat and latency grains are added to
// catalog if it does not know them yet.
func New(cfg config.Config, catalog *grain.Catalog, opts ...Option) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	versions, _ := cfg.VersionMask()
	serializers, _ := cfg.SerializerTypes()

	e := &Endpoint{
		cfg:       cfg,
		role:      cfg.GrainRole(),
		logger:    logging.Discard(),
		catalog:   catalog,
		scheduler: dispatch.NewScheduler(),
		caps: handshake.Capabilities{
			Versions:    versions,
			Serializers: serializers,
		},
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithField("endpoint", cfg.Name)
	if cfg.Auth.Enabled() && e.caps.ClientAuthenticator == nil && e.caps.ServerAuthenticator == nil {
		a, closer, err := authenticatorFor(cfg.Auth, e.logger)
		if err != nil {
			return nil, err
		}
		e.caps.ClientAuthenticator, e.caps.ServerAuthenticator = a, a
		e.secrets = closer
	}
	e.caps.Resolve = func(name string) bool {
		_, ok := catalog.Lookup(name)
		return ok
	}

	if _, ok := grain.Describe[monitor.Heartbeat](catalog); !ok {
		if err := monitor.RegisterGrains(catalog); err != nil {
			return nil, err
		}
	}
	e.caps.TypeModel = catalog.Names()

	e.ids = grain.NewIDAllocator(e.role)
	e.registry = grain.NewRegistry(catalog, e.ids, e, e.logger)
	e.pending = transport.NewPendingCalls(e.logger, cfg.MaxConcurrentCalls)
	e.engine = handshake.New(e.logger)

	if err := e.registerBuiltins(); err != nil {
		return nil, err
	}

	e.middlewares = append(e.middlewares,
		middleware.RecoverMiddleware(e.logger),
		middleware.LoggingMiddleware(e.logger))
	if cfg.RateLimit.PerSecond > 0 {
		e.middlewares = append(e.middlewares, middleware.RateLimitMiddleware(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst))
	}
	if cfg.InvocationTimeout > 0 {
		e.middlewares = append(e.middlewares, middleware.TimeOutMiddleware(cfg.InvocationTimeout.Std()))
	}
	e.middlewares = append(e.middlewares, e.extra...)

	go e.sweep(cfg.SweepInterval.Std())
	return e, nil
}

func authenticatorFor(cfg config.AuthConfig, logger *logrus.Entry) (auth.Authenticator, io.Closer, error) {
	if len(cfg.EtcdEndpoints) > 0 {
		src, err := auth.NewEtcdSecretSource(cfg.EtcdEndpoints, cfg.EtcdKey, logger)
		if err != nil {
			return nil, nil, err
		}
		return auth.NewHMACAuthenticator(src), src, nil
	}
	return auth.NewHMACAuthenticator(auth.StaticSecret(cfg.SharedSecret)), nil, nil
}

// registerBuiltins exposes this endpoint's heartbeat and latency grains under the ids of its
// role.
func (e *Endpoint) registerBuiltins() error {
	hbID, ltID := grain.ClientHeartbeatID, grain.ClientLatencyID
	if e.role == grain.RoleServer {
		hbID, ltID = grain.ServerHeartbeatID, grain.ServerLatencyID
	}
	hb, _ := grain.Describe[monitor.Heartbeat](e.catalog)
	lt, _ := grain.Describe[monitor.Latency](e.catalog)
	if _, err := e.registry.RegisterServant(hbID, hb, monitor.NewHeartbeatServant()); err != nil {
		return err
	}
	_, err := e.registry.RegisterServant(ltID, lt, monitor.NewLatencyServant())
	return err
}

// Use appends a servant invocation middleware. It applies to connections established
// afterwards.
func (e *Endpoint) Use(mw middleware.Middleware) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.middlewares = append(e.middlewares, mw)
}

func (e *Endpoint) sweep(interval time.Duration) {
	defer close(e.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.sweepStop:
			return
		case <-ticker.C:
			e.registry.RemoveUnusedProxies()
		}
	}
}

// OnConnected registers fn to run after every successful handshake.
func (e *Endpoint) OnConnected(fn func(connectionID uint64)) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.onConnected = append(e.onConnected, fn)
}

// OnDisconnected registers fn to run after every disconnect, whatever the reason.
func (e *Endpoint) OnDisconnected(fn func(reason DisconnectReason)) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.onDisconnected = append(e.onDisconnected, fn)
}

// OnFailure registers fn to run when a connection is lost rather than closed. It runs before
// the OnDisconnected hooks.
func (e *Endpoint) OnFailure(fn func(reason DisconnectReason, err error)) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.onFailure = append(e.onFailure, fn)
}

func (e *Endpoint) emitConnected(id uint64) {
	e.hooksMu.Lock()
	hooks := slices.Clone(e.onConnected)
	e.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(id)
	}
}

func (e *Endpoint) emitDisconnected(reason DisconnectReason, err error) {
	e.hooksMu.Lock()
	failures := slices.Clone(e.onFailure)
	disconnects := slices.Clone(e.onDisconnected)
	e.hooksMu.Unlock()
	if reason.IsFailure() {
		for _, fn := range failures {
			fn(reason, err)
		}
	}
	for _, fn := range disconnects {
		fn(reason)
	}
}

func (e *Endpoint) Name() string {
	return e.cfg.Name
}

func (e *Endpoint) Role() grain.Role {
	return e.role
}

func (e *Endpoint) Catalog() *grain.Catalog {
	return e.catalog
}

func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) IsConnected() bool {
	return e.State() == Connected
}

// CurrentConnectionID is the id of the live connection, or of the last one once it ended.
// Zero before the first handshake.
func (e *Endpoint) CurrentConnectionID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextID
}

// DisconnectReason explains why the last connection ended.
func (e *Endpoint) DisconnectReason() DisconnectReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

// LocalAddr is the address Bind listens on, nil before Bind.
func (e *Endpoint) LocalAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

func (e *Endpoint) RemoteAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	return e.conn.conn.RemoteAddr()
}

// Shutdown stops accepting connections and invocations, waits up to timeout for servant invocations in
// progress and then closes the endpoint.
func (e *Endpoint) Shutdown(timeout time.Duration) error {
	// no invocation is admitted after this, so Wait never races an Add
	e.inflightMu.Lock()
	e.shutdown.Store(true)
	e.inflightMu.Unlock()
	e.closeListener()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.Wrapf(rpcerr.ErrInvocationTimeout, "waiting for invocations to finish after %v", timeout)
	}
	if cerr := e.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close disconnects, stops the listener and releases everything the endpoint holds. The
// endpoint cannot be reused.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.shutdown.Store(true)
	e.closeListener()
	e.Disconnect()
	close(e.sweepStop)
	<-e.sweepDone
	if e.secrets != nil {
		return e.secrets.Close()
	}
	return nil
}

func (e *Endpoint) closeListener() {
	e.mu.Lock()
	l := e.listener
	e.mu.Unlock()
	if l != nil {
		_ = l.Close()
	}
}
