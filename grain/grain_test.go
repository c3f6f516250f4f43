package grain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"grain-rpc/codec"
	"grain-rpc/dispatch"
	"grain-rpc/rpcerr"

	"github.com/sirupsen/logrus"
)

// Test grains shared by the tests in this package.

type Calculator interface {
	Add(a, b int) (int, error)
	Value() int
}

type Listener interface {
	Notify(msg string) error
}

type Hub interface {
	Subscribe(l Listener) (Listener, error)
	Echo(v any) (any, error)
}

type NegativeError struct {
	A int
}

func (e *NegativeError) Error() string {
	return fmt.Sprintf("negative operand %d", e.A)
}

type calculator struct {
	value int
}

func (c *calculator) Add(a, b int) (int, error) {
	if a < 0 {
		return 0, &NegativeError{A: a}
	}
	return a + b, nil
}

func (c *calculator) Value() int {
	return c.value
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Notify(msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

type hub struct {
	mu   sync.Mutex
	seen []Listener
}

func (h *hub) Subscribe(l Listener) (Listener, error) {
	h.mu.Lock()
	h.seen = append(h.seen, l)
	h.mu.Unlock()
	if l == nil {
		return nil, nil
	}
	if err := l.Notify("subscribed"); err != nil {
		return nil, err
	}
	return l, nil
}

func (h *hub) Echo(v any) (any, error) {
	return v, nil
}

type calculatorProxy struct{ p *Proxy }

func (c *calculatorProxy) GrainProxy() *Proxy { return c.p }

func (c *calculatorProxy) Add(a, b int) (int, error) {
	var sum int
	err := c.p.Invoke(context.Background(), "Add", []any{a, b}, &sum)
	return sum, err
}

func (c *calculatorProxy) Value() int {
	var v int
	_ = c.p.Invoke(context.Background(), "Value", nil, &v)
	return v
}

type listenerProxy struct{ p *Proxy }

func (l *listenerProxy) GrainProxy() *Proxy { return l.p }

func (l *listenerProxy) Notify(msg string) error {
	return l.p.Invoke(context.Background(), "Notify", []any{msg})
}

type hubProxy struct{ p *Proxy }

func (h *hubProxy) GrainProxy() *Proxy { return h.p }

func (h *hubProxy) Subscribe(l Listener) (Listener, error) {
	var out Listener
	err := h.p.Invoke(context.Background(), "Subscribe", []any{l}, &out)
	return out, err
}

func (h *hubProxy) Echo(v any) (any, error) {
	var out any
	err := h.p.Invoke(context.Background(), "Echo", []any{v}, &out)
	return out, err
}

func newTestCatalog() *Catalog {
	c := NewCatalog()
	MustRegister(c, func(p *Proxy) Calculator { return &calculatorProxy{p} },
		WithDispatch("Add", dispatch.PerMethod))
	MustRegister(c, func(p *Proxy) Listener { return &listenerProxy{p} }, ByReference())
	MustRegister(c, func(p *Proxy) Hub { return &hubProxy{p} })
	c.RegisterError(&NegativeError{})
	return c
}

func discardLogger() *logrus.Entry {
	logger := logrus.New()
	logger.Out = io.Discard
	return logrus.NewEntry(logger)
}

// loopback carries calls between two registries in the same process, going through the
// same marshalling path as a real connection.
type loopback struct {
	local  *Registry
	remote *Registry
	ser    codec.Serializer
}

func (l *loopback) Call(ctx context.Context, p *Proxy, m *MethodDescriptor, args []any, results []any) error {
	var in bytes.Buffer
	if err := NewMarshaller(l.local, l.ser).WriteValues(&in, m.Args, args); err != nil {
		return err
	}
	s, ok := l.remote.Servant(p.ID())
	if !ok {
		return &rpcerr.NoSuchServantError{ObjectID: uint64(p.ID()), Interface: p.Interface().Name, Method: m.Name}
	}
	if s.Interface().Name != p.Interface().Name {
		return &rpcerr.TypeMismatchError{ObjectID: uint64(p.ID()), Expected: p.Interface().Name, Actual: s.Interface().Name}
	}
	var out bytes.Buffer
	if err := s.Invoke(ctx, m.Name, &in, &out, NewMarshaller(l.remote, l.ser)); err != nil {
		// errors cross the boundary in wire form, like they would on a socket
		d := l.remote.Catalog().DescribeError(err, l.ser)
		return l.local.Catalog().ReconstructError(d, l.ser)
	}
	return NewMarshaller(l.local, l.ser).ReadInto(&out, m.Results, results)
}

func (l *loopback) Go(p *Proxy, m *MethodDescriptor, args []any, results []any, done func(error)) {
	go func() {
		done(l.Call(context.Background(), p, m, args, results))
	}()
}

// newPair builds a client and a server registry wired to each other.
func newPair(ser codec.Serializer) (client *Registry, server *Registry) {
	toServer := &loopback{ser: ser}
	toClient := &loopback{ser: ser}
	client = NewRegistry(newTestCatalog(), NewIDAllocator(RoleClient), toServer, discardLogger())
	server = NewRegistry(newTestCatalog(), NewIDAllocator(RoleServer), toClient, discardLogger())
	toServer.local, toServer.remote = client, server
	toClient.local, toClient.remote = server, client
	return client, server
}
