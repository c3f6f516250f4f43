package grain

import (
	"context"
	"reflect"

	"grain-rpc/rpcerr"
)

// GrainProxy is implemented by every proxy stub so that the runtime can recognise a stub
// passed as an argument and send it back by id instead of by value.
type GrainProxy interface {
	GrainProxy() *Proxy
}

// Channel carries proxy invocations to the remote side. The endpoint implements it.
type Channel interface {
	// Call performs a synchronous invocation, storing the results into the pointers in results.
	Call(ctx context.Context, p *Proxy, m *MethodDescriptor, args []any, results []any) error
	// Go starts an invocation and reports its outcome through done.
	Go(p *Proxy, m *MethodDescriptor, args []any, results []any, done func(error))
}

// Proxy is the untyped half of a proxy stub: the remote object's id, its interface and the
// channel that reaches it. Typed stubs embed or hold a *Proxy and forward every method to
// Invoke.
type Proxy struct {
	id   ObjectID
	desc *InterfaceDescriptor
	ch   Channel
	stub any
}

func (p *Proxy) ID() ObjectID {
	return p.id
}

func (p *Proxy) Interface() *InterfaceDescriptor {
	return p.desc
}

// Stub returns the typed stub built for this proxy.
func (p *Proxy) Stub() any {
	return p.stub
}

// Invoke calls method on the remote object and blocks until it returns or the connection
// is lost. Each element of results must be a pointer to the corresponding result type.
func (p *Proxy) Invoke(ctx context.Context, method string, args []any, results ...any) error {
	m, err := p.check(method, args, results)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return p.ch.Call(ctx, p, m, args, results)
}

// Call is an invocation in progress started by Proxy.Go.
type Call struct {
	Method  string
	Args    []any
	Results []any
	Error   error
	Done    chan *Call // Receives the call on completion
}

func (c *Call) done() {
	select {
	case c.Done <- c:
	default:
		// the caller made Done too small; the result is dropped like net/rpc does
	}
}

// Go invokes method asynchronously. If done is nil a channel with capacity one is allocated;
// otherwise done must be buffered.
func (p *Proxy) Go(method string, args []any, results []any, done chan *Call) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	} else if cap(done) == 0 {
		panic("grain: done channel is unbuffered")
	}
	call := &Call{Method: method, Args: args, Results: results, Done: done}

	m, err := p.check(method, args, results)
	if err != nil {
		call.Error = err
		call.done()
		return call
	}
	p.ch.Go(p, m, args, results, func(err error) {
		call.Error = err
		call.done()
	})
	return call
}

func (p *Proxy) check(method string, args []any, results []any) (*MethodDescriptor, error) {
	m := p.desc.Method(method)
	if m == nil {
		return nil, rpcerr.UnknownMethod(p.desc.Name, method)
	}
	if len(args) != len(m.Args) {
		return nil, &rpcerr.ArgumentError{Interface: p.desc.Name, Method: method, Reason: "wrong number of arguments"}
	}
	if len(results) != len(m.Results) {
		return nil, &rpcerr.ArgumentError{Interface: p.desc.Name, Method: method, Reason: "wrong number of results"}
	}
	for i, r := range results {
		rv := reflect.ValueOf(r)
		if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Type().Elem() != m.Results[i] {
			return nil, &rpcerr.ArgumentError{Interface: p.desc.Name, Method: method, Reason: "results must be pointers to the declared result types"}
		}
	}
	return m, nil
}
