package grain

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"

	"grain-rpc/codec"
	"grain-rpc/rpcerr"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
)

// ProxyFactory builds the typed stub for a proxy. The stub must implement the interface it
// was registered for and GrainProxy.
type ProxyFactory func(p *Proxy) any

type catalogEntry struct {
	desc    *InterfaceDescriptor
	factory ProxyFactory
}

// Catalog holds everything an endpoint knows about the interfaces it can call or serve,
// and the application error types it can rebuild from the wire. It is built once at
// startup and handed to the endpoint.
type Catalog struct {
	mu       deadlock.RWMutex
	byName   map[string]*catalogEntry
	byType   map[reflect.Type]*catalogEntry
	errTypes map[string]reflect.Type
}

func NewCatalog() *Catalog {
	return &Catalog{
		byName:   make(map[string]*catalogEntry),
		byType:   make(map[reflect.Type]*catalogEntry),
		errTypes: make(map[string]reflect.Type),
	}
}

// Register describes interface T and records the factory for its proxy stubs.
func Register[T any](c *Catalog, factory func(p *Proxy) T, opts ...Option) (*InterfaceDescriptor, error) {
	d, err := describe(reflect.TypeFor[T](), opts...)
	if err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, errors.Errorf("%s: nil proxy factory", d.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byName[d.Name]; ok {
		return nil, errors.Errorf("interface %s is already registered", d.Name)
	}
	e := &catalogEntry{desc: d, factory: func(p *Proxy) any { return factory(p) }}
	c.byName[d.Name] = e
	c.byType[d.Type] = e
	return d, nil
}

// MustRegister is like Register but panics on error. Intended for package-level setup.
func MustRegister[T any](c *Catalog, factory func(p *Proxy) T, opts ...Option) *InterfaceDescriptor {
	d, err := Register(c, factory, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// Describe returns the descriptor of a registered interface T.
func Describe[T any](c *Catalog) (*InterfaceDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byType[reflect.TypeFor[T]()]
	if !ok {
		return nil, false
	}
	return e.desc, true
}

// Lookup returns the descriptor registered under a wire name.
func (c *Catalog) Lookup(name string) (*InterfaceDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	return e.desc, true
}

// Names lists every registered interface, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) factory(name string) ProxyFactory {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.byName[name]; ok {
		return e.factory
	}
	return nil
}

// byReferenceType returns the descriptor when t is a registered by-reference interface.
func (c *Catalog) byReferenceType(t reflect.Type) (*InterfaceDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byType[t]
	if !ok || !e.desc.ByReference {
		return nil, false
	}
	return e.desc, true
}

// byReferenceFor picks the by-reference interface a dynamically typed value is sent as.
func (c *Catalog) byReferenceFor(v any) *InterfaceDescriptor {
	t := reflect.TypeOf(v)
	var found *InterfaceDescriptor
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.byName {
		if !e.desc.ByReference || !t.Implements(e.desc.Type) {
			continue
		}
		if found == nil || e.desc.Name < found.Name {
			found = e.desc
		}
	}
	return found
}

// RegisterError lets errors of prototype's dynamic type travel by value. Other application
// errors arrive as *rpcerr.UnserializableError.
func (c *Catalog) RegisterError(prototype error) {
	t := reflect.TypeOf(prototype)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errTypes[t.String()] = t
}

func (c *Catalog) errorType(name string) (reflect.Type, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.errTypes[name]
	return t, ok
}

// DescribeError turns an error raised while serving a call into its wire form.
func (c *Catalog) DescribeError(err error, ser codec.Serializer) *codec.ExceptionDescriptor {
	code := rpcerr.CodeOf(err)
	d := &codec.ExceptionDescriptor{
		Code:    byte(code),
		Type:    fmt.Sprintf("%T", errors.Cause(err)),
		Message: err.Error(),
	}

	var (
		noServant *rpcerr.NoSuchServantError
		mismatch  *rpcerr.TypeMismatchError
		argument  *rpcerr.ArgumentError
		unser     *rpcerr.UnserializableError
	)
	switch code {
	case rpcerr.CodeNoSuchServant:
		errors.As(err, &noServant)
		d.ObjectID, d.Interface, d.Method = noServant.ObjectID, noServant.Interface, noServant.Method
	case rpcerr.CodeTypeMismatch:
		errors.As(err, &mismatch)
		d.ObjectID, d.Interface, d.Actual = mismatch.ObjectID, mismatch.Expected, mismatch.Actual
	case rpcerr.CodeArgument:
		errors.As(err, &argument)
		d.Interface, d.Method, d.Message = argument.Interface, argument.Method, argument.Reason
	case rpcerr.CodeUnserializable:
		errors.As(err, &unser)
		d.Type, d.Message = unser.TypeName, unser.Message
	case rpcerr.CodeApplication:
		c.attachErrorValue(d, err, ser)
	}
	return d
}

// attachErrorValue encodes the first error in err's chain whose type is registered.
// Encoding failures leave Data empty, so the peer sees an UnserializableError that still
// carries the original message.
func (c *Catalog) attachErrorValue(d *codec.ExceptionDescriptor, err error, ser codec.Serializer) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		name := reflect.TypeOf(e).String()
		if _, ok := c.errorType(name); !ok {
			continue
		}
		var buf bytes.Buffer
		if werr := ser.WriteValue(&buf, e); werr != nil {
			return
		}
		d.Type = name
		d.Data = buf.Bytes()
		return
	}
}

// ReconstructError rebuilds the error described by d.
func (c *Catalog) ReconstructError(d *codec.ExceptionDescriptor, ser codec.Serializer) error {
	code := rpcerr.Code(d.Code)
	switch code {
	case rpcerr.CodeNoSuchServant:
		return &rpcerr.NoSuchServantError{ObjectID: d.ObjectID, Interface: d.Interface, Method: d.Method}
	case rpcerr.CodeTypeMismatch:
		return &rpcerr.TypeMismatchError{ObjectID: d.ObjectID, Expected: d.Interface, Actual: d.Actual}
	case rpcerr.CodeArgument:
		return &rpcerr.ArgumentError{Interface: d.Interface, Method: d.Method, Reason: d.Message}
	case rpcerr.CodeApplication:
		return c.reconstructApplication(d, ser)
	}
	if code.Sentinel() != nil {
		return &rpcerr.RemoteError{Code: code, Message: d.Message}
	}
	return &rpcerr.UnserializableError{TypeName: d.Type, Message: d.Message}
}

func (c *Catalog) reconstructApplication(d *codec.ExceptionDescriptor, ser codec.Serializer) error {
	unser := &rpcerr.UnserializableError{TypeName: d.Type, Message: d.Message}
	t, ok := c.errorType(d.Type)
	if !ok || len(d.Data) == 0 {
		return unser
	}
	v, err := ser.ReadValue(bytes.NewReader(d.Data), t)
	if err != nil {
		return unser
	}
	e, ok := v.Interface().(error)
	if !ok || e == nil {
		return unser
	}
	return e
}
