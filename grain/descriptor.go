package grain

import (
	"context"
	"reflect"

	"grain-rpc/dispatch"
	"grain-rpc/message"

	"github.com/pkg/errors"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	anyType     = reflect.TypeOf((*any)(nil)).Elem()
)

// MethodDescriptor is the static description of one interface method, built once when the
// interface is registered.
type MethodDescriptor struct {
	Name       string
	Policy     dispatch.Policy
	Args       []reflect.Type // excluding a leading context.Context
	Results    []reflect.Type // excluding a trailing error
	HasContext bool
	HasError   bool
}

// InterfaceDescriptor describes a grain interface: its wire name and method table.
type InterfaceDescriptor struct {
	Name        string
	Type        reflect.Type
	ByReference bool
	methods     map[string]*MethodDescriptor
	names       []string
}

// Method looks up a method by name; nil if the interface does not declare it.
func (d *InterfaceDescriptor) Method(name string) *MethodDescriptor {
	return d.methods[name]
}

// Methods lists the method names in declaration order of reflect (sorted).
func (d *InterfaceDescriptor) Methods() []string {
	return d.names
}

// Option customises how an interface is described.
type Option func(*describeOptions)

type describeOptions struct {
	name        string
	byReference bool
	policies    map[string]dispatch.Policy
	all         *dispatch.Policy
}

// WithName overrides the wire name, which defaults to the Go type name (e.g. "demo.Calculator").
// Registration fails for names longer than message.MaxNameLen bytes.
func WithName(name string) Option {
	return func(o *describeOptions) {
		o.name = name
	}
}

// ByReference marks the interface as pass-by-reference: values of it are never copied,
// only referenced by object id.
func ByReference() Option {
	return func(o *describeOptions) {
		o.byReference = true
	}
}

// WithDispatch sets the invocation policy of one method.
func WithDispatch(method string, policy dispatch.Policy) Option {
	return func(o *describeOptions) {
		o.policies[method] = policy
	}
}

// WithDefaultDispatch sets the invocation policy of every method without an explicit one.
func WithDefaultDispatch(policy dispatch.Policy) Option {
	return func(o *describeOptions) {
		o.all = &policy
	}
}

func describe(t reflect.Type, opts ...Option) (*InterfaceDescriptor, error) {
	if t.Kind() != reflect.Interface {
		return nil, errors.Errorf("%s is not an interface", t)
	}
	if t.NumMethod() == 0 {
		return nil, errors.Errorf("%s declares no methods", t)
	}

	o := &describeOptions{name: t.String(), policies: make(map[string]dispatch.Policy)}
	for _, opt := range opts {
		opt(o)
	}
	if len(o.name) > message.MaxNameLen {
		return nil, errors.Errorf("%s: wire name of %d bytes exceeds %d", t, len(o.name), message.MaxNameLen)
	}

	d := &InterfaceDescriptor{
		Name:        o.name,
		Type:        t,
		ByReference: o.byReference,
		methods:     make(map[string]*MethodDescriptor, t.NumMethod()),
	}

	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if len(m.Name) > message.MaxNameLen {
			return nil, errors.Errorf("%s: method name of %d bytes exceeds %d", t, len(m.Name), message.MaxNameLen)
		}
		mt := m.Type
		md := &MethodDescriptor{Name: m.Name}
		if o.all != nil {
			md.Policy = *o.all
		}
		if p, ok := o.policies[m.Name]; ok {
			md.Policy = p
		}

		first := 0
		if mt.NumIn() > 0 && mt.In(0) == contextType {
			md.HasContext = true
			first = 1
		}
		for j := first; j < mt.NumIn(); j++ {
			if mt.IsVariadic() && j == mt.NumIn()-1 {
				return nil, errors.Errorf("%s.%s: variadic methods are not supported", t, m.Name)
			}
			md.Args = append(md.Args, mt.In(j))
		}

		last := mt.NumOut()
		if last > 0 && mt.Out(last-1) == errorType {
			md.HasError = true
			last--
		}
		for j := 0; j < last; j++ {
			md.Results = append(md.Results, mt.Out(j))
		}

		d.methods[m.Name] = md
		d.names = append(d.names, m.Name)
	}

	for name := range o.policies {
		if _, ok := d.methods[name]; !ok {
			return nil, errors.Errorf("%s: dispatch policy set for unknown method %s", t, name)
		}
	}
	return d, nil
}
