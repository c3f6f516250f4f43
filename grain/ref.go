package grain

import (
	"fmt"
	"io"
	"reflect"

	"grain-rpc/codec"
	"grain-rpc/rpcerr"

	"github.com/pkg/errors"
)

// RefKind tells the receiver how to resolve a by-reference value.
type RefKind byte

const (
	RefNil             RefKind = iota
	RefCreateProxy             // the object lives with the sender; receiver needs a proxy
	RefRetrieveSubject         // the object lives with the receiver; sender held a proxy
	RefValue                   // an any-typed value that is not a grain; the value itself follows
)

// Ref is written in place of a by-reference value. Interface is only set when the declared
// type at the call site is not a by-reference interface itself.
type Ref struct {
	Kind      RefKind
	ObjectID  ObjectID
	Interface string
}

var refType = reflect.TypeOf(Ref{})

// Marshaller writes and reads argument and result lists for one connection, replacing
// by-reference values with Refs on the way out and resolving them on the way in.
type Marshaller struct {
	reg *Registry
	ser codec.Serializer
}

func NewMarshaller(reg *Registry, ser codec.Serializer) *Marshaller {
	return &Marshaller{reg: reg, ser: ser}
}

func (m *Marshaller) Serializer() codec.Serializer {
	return m.ser
}

// WriteValues encodes values according to their declared types.
func (m *Marshaller) WriteValues(w io.Writer, types []reflect.Type, values []any) error {
	if len(values) != len(types) {
		return errors.Errorf("expected %d values, got %d", len(types), len(values))
	}
	for i, t := range types {
		if err := m.writeValue(w, t, values[i]); err != nil {
			return errors.Wrapf(err, "value %d", i)
		}
	}
	return nil
}

// WriteResults encodes the values returned by a reflective call.
func (m *Marshaller) WriteResults(w io.Writer, types []reflect.Type, values []reflect.Value) error {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v.Interface()
	}
	return m.WriteValues(w, types, vals)
}

// ReadValues decodes one value per declared type.
func (m *Marshaller) ReadValues(r io.Reader, types []reflect.Type) ([]reflect.Value, error) {
	out := make([]reflect.Value, len(types))
	for i, t := range types {
		v, err := m.readValue(r, t)
		if err != nil {
			return nil, errors.Wrapf(err, "value %d", i)
		}
		out[i] = v
	}
	return out, nil
}

// ReadInto decodes values and stores them through the pointers in dst.
func (m *Marshaller) ReadInto(r io.Reader, types []reflect.Type, dst []any) error {
	values, err := m.ReadValues(r, types)
	if err != nil {
		return err
	}
	for i, v := range values {
		reflect.ValueOf(dst[i]).Elem().Set(v)
	}
	return nil
}

// writeValue sends values of by-reference interfaces as Refs. An any-typed value goes by
// reference when it is a grain and by value otherwise; the value is encoded behind its
// interface, so the binary serializer needs its dynamic type registered with gob.Register
// unless it is a predeclared type.
func (m *Marshaller) writeValue(w io.Writer, t reflect.Type, v any) error {
	desc, byRef := m.reg.catalog.byReferenceType(t)
	if !byRef && t != anyType {
		return m.ser.WriteValue(w, v)
	}
	if t == anyType && !m.isGrain(v) {
		if err := m.ser.WriteValue(w, Ref{Kind: RefValue}); err != nil {
			return err
		}
		return m.ser.WriteValue(w, &v)
	}
	ref, err := m.refFor(t, desc, v)
	if err != nil {
		return err
	}
	return m.ser.WriteValue(w, ref)
}

func (m *Marshaller) readValue(r io.Reader, t reflect.Type) (reflect.Value, error) {
	desc, byRef := m.reg.catalog.byReferenceType(t)
	if !byRef && t != anyType {
		return m.ser.ReadValue(r, t)
	}

	rv, err := m.ser.ReadValue(r, refType)
	if err != nil {
		return reflect.Value{}, err
	}
	ref := rv.Interface().(Ref)
	if ref.Kind == RefValue {
		if t != anyType {
			return reflect.Value{}, errors.Errorf("plain value sent for by-reference %s", t)
		}
		return m.ser.ReadValue(r, anyType)
	}
	obj, err := m.resolve(ref, desc)
	if err != nil {
		return reflect.Value{}, err
	}
	if obj == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(obj)
	if !v.Type().AssignableTo(t) {
		return reflect.Value{}, &rpcerr.TypeMismatchError{Expected: t.String(), Actual: v.Type().String()}
	}
	return v, nil
}

func (m *Marshaller) refFor(declared reflect.Type, desc *InterfaceDescriptor, v any) (Ref, error) {
	if isNilValue(v) {
		return Ref{Kind: RefNil}, nil
	}
	dynamic := declared == anyType

	if gp, ok := v.(GrainProxy); ok {
		p := gp.GrainProxy()
		ref := Ref{Kind: RefRetrieveSubject, ObjectID: p.id}
		if dynamic {
			ref.Interface = p.desc.Name
		}
		return ref, nil
	}

	if desc == nil {
		desc = m.reg.catalog.byReferenceFor(v)
		if desc == nil {
			return Ref{}, &rpcerr.ArgumentError{Interface: declared.String(), Reason: fmt.Sprintf("%T cannot be sent by reference", v)}
		}
	}
	s, err := m.reg.GetOrCreateServant(desc, v)
	if err != nil {
		return Ref{}, err
	}
	ref := Ref{Kind: RefCreateProxy, ObjectID: s.id}
	if dynamic {
		ref.Interface = desc.Name
	}
	return ref, nil
}

func (m *Marshaller) resolve(ref Ref, desc *InterfaceDescriptor) (any, error) {
	switch ref.Kind {
	case RefNil:
		return nil, nil
	case RefCreateProxy:
		if desc == nil {
			d, ok := m.reg.catalog.Lookup(ref.Interface)
			if !ok {
				return nil, errors.Errorf("unknown by-reference interface %q", ref.Interface)
			}
			desc = d
		}
		return m.reg.GetOrCreateProxy(ref.ObjectID, desc)
	case RefRetrieveSubject:
		subject, ok := m.reg.RetrieveSubject(ref.ObjectID)
		if !ok {
			return nil, &rpcerr.NoSuchServantError{ObjectID: uint64(ref.ObjectID), Interface: ref.Interface}
		}
		return subject, nil
	default:
		return nil, errors.Errorf("unknown reference kind %d", ref.Kind)
	}
}

// isGrain reports whether v must travel by reference: nil, a proxy, or an object of a
// registered by-reference interface.
func (m *Marshaller) isGrain(v any) bool {
	if isNilValue(v) {
		return true
	}
	if _, ok := v.(GrainProxy); ok {
		return true
	}
	return m.reg.catalog.byReferenceFor(v) != nil
}

func isNilValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
