package grain

import (
	"context"
	"io"
	"reflect"

	"grain-rpc/rpcerr"

	"github.com/pkg/errors"
)

// Servant exposes a local subject to remote callers. Method values are resolved once when
// the servant is created.
type Servant struct {
	id      ObjectID
	desc    *InterfaceDescriptor
	subject any
	methods map[string]reflect.Value
}

func newServant(id ObjectID, desc *InterfaceDescriptor, subject any) (*Servant, error) {
	if subject == nil {
		return nil, &rpcerr.ArgumentError{Interface: desc.Name, Reason: "subject is nil"}
	}
	v := reflect.ValueOf(subject)
	if v.Kind() != reflect.Pointer {
		return nil, &rpcerr.ArgumentError{Interface: desc.Name, Reason: "subject must be a pointer, got " + v.Type().String()}
	}
	if !v.Type().Implements(desc.Type) {
		return nil, &rpcerr.ArgumentError{Interface: desc.Name, Reason: v.Type().String() + " does not implement it"}
	}

	s := &Servant{
		id:      id,
		desc:    desc,
		subject: subject,
		methods: make(map[string]reflect.Value, len(desc.methods)),
	}
	for name := range desc.methods {
		s.methods[name] = v.MethodByName(name)
	}
	return s, nil
}

func (s *Servant) ID() ObjectID {
	return s.id
}

func (s *Servant) Interface() *InterfaceDescriptor {
	return s.desc
}

func (s *Servant) Subject() any {
	return s.subject
}

// Invoke reads the arguments of method from args, calls the subject and writes the results
// to results. An error returned by the subject is returned unchanged and nothing is written.
func (s *Servant) Invoke(ctx context.Context, method string, args io.Reader, results io.Writer, m *Marshaller) error {
	md := s.desc.Method(method)
	if md == nil {
		return rpcerr.UnknownMethod(s.desc.Name, method)
	}
	fn := s.methods[method]

	in, err := m.ReadValues(args, md.Args)
	if err != nil {
		return errors.WithStack(&rpcerr.ArgumentError{Interface: s.desc.Name, Method: method, Reason: "cannot decode arguments: " + err.Error()})
	}
	if md.HasContext {
		if ctx == nil {
			ctx = context.Background()
		}
		in = append([]reflect.Value{reflect.ValueOf(&ctx).Elem()}, in...)
	}

	out := fn.Call(in)
	if md.HasError {
		if errv := out[len(out)-1]; !errv.IsNil() {
			return errv.Interface().(error)
		}
		out = out[:len(out)-1]
	}
	return m.WriteResults(results, md.Results, out)
}
