package endpoint

import (
	"reflect"

	"grain-rpc/grain"

	"github.com/pkg/errors"
)

func describe[T any](e *Endpoint) (*grain.InterfaceDescriptor, error) {
	d, ok := grain.Describe[T](e.catalog)
	if !ok {
		return nil, errors.Errorf("interface %v is not registered", reflect.TypeFor[T]())
	}
	return d, nil
}

// CreateProxy creates the proxy for the peer's grain id. It fails if a proxy for id is
// still alive; GetOrCreateProxy returns that one instead.
func CreateProxy[T any](e *Endpoint, id grain.ObjectID) (T, error) {
	var zero T
	d, err := describe[T](e)
	if err != nil {
		return zero, err
	}
	stub, err := e.registry.RegisterProxy(id, d)
	if err != nil {
		return zero, err
	}
	return stub.(T), nil
}

// GetOrCreateProxy returns the live proxy for id or creates one.
func GetOrCreateProxy[T any](e *Endpoint, id grain.ObjectID) (T, error) {
	var zero T
	d, err := describe[T](e)
	if err != nil {
		return zero, err
	}
	stub, err := e.registry.GetOrCreateProxy(id, d)
	if err != nil {
		return zero, err
	}
	return stub.(T), nil
}

// CreateServant exposes subject to the peer under id.
func CreateServant[T any](e *Endpoint, id grain.ObjectID, subject T) error {
	d, err := describe[T](e)
	if err != nil {
		return err
	}
	_, err = e.registry.RegisterServant(id, d, subject)
	return err
}

// GetOrCreateServant exposes subject under a freshly allocated id, or returns the id it is
// already exposed under.
func GetOrCreateServant[T any](e *Endpoint, subject T) (grain.ObjectID, error) {
	d, err := describe[T](e)
	if err != nil {
		return 0, err
	}
	s, err := e.registry.GetOrCreateServant(d, subject)
	if err != nil {
		return 0, err
	}
	return s.ID(), nil
}

// RetrieveSubject returns the object exposed under id.
func RetrieveSubject[T any](e *Endpoint, id grain.ObjectID) (T, bool) {
	var zero T
	subject, ok := e.registry.RetrieveSubject(id)
	if !ok {
		return zero, false
	}
	t, ok := subject.(T)
	return t, ok
}

// RemoveServant stops exposing the grain under id.
func (e *Endpoint) RemoveServant(id grain.ObjectID) bool {
	return e.registry.RemoveServant(id)
}

func (e *Endpoint) Registry() *grain.Registry {
	return e.registry
}
