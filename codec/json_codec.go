package codec

import (
	"encoding/json"
	"io"
	"reflect"

	"github.com/pkg/errors"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing, larger payload (field names repeated).
type JSONCodec struct{}

func (c *JSONCodec) WriteValue(w io.Writer, v any) error {
	if isNil(v) {
		return writeChunk(w, nil)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WithStack(err)
	}
	return writeChunk(w, data)
}

func (c *JSONCodec) ReadValue(r io.Reader, t reflect.Type) (reflect.Value, error) {
	data, err := readChunk(r)
	if err != nil {
		return reflect.Value{}, err
	}
	ptr := reflect.New(t)
	if len(data) == 0 {
		return ptr.Elem(), nil
	}
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return reflect.Value{}, errors.WithStack(err)
	}
	return ptr.Elem(), nil
}

func (c *JSONCodec) WriteException(w io.Writer, d *ExceptionDescriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.WithStack(err)
	}
	return writeChunk(w, data)
}

func (c *JSONCodec) ReadException(r io.Reader) (*ExceptionDescriptor, error) {
	data, err := readChunk(r)
	if err != nil {
		return nil, err
	}
	d := &ExceptionDescriptor{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, errors.WithStack(err)
	}
	return d, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
