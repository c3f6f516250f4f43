package codec

import (
	"bytes"
	"encoding/gob"
	"io"
	"reflect"

	"github.com/pkg/errors"
)

// BinaryCodec encodes every value as an independent gob stream. Each stream carries its own
// type information, which costs a few bytes per value but keeps values decodable in any order.
// A value passed as a pointer to an interface is encoded with its dynamic type, which must be
// a predeclared type or registered with gob.Register.
type BinaryCodec struct{}

func (c *BinaryCodec) WriteValue(w io.Writer, v any) error {
	if isNil(v) {
		return writeChunk(w, nil)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return errors.WithStack(err)
	}
	return writeChunk(w, buf.Bytes())
}

func (c *BinaryCodec) ReadValue(r io.Reader, t reflect.Type) (reflect.Value, error) {
	data, err := readChunk(r)
	if err != nil {
		return reflect.Value{}, err
	}
	ptr := reflect.New(t)
	if len(data) == 0 {
		return ptr.Elem(), nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).DecodeValue(ptr); err != nil {
		return reflect.Value{}, errors.WithStack(err)
	}
	return ptr.Elem(), nil
}

func (c *BinaryCodec) WriteException(w io.Writer, d *ExceptionDescriptor) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return errors.WithStack(err)
	}
	return writeChunk(w, buf.Bytes())
}

func (c *BinaryCodec) ReadException(r io.Reader) (*ExceptionDescriptor, error) {
	data, err := readChunk(r)
	if err != nil {
		return nil, err
	}
	d := &ExceptionDescriptor{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(d); err != nil {
		return nil, errors.WithStack(err)
	}
	return d, nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
