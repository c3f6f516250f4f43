package codec

import (
	"encoding/binary"
	"io"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// CodecType is a single bit so that the set of supported serializers can be announced
// as a bitset during the handshake.
type CodecType uint32

const (
	CodecTypeJSON   CodecType = 1 << 0
	CodecTypeBinary CodecType = 1 << 1
)

const maxValueSize = 16 << 20

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// ParseType maps a configuration name ("json", "binary") to its CodecType.
func ParseType(name string) (CodecType, error) {
	switch strings.ToLower(name) {
	case "json":
		return CodecTypeJSON, nil
	case "binary", "gob":
		return CodecTypeBinary, nil
	default:
		return 0, errors.Errorf("unknown serializer %q", name)
	}
}

// Mask folds a preference list into the bitset announced in Syn.
func Mask(types []CodecType) uint32 {
	var mask uint32
	for _, t := range types {
		mask |= uint32(t)
	}
	return mask
}

// Serializer encodes the values and exceptions carried in Call and Return payloads.
// Every value is written length-prefixed, so a reader always consumes exactly what one
// WriteValue produced. A nil value is written as an empty value and read back as the
// zero value of the expected type.
type Serializer interface {
	Type() CodecType
	WriteValue(w io.Writer, v any) error
	ReadValue(r io.Reader, t reflect.Type) (reflect.Value, error)
	WriteException(w io.Writer, d *ExceptionDescriptor) error
	ReadException(r io.Reader) (*ExceptionDescriptor, error)
}

// ExceptionDescriptor is the wire form of an error raised by a servant.
type ExceptionDescriptor struct {
	Code      byte   // rpcerr.Code
	Type      string // Go type of the original error
	Message   string // Error() of the original error
	ObjectID  uint64 `json:",omitempty"`
	Interface string `json:",omitempty"`
	Method    string `json:",omitempty"`
	Actual    string `json:",omitempty"`
	Data      []byte `json:",omitempty"` // Encoded error value for registered application types
}

func GetCodec(codecType CodecType) (Serializer, error) {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}, nil
	case CodecTypeBinary:
		return &BinaryCodec{}, nil
	default:
		return nil, errors.Errorf("unsupported codec type: %d", codecType)
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func writeChunk(w io.Writer, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

func readChunk(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, errors.Wrap(err, "read value length")
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n > maxValueSize {
		return nil, errors.Errorf("value of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "read value")
	}
	return data, nil
}
