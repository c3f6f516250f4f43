// Package message defines the payloads carried by Call and Return frames.
//
// A Call names its target grain and method; the arguments are already encoded by the
// negotiated serializer. A Return carries either the encoded results or an encoded
// exception descriptor, told apart by a leading discriminator byte.
package message

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// MaxNameLen bounds interface and method names, whose lengths travel as uint16.
const MaxNameLen = math.MaxUint16

// ErrMalformed is returned when a payload is shorter than its own length fields claim.
var ErrMalformed = errors.New("malformed message payload")

// Call is the payload of a Call frame.
//
//	┌──────────┬─────┬───────────┬─────┬────────┬──────────┐
//	│ objectID │ len │ Interface │ len │ Method │ args ... │
//	│  uint64  │ u16 │           │ u16 │        │          │
//	└──────────┴─────┴───────────┴─────┴────────┴──────────┘
type Call struct {
	ObjectID  uint64 // Target grain
	Interface string // Interface the caller believes the grain implements
	Method    string // Method name within Interface
	Args      []byte // Serializer-encoded argument list
}

// Size is the length of the encoded payload.
func (c *Call) Size() int {
	return 8 + 2 + len(c.Interface) + 2 + len(c.Method) + len(c.Args)
}

// Marshal encodes the call payload. Names longer than MaxNameLen are not representable;
// grain descriptors never produce them.
func (c *Call) Marshal() []byte {
	buf := make([]byte, c.Size())

	offset := 0
	// ObjectID -- 8 bytes
	binary.BigEndian.PutUint64(buf[offset:offset+8], c.ObjectID)
	offset += 8

	// Interface -- 2 byte length + n bytes
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(c.Interface)))
	offset += 2
	copy(buf[offset:], c.Interface)
	offset += len(c.Interface)

	// Method -- 2 byte length + n bytes
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(c.Method)))
	offset += 2
	copy(buf[offset:], c.Method)
	offset += len(c.Method)

	// Args -- rest of the payload
	copy(buf[offset:], c.Args)
	return buf
}

// UnmarshalCall decodes a call payload. Args aliases data.
func UnmarshalCall(data []byte) (*Call, error) {
	c := &Call{}
	offset := 0

	if len(data) < 8 {
		return nil, errors.Wrap(ErrMalformed, "call: missing object id")
	}
	c.ObjectID = binary.BigEndian.Uint64(data[offset : offset+8])
	offset += 8

	iface, n, err := readString(data[offset:])
	if err != nil {
		return nil, errors.Wrap(err, "call: interface")
	}
	c.Interface = iface
	offset += n

	method, n, err := readString(data[offset:])
	if err != nil {
		return nil, errors.Wrap(err, "call: method")
	}
	c.Method = method
	offset += n

	c.Args = data[offset:]
	return c, nil
}

// Return is the payload of a Return frame.
type Return struct {
	Fault bool   // Body is an exception descriptor rather than results
	Body  []byte // Serializer-encoded results or exception

	// Err is set by servant-side handlers to signal a failure that still has to be
	// turned into an exception descriptor. It never travels on the wire.
	Err error
}

// Size is the length of the encoded payload.
func (r *Return) Size() int {
	return 1 + len(r.Body)
}

// Marshal encodes the return payload.
func (r *Return) Marshal() []byte {
	buf := make([]byte, r.Size())
	if r.Fault {
		buf[0] = 1
	}
	copy(buf[1:], r.Body)
	return buf
}

// UnmarshalReturn decodes a return payload. Body aliases data.
func UnmarshalReturn(data []byte) (*Return, error) {
	if len(data) < 1 {
		return nil, errors.Wrap(ErrMalformed, "return: missing discriminator")
	}
	switch data[0] {
	case 0:
		return &Return{Body: data[1:]}, nil
	case 1:
		return &Return{Fault: true, Body: data[1:]}, nil
	default:
		return nil, errors.Wrapf(ErrMalformed, "return: unknown discriminator %d", data[0])
	}
}

func readString(data []byte) (string, int, error) {
	if len(data) < 2 {
		return "", 0, ErrMalformed
	}
	strLen := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+strLen {
		return "", 0, ErrMalformed
	}
	return string(data[2 : 2+strLen]), 2 + strLen, nil
}
