// Package protocol implements the length-prefixed frame format spoken between two endpoints
// once the handshake is complete.
//
// Every logical message travels as one frame. The length prefix counts everything after
// itself, so the receiver reads 4 bytes, then exactly that many more.
//
// Frame format:
//
//	0         4                 12   13
//	┌─────────┬─────────────────┬────┬───────────────┐
//	│ length  │      rpcID      │ mt │  payload ...  │
//	│ uint32  │      int64      │    │               │
//	└─────────┴─────────────────┴────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	LengthSize   = 4
	HeaderSize   = 9 // 8 (rpcID) + 1 (msgType), counted by the length prefix
	MaxFrameSize = 16 << 20
	MaxBodySize  = MaxFrameSize - HeaderSize // Largest payload a peer accepts
)

// MsgType distinguishes call, return and goodbye frames.
type MsgType byte

const (
	MsgTypeCall    MsgType = 0 // Invoke a method on a remote grain
	MsgTypeReturn  MsgType = 1 // Result or fault of a previous call, same rpcID
	MsgTypeGoodbye MsgType = 2 // Orderly disconnect announced by the peer (no payload)
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeCall:
		return "Call"
	case MsgTypeReturn:
		return "Return"
	case MsgTypeGoodbye:
		return "Goodbye"
	default:
		return "Unknown"
	}
}

// ErrInvalidFrame is returned by Decode when the bytes on the stream are not a frame
// this protocol understands. The connection cannot be recovered after it.
var ErrInvalidFrame = errors.New("invalid frame")

// Header is the fixed part of a frame.
type Header struct {
	RpcID   int64   // Correlation id: a Return carries the rpcID of its Call
	MsgType MsgType // Call, Return or Goodbye
	BodyLen uint32  // Payload length in bytes
}

// Marshal builds the complete frame (length + header + body) in a single buffer so that it
// can be written with one call.
func Marshal(h *Header, body []byte) []byte {
	return AppendFrame(nil, h, body)
}

// AppendFrame appends the complete frame to dst, reusing its capacity.
func AppendFrame(dst []byte, h *Header, body []byte) []byte {
	var hdr [LengthSize + HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(HeaderSize+len(body)))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(h.RpcID))
	hdr[12] = byte(h.MsgType)
	dst = append(dst, hdr[:]...)
	return append(dst, body...)
}

// Encode writes a complete frame to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different calls will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	_, err := w.Write(Marshal(h, body))
	return err
}

// Decode reads a complete frame from r.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	// Step 1: Read the length prefix
	lenBuf := make([]byte, LengthSize)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)

	// Step 2: Reject frames that cannot hold a header or that exceed the limit
	if length < uint32(HeaderSize) || length > MaxFrameSize {
		return nil, nil, errors.Wrapf(ErrInvalidFrame, "frame length %d", length)
	}

	// Step 3: Read header and payload in one go
	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, nil, err
	}

	// Step 4: Validate message type
	msgType := MsgType(frame[8])
	if msgType != MsgTypeCall && msgType != MsgTypeReturn && msgType != MsgTypeGoodbye {
		return nil, nil, errors.Wrapf(ErrInvalidFrame, "unsupported message type: %d", frame[8])
	}

	return &Header{
		RpcID:   int64(binary.BigEndian.Uint64(frame[0:8])),
		MsgType: msgType,
		BodyLen: length - uint32(HeaderSize),
	}, frame[HeaderSize:], nil
}
