package protocol

import (
	"encoding/binary"
	"io"
	"math/bits"

	"github.com/pkg/errors"
)

// Handshake messages are exchanged before frame mode begins. Each one is
// [4-byte length][1-byte kind][fields], strings as [2-byte length][bytes] and optional
// strings behind a presence byte.
const (
	kindSyn    byte = 0x10
	kindAck    byte = 0x11
	kindSynack byte = 0x12
	kindFin    byte = 0x13

	maxHandshakeSize = 1 << 20
)

// Protocol versions are announced as a bitset; Ack carries exactly one bit or none.
const (
	Version1 uint32 = 1 << 0
	Version2 uint32 = 1 << 1

	SupportedVersions = Version1 | Version2

	VersionNone    uint32 = 0
	SerializerNone uint32 = 0
)

// Reason explains why a handshake was not accepted.
type Reason byte

const (
	ReasonNone Reason = iota
	ReasonUnacceptableVersion
	ReasonUnacceptableSerializer
	ReasonBlocked
	ReasonAuthenticationFailed
	ReasonAuthenticationRequired
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonUnacceptableVersion:
		return "unacceptable version"
	case ReasonUnacceptableSerializer:
		return "unacceptable serializer"
	case ReasonBlocked:
		return "endpoint blocked"
	case ReasonAuthenticationFailed:
		return "authentication failed"
	case ReasonAuthenticationRequired:
		return "authentication required"
	default:
		return "unknown"
	}
}

// Syn opens the handshake (client → server).
type Syn struct {
	Versions    uint32   // Supported protocol versions
	Serializers uint32   // Supported serializers
	TypeModel   []string // Interfaces the client expects the server to resolve
	Challenge   *string  // Posed when the client wants the server to authenticate
}

// Ack answers a Syn (server → client).
type Ack struct {
	Version    uint32 // Chosen version or VersionNone
	Serializer uint32 // Chosen serializer or SerializerNone
	Reason     Reason
	Response   *string // Response to Syn.Challenge
	Challenge  *string // Posed when the server wants the client to authenticate
}

// Synack carries the client's response to Ack.Challenge (client → server).
type Synack struct {
	Response *string
}

// Fin is the server's final verdict (server → client).
type Fin struct {
	Accepted bool
	Reason   Reason
}

// HighestVersion returns the highest bit set in both bitsets, or VersionNone.
func HighestVersion(a, b uint32) uint32 {
	common := a & b
	if common == 0 {
		return VersionNone
	}
	return 1 << (31 - bits.LeadingZeros32(common))
}

func WriteSyn(w io.Writer, m *Syn) error {
	var e encoder
	e.putUint32(m.Versions)
	e.putUint32(m.Serializers)
	e.putUint16(uint16(len(m.TypeModel)))
	for _, name := range m.TypeModel {
		e.putString(name)
	}
	e.putOptString(m.Challenge)
	return e.flush(w, kindSyn)
}

func ReadSyn(r io.Reader) (*Syn, error) {
	d, err := readMessage(r, kindSyn)
	if err != nil {
		return nil, err
	}
	m := &Syn{}
	m.Versions = d.readUint32()
	m.Serializers = d.readUint32()
	n := int(d.readUint16())
	for i := 0; i < n && d.err == nil; i++ {
		m.TypeModel = append(m.TypeModel, d.readString())
	}
	m.Challenge = d.readOptString()
	return m, d.err
}

func WriteAck(w io.Writer, m *Ack) error {
	var e encoder
	e.putUint32(m.Version)
	e.putUint32(m.Serializer)
	e.buf = append(e.buf, byte(m.Reason))
	e.putOptString(m.Response)
	e.putOptString(m.Challenge)
	return e.flush(w, kindAck)
}

func ReadAck(r io.Reader) (*Ack, error) {
	d, err := readMessage(r, kindAck)
	if err != nil {
		return nil, err
	}
	m := &Ack{}
	m.Version = d.readUint32()
	m.Serializer = d.readUint32()
	m.Reason = Reason(d.readByte())
	m.Response = d.readOptString()
	m.Challenge = d.readOptString()
	return m, d.err
}

func WriteSynack(w io.Writer, m *Synack) error {
	var e encoder
	e.putOptString(m.Response)
	return e.flush(w, kindSynack)
}

func ReadSynack(r io.Reader) (*Synack, error) {
	d, err := readMessage(r, kindSynack)
	if err != nil {
		return nil, err
	}
	m := &Synack{Response: d.readOptString()}
	return m, d.err
}

func WriteFin(w io.Writer, m *Fin) error {
	var e encoder
	if m.Accepted {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
	e.buf = append(e.buf, byte(m.Reason))
	return e.flush(w, kindFin)
}

func ReadFin(r io.Reader) (*Fin, error) {
	d, err := readMessage(r, kindFin)
	if err != nil {
		return nil, err
	}
	m := &Fin{}
	m.Accepted = d.readByte() == 1
	m.Reason = Reason(d.readByte())
	return m, d.err
}

type encoder struct {
	buf []byte
}

func (e *encoder) putUint16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *encoder) putUint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) putString(s string) {
	e.putUint16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) putOptString(s *string) {
	if s == nil {
		e.buf = append(e.buf, 0)
		return
	}
	e.buf = append(e.buf, 1)
	e.putString(*s)
}

func (e *encoder) flush(w io.Writer, kind byte) error {
	out := make([]byte, 0, 5+len(e.buf))
	out = binary.BigEndian.AppendUint32(out, uint32(1+len(e.buf)))
	out = append(out, kind)
	out = append(out, e.buf...)
	_, err := w.Write(out)
	return err
}

// decoder reads fields sequentially and remembers the first error, so callers only
// check once at the end.
type decoder struct {
	buf []byte
	err error
}

func readMessage(r io.Reader, kind byte) (*decoder, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length < 1 || length > maxHandshakeSize {
		return nil, errors.Wrapf(ErrInvalidFrame, "handshake message length %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	if body[0] != kind {
		return nil, errors.Wrapf(ErrInvalidFrame, "expected handshake message %#x, got %#x", kind, body[0])
	}
	return &decoder{buf: body[1:]}, nil
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = errors.Wrap(ErrInvalidFrame, "truncated handshake message")
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) readByte() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) readUint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) readUint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) readString() string {
	n := int(d.readUint16())
	return string(d.take(n))
}

func (d *decoder) readOptString() *string {
	if d.readByte() == 0 {
		return nil
	}
	s := d.readString()
	if d.err != nil {
		return nil
	}
	return &s
}
