package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		RpcID:   12345,
		MsgType: MsgTypeCall,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// length prefix counts rpcID + type + body
	if got := binary.BigEndian.Uint32(buf.Bytes()[0:4]); got != uint32(HeaderSize+len(body)) {
		t.Fatalf("expect length %d, got %d", HeaderSize+len(body), got)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.RpcID != header.RpcID {
		t.Errorf("RpcID mismatch: got %d, want %d", decodedHeader.RpcID, header.RpcID)
	}
	if decodedHeader.MsgType != header.MsgType {
		t.Errorf("MsgType mismatch: got %v, want %v", decodedHeader.MsgType, header.MsgType)
	}
	if decodedHeader.BodyLen != uint32(len(body)) {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, len(body))
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", decodedBody, body)
	}
}

func TestDecodeMultipleFrames(t *testing.T) {
	// 连续写入多个帧，验证不会粘包
	var buf bytes.Buffer
	for i := int64(1); i <= 3; i++ {
		if err := Encode(&buf, &Header{RpcID: i, MsgType: MsgTypeReturn}, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := Encode(&buf, &Header{RpcID: 0, MsgType: MsgTypeGoodbye}, nil); err != nil {
		t.Fatal(err)
	}

	for i := int64(1); i <= 3; i++ {
		h, body, err := Decode(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if h.RpcID != i || len(body) != 1 || body[0] != byte(i) {
			t.Fatalf("frame %d decoded as rpcID=%d body=%v", i, h.RpcID, body)
		}
	}

	h, body, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if h.MsgType != MsgTypeGoodbye || len(body) != 0 {
		t.Fatalf("expect empty goodbye frame, got %v with %d bytes", h.MsgType, len(body))
	}

	if _, _, err := Decode(&buf); err != io.EOF {
		t.Fatalf("expect io.EOF on empty stream, got %v", err)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	frame := Marshal(&Header{RpcID: 1, MsgType: MsgTypeCall}, nil)
	frame[12] = 9

	_, _, err := Decode(bytes.NewReader(frame))
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expect ErrInvalidFrame, got %v", err)
	}
}

func TestDecodeRejectsBadLength(t *testing.T) {
	cases := []uint32{0, 3, MaxFrameSize + 1}
	for _, length := range cases {
		frame := make([]byte, 4)
		binary.BigEndian.PutUint32(frame, length)
		_, _, err := Decode(bytes.NewReader(frame))
		if !errors.Is(err, ErrInvalidFrame) {
			t.Errorf("length %d: expect ErrInvalidFrame, got %v", length, err)
		}
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	frame := Marshal(&Header{RpcID: 1, MsgType: MsgTypeCall}, []byte("payload"))
	_, _, err := Decode(bytes.NewReader(frame[:len(frame)-2]))
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("expect io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestAppendFrameReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, 64)
	frame := AppendFrame(buf, &Header{RpcID: 9, MsgType: MsgTypeGoodbye}, nil)
	if len(frame) != LengthSize+HeaderSize {
		t.Fatalf("expect %d bytes, got %d", LengthSize+HeaderSize, len(frame))
	}
	if &frame[0] != &buf[:1][0] {
		t.Error("expect the frame to be built in the given buffer")
	}

	h, body, err := Decode(bytes.NewReader(frame))
	if err != nil {
		t.Fatal(err)
	}
	if h.RpcID != 9 || h.MsgType != MsgTypeGoodbye || len(body) != 0 {
		t.Errorf("unexpected frame %+v %v", h, body)
	}
}
