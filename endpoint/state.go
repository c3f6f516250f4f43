package endpoint

import (
	"errors"
	"io"
	"net"
	"syscall"

	"grain-rpc/protocol"
)

// State is where an endpoint is in the life of its single connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// DisconnectReason says why the last connection ended.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	RequestedByEndPoint
	RequestedByRemoteEndPoint
	ReadFailure
	WriteFailure
	RpcDuplicateRequest
	RpcInvalidResponse
	UnhandledException
	HeartbeatFailure
	ConnectionReset
	ConnectionAborted
	ConnectionTimedOut
	Unknown
)

var reasonText = map[DisconnectReason]string{
	ReasonNone:                "not disconnected",
	RequestedByEndPoint:       "the connection was closed by this endpoint",
	RequestedByRemoteEndPoint: "the connection was closed by the remote endpoint",
	ReadFailure:               "reading from the socket failed",
	WriteFailure:              "writing to the socket failed",
	RpcDuplicateRequest:       "the remote endpoint reused the id of a call still in progress",
	RpcInvalidResponse:        "the remote endpoint sent a malformed response",
	UnhandledException:        "the remote endpoint sent a message that could not be handled",
	HeartbeatFailure:          "the remote endpoint stopped answering heartbeats",
	ConnectionReset:           "the connection was reset by the remote endpoint",
	ConnectionAborted:         "the connection was aborted",
	ConnectionTimedOut:        "the connection timed out",
	Unknown:                   "the connection was lost for an unknown reason",
}

func (r DisconnectReason) String() string {
	if s, ok := reasonText[r]; ok {
		return s
	}
	return reasonText[Unknown]
}

// IsFailure is false only for disconnects one of the two sides asked for.
func (r DisconnectReason) IsFailure() bool {
	return r != ReasonNone && r != RequestedByEndPoint && r != RequestedByRemoteEndPoint
}

// readFailureReason classifies an error returned while reading a frame.
func readFailureReason(err error) DisconnectReason {
	if errors.Is(err, protocol.ErrInvalidFrame) {
		return UnhandledException
	}
	if r, ok := socketFailureReason(err); ok {
		return r
	}
	return ReadFailure
}

func writeFailureReason(err error) DisconnectReason {
	if r, ok := socketFailureReason(err); ok {
		return r
	}
	return WriteFailure
}

func socketFailureReason(err error) (DisconnectReason, bool) {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ConnectionReset, true
	case errors.Is(err, syscall.ECONNABORTED):
		return ConnectionAborted, true
	case errors.As(err, &netErr) && netErr.Timeout():
		return ConnectionTimedOut, true
	}
	return 0, false
}
