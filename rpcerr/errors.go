// Package rpcerr defines the error taxonomy shared by both sides of a grain connection.
//
// Sentinel errors describe conditions (not connected, connection lost, ...) and are matched
// with errors.Is. Typed errors carry the identity of the grain or method involved and are
// matched with errors.As. Every error maps to a Code so that the receiving side of a Return
// frame can rebuild the same kind of error the servant produced.
package rpcerr

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotConnected           = errors.New("not connected to a remote endpoint")
	ErrConnectionLost         = errors.New("connection to the remote endpoint was lost")
	ErrNoSuchEndpoint         = errors.New("no such endpoint")
	ErrHandshake              = errors.New("handshake failed")
	ErrAuthentication         = errors.New("authentication failed")
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrGrainIDRangeExhausted  = errors.New("grain id range exhausted")
	ErrInvalidOperation       = errors.New("invalid operation")
	ErrOperationCancelled     = errors.New("operation cancelled")
	ErrRateLimited            = errors.New("rate limit exceeded")
	ErrInvocationTimeout      = errors.New("request timed out")
)

// NoSuchServantError is returned when a call targets an id with no servant on the remote side.
type NoSuchServantError struct {
	ObjectID  uint64
	Interface string
	Method    string
}

func (e *NoSuchServantError) Error() string {
	return fmt.Sprintf("no servant with id %d exists (%s.%s)", e.ObjectID, e.Interface, e.Method)
}

// TypeMismatchError is returned when the servant behind an id implements a different
// interface than the one the proxy was created for.
type TypeMismatchError struct {
	ObjectID uint64
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("servant %d implements %s, not %s", e.ObjectID, e.Actual, e.Expected)
}

// ArgumentError reports a call that does not fit the interface contract.
type ArgumentError struct {
	Interface string
	Method    string
	Reason    string
}

func (e *ArgumentError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("%s: %s", e.Interface, e.Reason)
	}
	return fmt.Sprintf("%s.%s: %s", e.Interface, e.Method, e.Reason)
}

// UnknownMethod builds the ArgumentError for a method name the interface does not declare.
func UnknownMethod(iface, method string) *ArgumentError {
	return &ArgumentError{Interface: iface, Method: method, Reason: "no such method"}
}

// UnserializableError stands in for a remote error that could not be rebuilt locally.
type UnserializableError struct {
	TypeName string
	Message  string
}

func (e *UnserializableError) Error() string {
	return fmt.Sprintf("unserializable remote error of type %s: %s", e.TypeName, e.Message)
}

// HandshakeError is a failed connection attempt. It matches ErrHandshake and unwraps to the
// underlying cause (ErrAuthentication, ErrAuthenticationRequired, ErrNoSuchEndpoint or nil).
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("handshake failed: %s", e.Reason)
	}
	return fmt.Sprintf("handshake failed: %s: %v", e.Reason, e.Err)
}

func (e *HandshakeError) Is(target error) bool {
	return target == ErrHandshake
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// RemoteError is a sentinel condition raised on the other side of the connection.
type RemoteError struct {
	Code    Code
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Code.Sentinel()
}
