package rpcerr

import (
	"errors"
)

// Code identifies the kind of an error on the wire.
type Code byte

const (
	CodeApplication Code = iota
	CodeNotConnected
	CodeConnectionLost
	CodeNoSuchServant
	CodeTypeMismatch
	CodeArgument
	CodeUnserializable
	CodeGrainIDRangeExhausted
	CodeInvalidOperation
	CodeOperationCancelled
	CodeRateLimited
	CodeInvocationTimeout
)

var sentinels = map[Code]error{
	CodeNotConnected:          ErrNotConnected,
	CodeConnectionLost:        ErrConnectionLost,
	CodeGrainIDRangeExhausted: ErrGrainIDRangeExhausted,
	CodeInvalidOperation:      ErrInvalidOperation,
	CodeOperationCancelled:    ErrOperationCancelled,
	CodeRateLimited:           ErrRateLimited,
	CodeInvocationTimeout:     ErrInvocationTimeout,
}

// Sentinel returns the sentinel error for c, or nil when c has none.
func (c Code) Sentinel() error {
	return sentinels[c]
}

// CodeOf classifies err. Errors outside the taxonomy are CodeApplication.
func CodeOf(err error) Code {
	var (
		noServant *NoSuchServantError
		mismatch  *TypeMismatchError
		argument  *ArgumentError
		unser     *UnserializableError
		remote    *RemoteError
	)
	switch {
	case err == nil:
		return CodeApplication
	case errors.As(err, &noServant):
		return CodeNoSuchServant
	case errors.As(err, &mismatch):
		return CodeTypeMismatch
	case errors.As(err, &argument):
		return CodeArgument
	case errors.As(err, &unser):
		return CodeUnserializable
	case errors.As(err, &remote):
		return remote.Code
	}
	for code, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeApplication
}
