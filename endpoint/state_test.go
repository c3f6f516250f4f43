package endpoint

import (
	"io"
	"os"
	"syscall"
	"testing"

	"grain-rpc/protocol"

	"github.com/pkg/errors"
)

func TestFailureReasons(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		read  DisconnectReason
		write DisconnectReason
	}{
		{"eof", io.EOF, ConnectionReset, ConnectionReset},
		{"short frame", errors.Wrap(io.ErrUnexpectedEOF, "read header"), ConnectionReset, ConnectionReset},
		{"reset", &os.SyscallError{Syscall: "read", Err: syscall.ECONNRESET}, ConnectionReset, ConnectionReset},
		{"aborted", &os.SyscallError{Syscall: "write", Err: syscall.ECONNABORTED}, ConnectionAborted, ConnectionAborted},
		{"timeout", os.ErrDeadlineExceeded, ConnectionTimedOut, ConnectionTimedOut},
		{"garbage", errors.Wrap(protocol.ErrInvalidFrame, "frame too large"), UnhandledException, WriteFailure},
		{"other", errors.New("boom"), ReadFailure, WriteFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := readFailureReason(tc.err); got != tc.read {
				t.Errorf("read: got %v, want %v", got, tc.read)
			}
			if got := writeFailureReason(tc.err); got != tc.write {
				t.Errorf("write: got %v, want %v", got, tc.write)
			}
		})
	}
}

func TestIsFailure(t *testing.T) {
	for _, r := range []DisconnectReason{ReasonNone, RequestedByEndPoint, RequestedByRemoteEndPoint} {
		if r.IsFailure() {
			t.Errorf("%v should not be a failure", r)
		}
	}
	for _, r := range []DisconnectReason{ReadFailure, HeartbeatFailure, ConnectionReset, RpcDuplicateRequest} {
		if !r.IsFailure() {
			t.Errorf("%v should be a failure", r)
		}
	}
	if DisconnectReason(99).String() != Unknown.String() {
		t.Error("out of range reasons read as unknown")
	}
}
