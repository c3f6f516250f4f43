package rpcerr

import (
	"errors"
	"testing"

	pkgerrors "github.com/pkg/errors"
)

func TestCodeOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"wrapped sentinel", pkgerrors.Wrap(ErrConnectionLost, "call Add"), CodeConnectionLost},
		{"not connected", ErrNotConnected, CodeNotConnected},
		{"no servant", &NoSuchServantError{ObjectID: 7}, CodeNoSuchServant},
		{"mismatch", pkgerrors.WithStack(&TypeMismatchError{ObjectID: 7}), CodeTypeMismatch},
		{"argument", UnknownMethod("Calculator", "Mul"), CodeArgument},
		{"remote", &RemoteError{Code: CodeRateLimited, Message: "rate limit exceeded"}, CodeRateLimited},
		{"application", errors.New("boom"), CodeApplication},
	}

	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Errorf("%s: expect code %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestHandshakeErrorMatchesBoth(t *testing.T) {
	err := pkgerrors.WithStack(&HandshakeError{Reason: "bad response", Err: ErrAuthentication})

	if !errors.Is(err, ErrHandshake) {
		t.Fatal("expect handshake error to match ErrHandshake")
	}
	if !errors.Is(err, ErrAuthentication) {
		t.Fatal("expect handshake error to unwrap to ErrAuthentication")
	}
	if errors.Is(err, ErrAuthenticationRequired) {
		t.Fatal("unexpected match on ErrAuthenticationRequired")
	}
}

func TestRemoteErrorUnwrapsToSentinel(t *testing.T) {
	err := &RemoteError{Code: CodeInvocationTimeout, Message: "request timed out"}
	if !errors.Is(err, ErrInvocationTimeout) {
		t.Fatal("expect remote timeout to match ErrInvocationTimeout")
	}
	if err.Error() != "request timed out" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
