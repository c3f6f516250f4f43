package auth

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestHMACRoundTrip(t *testing.T) {
	a := NewHMACAuthenticator(StaticSecret("s3cret"))
	b := NewHMACAuthenticator(StaticSecret("s3cret"))

	challenge, err := a.CreateChallenge()
	if err != nil {
		t.Fatal(err)
	}
	response, err := b.CreateResponse(challenge)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Authenticate(challenge, response) {
		t.Fatal("expect a response made with the same key to authenticate")
	}
}

func TestHMACRejects(t *testing.T) {
	a := NewHMACAuthenticator(StaticSecret("s3cret"))
	other := NewHMACAuthenticator(StaticSecret("guess"))

	challenge, _ := a.CreateChallenge()
	wrong, _ := other.CreateResponse(challenge)

	cases := []struct {
		name     string
		response string
	}{
		{"wrong key", wrong},
		{"empty", ""},
		{"not hex", "zz"},
	}
	for _, tc := range cases {
		if a.Authenticate(challenge, tc.response) {
			t.Errorf("%s: expect rejection", tc.name)
		}
	}

	// 响应只对自己的挑战有效
	another, _ := a.CreateChallenge()
	right, _ := a.CreateResponse(challenge)
	if a.Authenticate(another, right) {
		t.Error("expect a response to be bound to its challenge")
	}
}

func TestChallengesAreUnique(t *testing.T) {
	a := NewHMACAuthenticator(StaticSecret("s3cret"))
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		c, err := a.CreateChallenge()
		if err != nil {
			t.Fatal(err)
		}
		if seen[c] {
			t.Fatalf("challenge %s issued twice", c)
		}
		seen[c] = true
	}
}

func TestStaticSecretEmpty(t *testing.T) {
	if _, err := StaticSecret(nil).Secret(); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expect ErrNoSecret, got %v", err)
	}
	a := NewHMACAuthenticator(StaticSecret(nil))
	if _, err := a.CreateResponse("x"); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expect ErrNoSecret, got %v", err)
	}
	if a.Authenticate("x", "") {
		t.Fatal("expect no authentication without a key")
	}
}

// Needs a running etcd; set ETCD_ENDPOINTS (e.g. localhost:2379) to run it.
func TestEtcdSecretRotation(t *testing.T) {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	logger := logrus.New()
	logger.Out = io.Discard

	key := "/grain-rpc/test/secret-" + time.Now().Format("150405.000000")
	src, err := NewEtcdSecretSource(strings.Split(endpoints, ","), key, logrus.NewEntry(logger))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if _, err := src.Secret(); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expect ErrNoSecret for a missing key, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := src.Store(ctx, []byte("first")); err != nil {
		t.Fatal(err)
	}
	waitForSecret(t, src, "first")

	if err := src.Store(ctx, []byte("second")); err != nil {
		t.Fatal(err)
	}
	waitForSecret(t, src, "second")

	a := NewHMACAuthenticator(src)
	b := NewHMACAuthenticator(StaticSecret("second"))
	challenge, _ := a.CreateChallenge()
	response, _ := b.CreateResponse(challenge)
	if !a.Authenticate(challenge, response) {
		t.Fatal("expect the rotated key to be used")
	}

	src.client.Delete(ctx, key)
}

func waitForSecret(t *testing.T, src SecretSource, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got, err := src.Secret(); err == nil && string(got) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("secret never became %q", want)
}
