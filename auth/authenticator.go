// Package auth authenticates the two sides of a grain connection during the handshake.
//
// Authentication is challenge/response: one side poses a random challenge, the other
// answers with a response only a holder of the shared secret can compute, and the first side
// checks it. Each direction is configured independently.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Authenticator poses and answers challenges.
type Authenticator interface {
	// CreateChallenge returns a fresh challenge to send to the peer.
	CreateChallenge() (string, error)
	// CreateResponse answers a challenge posed by the peer.
	CreateResponse(challenge string) (string, error)
	// Authenticate reports whether response is the right answer to challenge.
	Authenticate(challenge, response string) bool
}

// HMACAuthenticator proves possession of a pre-shared key: the response to a challenge is the
// hex encoded HMAC-SHA256 of the challenge under the key.
type HMACAuthenticator struct {
	secrets SecretSource
}

func NewHMACAuthenticator(secrets SecretSource) *HMACAuthenticator {
	return &HMACAuthenticator{secrets: secrets}
}

func (a *HMACAuthenticator) CreateChallenge() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", errors.Wrap(err, "create challenge")
	}
	return id.String(), nil
}

func (a *HMACAuthenticator) CreateResponse(challenge string) (string, error) {
	secret, err := a.secrets.Secret()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sign(secret, challenge)), nil
}

func (a *HMACAuthenticator) Authenticate(challenge, response string) bool {
	secret, err := a.secrets.Secret()
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(response)
	if err != nil {
		return false
	}
	return hmac.Equal(got, sign(secret, challenge))
}

func sign(secret []byte, challenge string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(challenge))
	return mac.Sum(nil)
}
