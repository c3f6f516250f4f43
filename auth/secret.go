package auth

import (
	"github.com/pkg/errors"
)

// ErrNoSecret is returned by a SecretSource that has no key to offer.
var ErrNoSecret = errors.New("no shared secret available")

// SecretSource provides the current pre-shared key. Implementations may rotate the key at any
// time; authenticators ask for it on every use.
type SecretSource interface {
	Secret() ([]byte, error)
}

// StaticSecret is a key fixed at startup, typically read from the configuration file.
type StaticSecret []byte

func (s StaticSecret) Secret() ([]byte, error) {
	if len(s) == 0 {
		return nil, errors.WithStack(ErrNoSecret)
	}
	return s, nil
}
