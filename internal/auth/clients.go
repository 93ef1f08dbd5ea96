package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidClient is returned when a client id is unknown or its secret
// does not match.
var ErrInvalidClient = errors.New("invalid client credentials")

// dummyHash is compared against when the client id is unknown so that unknown
// and known ids take the same time to reject.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("privacychain-unknown-client"), bcrypt.MinCost)

// ClientRegistry holds the bcrypt secret hashes of the clients allowed to
// request tokens.
type ClientRegistry struct {
	hashes map[string][]byte
}

// NewClientRegistry builds a registry from client id -> bcrypt hash.
func NewClientRegistry(hashes map[string]string) (*ClientRegistry, error) {
	r := &ClientRegistry{hashes: make(map[string][]byte, len(hashes))}
	for id, h := range hashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("client %q: invalid bcrypt hash: %w", id, err)
		}
		r.hashes[id] = []byte(h)
	}
	return r, nil
}

// Authenticate checks secret against the stored hash for clientID.
func (r *ClientRegistry) Authenticate(clientID, secret string) error {
	h, ok := r.hashes[clientID]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return ErrInvalidClient
	}
	if err := bcrypt.CompareHashAndPassword(h, []byte(secret)); err != nil {
		return ErrInvalidClient
	}
	return nil
}

// Len returns the number of registered clients.
func (r *ClientRegistry) Len() int { return len(r.hashes) }

// HashSecret returns the bcrypt hash to put in a client registry for secret.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret must not be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(h), nil
}
