// Package anonymizer derives the digests that PrivacyChain registers on a ledger.
//
// Two modes are supported:
//   - Simple: A = H(D), the digest of the canonical content as supplied.
//   - Secure: A = H(D ⊕ s), where the salt s is embedded into the content as an
//     extra field before hashing (see EmbedSalt).
//
// Digests are lowercase hex strings. Every function is pure and deterministic
// for a given (content, salt, method) triple.
package anonymizer

import (
	"crypto/md5"  //nolint:gosec // MD5 is a supported legacy digest, not used for integrity
	"crypto/sha1" //nolint:gosec // SHA1 is a supported legacy digest, not used for integrity
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	// ErrAnonymization is returned when the content cannot be serialised for
	// hashing. Only content that is not valid UTF-8 is rejected.
	ErrAnonymization = errors.New("anonymization failed")

	// ErrUnsupportedHashMethod is returned for digest names outside HashMethods.
	ErrUnsupportedHashMethod = errors.New("unsupported hash method")
)

// HashMethod names a digest algorithm.
type HashMethod string

const (
	MD5    HashMethod = "MD5"
	SHA1   HashMethod = "SHA1"
	SHA256 HashMethod = "SHA256"
	SHA512 HashMethod = "SHA512"
)

// DefaultHashMethod is used when a caller does not name one.
const DefaultHashMethod = SHA256

// HashMethods lists every supported digest in declaration order.
var HashMethods = []HashMethod{MD5, SHA1, SHA256, SHA512}

// ParseHashMethod resolves a case-insensitive digest name. "SHA-256" and
// "sha256" are equivalent. An empty name resolves to DefaultHashMethod.
func ParseHashMethod(name string) (HashMethod, error) {
	n := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", ""))
	if n == "" {
		return DefaultHashMethod, nil
	}
	for _, m := range HashMethods {
		if string(m) == n {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedHashMethod, name)
}

// Valid reports whether m is one of HashMethods.
func (m HashMethod) Valid() bool {
	_, err := m.newHash()
	return err == nil
}

func (m HashMethod) newHash() (hash.Hash, error) {
	switch m {
	case MD5:
		return md5.New(), nil //nolint:gosec
	case SHA1:
		return sha1.New(), nil //nolint:gosec
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedHashMethod, string(m))
	}
}

// NewSalt returns a random v4 UUID string.
func NewSalt() string {
	return uuid.NewString()
}

// Simple computes A = H(content).
func Simple(content string, method HashMethod) (string, error) {
	if err := checkContent(content); err != nil {
		return "", err
	}
	return digest(content, method)
}

// Secure computes the salted digest of content. When salt is empty a fresh
// salt is generated; the salt actually used is always returned so callers can
// persist it for later verification.
func Secure(content, salt string, method HashMethod) (anonymized, usedSalt string, err error) {
	if err := checkContent(content); err != nil {
		return "", "", err
	}
	if !method.Valid() {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedHashMethod, string(method))
	}
	if salt == "" {
		salt = NewSalt()
	}
	salted, err := EmbedSalt(content, salt)
	if err != nil {
		return "", "", err
	}
	anonymized, err = digest(salted, method)
	if err != nil {
		return "", "", err
	}
	return anonymized, salt, nil
}

// Verify recomputes the salted digest of content and compares it with claimed.
// An empty salt is hashed as-is rather than replaced by a generated one, so a
// missing salt never verifies against a salted registration.
func Verify(content, salt, claimed string, method HashMethod) (bool, error) {
	if err := checkContent(content); err != nil {
		return false, err
	}
	salted, err := EmbedSalt(content, salt)
	if err != nil {
		return false, err
	}
	computed, err := digest(salted, method)
	if err != nil {
		return false, err
	}
	want := strings.ToLower(strings.TrimSpace(claimed))
	return subtle.ConstantTimeCompare([]byte(computed), []byte(want)) == 1, nil
}

func digest(s string, method HashMethod) (string, error) {
	h, err := method.newHash()
	if err != nil {
		return "", err
	}
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// checkContent accepts any text, empty included.
func checkContent(content string) error {
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: content is not valid UTF-8", ErrAnonymization)
	}
	return nil
}
