package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrSecretNotConfigured = errors.New("shared secret: not configured")
	ErrSecretMismatch      = errors.New("shared secret: mismatch")
)

// SharedSecret gates operator endpoints such as the scan trigger.
type SharedSecret struct {
	digest     [sha256.Size]byte
	configured bool
}

// NewSharedSecret wraps value; an empty value rejects every presented secret.
func NewSharedSecret(value string) SharedSecret {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return SharedSecret{}
	}
	return SharedSecret{digest: sha256.Sum256([]byte(trimmed)), configured: true}
}

// Check compares presented against the configured secret in constant time.
func (s SharedSecret) Check(presented string) error {
	if !s.configured {
		return ErrSecretNotConfigured
	}
	candidate := sha256.Sum256([]byte(strings.TrimSpace(presented)))
	if subtle.ConstantTimeCompare(candidate[:], s.digest[:]) != 1 {
		return ErrSecretMismatch
	}
	return nil
}
