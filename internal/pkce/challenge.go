package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

const (
	randomBytes = 32
	// ChallengeMethod is the only code challenge method issued.
	ChallengeMethod = "S256"
)

var rawURLEncoding = base64.URLEncoding.WithPadding(base64.NoPadding)

// GenerateState returns 32 random bytes encoded as unpadded base64url.
func GenerateState() (string, error) {
	return randomToken()
}

// GenerateCodeVerifier returns a 43-character verifier built from 32 random bytes.
func GenerateCodeVerifier() (string, error) {
	return randomToken()
}

// CodeChallenge derives the S256 challenge for verifier.
func CodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return rawURLEncoding.EncodeToString(sum[:])
}

func randomToken() (string, error) {
	b := make([]byte, randomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return rawURLEncoding.EncodeToString(b), nil
}
