package auth

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	stateBindingAudience   = "ribbit-pkce"
	defaultStateBindingTTL = 10 * time.Minute
)

// StateClaims carries enough of a pending authorization to finish it without server state.
type StateClaims struct {
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
	SubjectKey   string `json:"subject_key"`
	jwt.RegisteredClaims
}

// StateBinderConfig configures the PKCE state binding codec.
type StateBinderConfig struct {
	SigningSecret []byte
	TTL           time.Duration
	Clock         func() time.Time
}

// StateBinder signs PKCE state, verifier and subject into a short-lived cookie value.
type StateBinder struct {
	signer signer
}

// NewStateBinder constructs a StateBinder.
func NewStateBinder(cfg StateBinderConfig) (*StateBinder, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultStateBindingTTL
	}
	s, err := newSigner(cfg.SigningSecret, stateBindingAudience, ttl, cfg.Clock)
	if err != nil {
		return nil, err
	}
	return &StateBinder{signer: s}, nil
}

// Issue signs the binding and returns it with its expiry.
func (b *StateBinder) Issue(state, codeVerifier, subjectKey string) (string, time.Time, error) {
	if strings.TrimSpace(state) == "" || strings.TrimSpace(codeVerifier) == "" || strings.TrimSpace(subjectKey) == "" {
		return "", time.Time{}, ErrMissingBindingClaim
	}
	registered, expiresAt := b.signer.registered(subjectKey, 0)
	token, err := b.signer.sign(StateClaims{
		State:            state,
		CodeVerifier:     codeVerifier,
		SubjectKey:       subjectKey,
		RegisteredClaims: registered,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Validate verifies the binding and requires it to carry expectedState.
func (b *StateBinder) Validate(tokenString, expectedState string) (StateClaims, error) {
	claims := &StateClaims{}
	if err := b.signer.parse(tokenString, claims); err != nil {
		return StateClaims{}, err
	}
	if claims.State == "" || claims.CodeVerifier == "" || claims.SubjectKey == "" {
		return StateClaims{}, ErrMissingBindingClaim
	}
	if subtle.ConstantTimeCompare([]byte(claims.State), []byte(expectedState)) != 1 {
		return StateClaims{}, ErrBindingStateMismatch
	}
	return *claims, nil
}
