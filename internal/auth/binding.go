package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningSecret = errors.New("binding: signing secret required")
	ErrMissingBinding       = errors.New("binding: token required")
	ErrInvalidBinding       = errors.New("binding: invalid token")
	ErrExpiredBinding       = errors.New("binding: token expired")
	ErrBindingStateMismatch = errors.New("binding: state mismatch")
	ErrMissingBindingClaim  = errors.New("binding: required claim missing")
)

const bindingIssuer = "ribbit-api"

// signer holds the HS256 material shared by every client-carried binding.
type signer struct {
	secret   []byte
	audience string
	ttl      time.Duration
	clock    func() time.Time
}

func newSigner(secret []byte, audience string, ttl time.Duration, clock func() time.Time) (signer, error) {
	if len(secret) == 0 {
		return signer{}, ErrMissingSigningSecret
	}
	if clock == nil {
		clock = time.Now
	}
	return signer{
		secret:   append([]byte(nil), secret...),
		audience: audience,
		ttl:      ttl,
		clock:    clock,
	}, nil
}

func (s signer) registered(subject string, ttl time.Duration) (jwt.RegisteredClaims, time.Time) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.clock().UTC()
	expiresAt := now.Add(ttl)
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    bindingIssuer,
		Audience:  []string{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}, expiresAt
}

func (s signer) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s signer) parse(tokenString string, claims jwt.Claims) error {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return ErrMissingBinding
	}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidBinding, t.Method.Alg())
			}
			return s.secret, nil
		},
		jwt.WithAudience(s.audience),
		jwt.WithIssuer(bindingIssuer),
		jwt.WithTimeFunc(s.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredBinding
		}
		return fmt.Errorf("%w: %v", ErrInvalidBinding, err)
	}
	if parsed == nil || !parsed.Valid {
		return ErrInvalidBinding
	}
	return nil
}
