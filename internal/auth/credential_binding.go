package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	credentialBindingAudience = "ribbit-credential"
	defaultCredentialTTL      = 7 * 24 * time.Hour
	// DefaultCredentialCookie is the cookie carrying the signed credential fallback.
	DefaultCredentialCookie = "xtok"
)

// CredentialClaims mirrors a stored platform credential inside a signed cookie.
type CredentialClaims struct {
	SubjectKey       string `json:"subject_key"`
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	TokenExpiresAtMs int64  `json:"token_expires_at_ms,omitempty"`
	jwt.RegisteredClaims
}

// CredentialBinderConfig describes how credential cookies are signed and read.
type CredentialBinderConfig struct {
	SigningSecret []byte
	CookieName    string
	TTL           time.Duration
	Clock         func() time.Time
}

// CredentialBinder issues and validates the signed credential cookie.
type CredentialBinder struct {
	signer     signer
	cookieName string
}

// NewCredentialBinder constructs a binder with the provided configuration.
func NewCredentialBinder(cfg CredentialBinderConfig) (*CredentialBinder, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultCredentialTTL
	}
	s, err := newSigner(cfg.SigningSecret, credentialBindingAudience, ttl, cfg.Clock)
	if err != nil {
		return nil, err
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = DefaultCredentialCookie
	}
	return &CredentialBinder{signer: s, cookieName: cookieName}, nil
}

// CookieName returns the cookie name configured for credential lookups.
func (b *CredentialBinder) CookieName() string {
	return b.cookieName
}

// TTL reports how long an issued cookie stays valid.
func (b *CredentialBinder) TTL() time.Duration {
	return b.signer.ttl
}

// Issue signs the credential for subjectKey.
func (b *CredentialBinder) Issue(claims CredentialClaims) (string, error) {
	if strings.TrimSpace(claims.SubjectKey) == "" || strings.TrimSpace(claims.AccessToken) == "" {
		return "", ErrMissingBindingClaim
	}
	claims.RegisteredClaims, _ = b.signer.registered(claims.SubjectKey, 0)
	return b.signer.sign(claims)
}

// ValidateToken validates the supplied token string and returns the parsed claims.
func (b *CredentialBinder) ValidateToken(tokenString string) (CredentialClaims, error) {
	claims := &CredentialClaims{}
	if err := b.signer.parse(tokenString, claims); err != nil {
		return CredentialClaims{}, err
	}
	if strings.TrimSpace(claims.SubjectKey) == "" || strings.TrimSpace(claims.AccessToken) == "" {
		return CredentialClaims{}, ErrMissingBindingClaim
	}
	return *claims, nil
}

// ValidateRequest extracts the configured cookie from the request and validates it.
func (b *CredentialBinder) ValidateRequest(r *http.Request) (CredentialClaims, error) {
	if r == nil {
		return CredentialClaims{}, ErrMissingBinding
	}
	cookie, err := r.Cookie(b.cookieName)
	if err != nil || cookie == nil {
		return CredentialClaims{}, ErrMissingBinding
	}
	return b.ValidateToken(cookie.Value)
}
