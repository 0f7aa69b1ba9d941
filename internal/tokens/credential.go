package tokens

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrMissing indicates that no tier or fallback holds a credential for the subject.
var ErrMissing = errors.New("tokens: credential missing")

// Credential is the stored X OAuth credential of one subject.
type Credential struct {
	SubjectKey   string `gorm:"column:subject_key;primaryKey;size:190"`
	AccessToken  string `gorm:"column:access_token;type:text;not null"`
	RefreshToken string `gorm:"column:refresh_token;type:text"`
	ExpiresAtMs  int64  `gorm:"column:expires_at_ms;not null;default:0"`
	UpdatedAtMs  int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName exposes the table backing credentials.
func (Credential) TableName() string {
	return "x_credentials"
}

// ExpiresAt returns the access token expiry, zero when unknown.
func (c Credential) ExpiresAt() time.Time {
	if c.ExpiresAtMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.ExpiresAtMs).UTC()
}

func (c Credential) dueForRefresh(now time.Time, skew time.Duration) bool {
	if c.RefreshToken == "" || c.ExpiresAtMs <= 0 {
		return false
	}
	return now.Add(skew).UnixMilli() >= c.ExpiresAtMs
}

// Tier is one storage level consulted by the Manager, fastest first.
type Tier interface {
	Name() string
	// Load returns ErrMissing when the subject is unknown to the tier.
	Load(ctx context.Context, subjectKey string) (Credential, error)
	Save(ctx context.Context, credential Credential) error
}

// Source is a read-only fallback consulted after every tier missed.
type Source interface {
	Load(ctx context.Context, subjectKey string) (Credential, error)
}

// MemoryTier caches credentials in process memory.
type MemoryTier struct {
	mu      sync.RWMutex
	entries map[string]Credential
}

// NewMemoryTier constructs an empty MemoryTier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{entries: make(map[string]Credential)}
}

func (m *MemoryTier) Name() string { return "memory" }

func (m *MemoryTier) Load(_ context.Context, subjectKey string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	credential, ok := m.entries[subjectKey]
	if !ok {
		return Credential{}, ErrMissing
	}
	return credential, nil
}

func (m *MemoryTier) Save(_ context.Context, credential Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[credential.SubjectKey] = credential
	return nil
}

// GormTier persists credentials in the x_credentials table.
type GormTier struct {
	db *gorm.DB
}

// NewGormTier constructs a database-backed tier.
func NewGormTier(db *gorm.DB) *GormTier {
	return &GormTier{db: db}
}

func (g *GormTier) Name() string { return "database" }

func (g *GormTier) Load(ctx context.Context, subjectKey string) (Credential, error) {
	var credential Credential
	err := g.db.WithContext(ctx).Where("subject_key = ?", subjectKey).Take(&credential).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Credential{}, ErrMissing
	}
	if err != nil {
		return Credential{}, err
	}
	return credential, nil
}

func (g *GormTier) Save(ctx context.Context, credential Credential) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "expires_at_ms", "updated_at_ms"}),
	}).Create(&credential).Error
}

// CookieSource reads the signed credential cookie of one request.
type CookieSource struct {
	binder  *auth.CredentialBinder
	request *http.Request
}

// NewCookieSource constructs a fallback bound to request.
func NewCookieSource(binder *auth.CredentialBinder, request *http.Request) *CookieSource {
	return &CookieSource{binder: binder, request: request}
}

func (s *CookieSource) Load(_ context.Context, subjectKey string) (Credential, error) {
	if s == nil || s.binder == nil {
		return Credential{}, ErrMissing
	}
	claims, err := s.binder.ValidateRequest(s.request)
	if err != nil {
		return Credential{}, ErrMissing
	}
	if strings.TrimSpace(claims.SubjectKey) != subjectKey {
		return Credential{}, ErrMissing
	}
	updatedAt := int64(0)
	if claims.IssuedAt != nil {
		updatedAt = claims.IssuedAt.UnixMilli()
	}
	return Credential{
		SubjectKey:   subjectKey,
		AccessToken:  claims.AccessToken,
		RefreshToken: claims.RefreshToken,
		ExpiresAtMs:  claims.TokenExpiresAtMs,
		UpdatedAtMs:  updatedAt,
	}, nil
}

// Claims converts a credential into cookie claims.
func (c Credential) Claims() auth.CredentialClaims {
	return auth.CredentialClaims{
		SubjectKey:       c.SubjectKey,
		AccessToken:      c.AccessToken,
		RefreshToken:     c.RefreshToken,
		TokenExpiresAtMs: c.ExpiresAtMs,
	}
}
