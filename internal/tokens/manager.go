package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/platform"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultRefreshSkew = 60 * time.Second

// Refresher trades a refresh token for a new platform token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (platform.Token, error)
}

// ManagerConfig wires the credential tiers and the refresh path.
type ManagerConfig struct {
	// Tiers are consulted in order; earlier tiers are refilled on a later hit.
	Tiers       []Tier
	Refresher   Refresher
	RefreshSkew time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
	Metrics     *metrics.Collectors
}

// Freshness describes what EnsureFresh did to the returned credential.
type Freshness struct {
	Refreshed bool
	// RefreshErr is set when a due refresh failed and the last-known credential was returned.
	RefreshErr error
}

// Manager resolves and refreshes subject credentials.
type Manager struct {
	tiers     []Tier
	refresher Refresher
	skew      time.Duration
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Collectors
	inflight  singleflight.Group
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if len(cfg.Tiers) == 0 {
		return nil, errors.New("tokens: at least one tier is required")
	}
	skew := cfg.RefreshSkew
	if skew <= 0 {
		skew = defaultRefreshSkew
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		tiers:     append([]Tier(nil), cfg.Tiers...),
		refresher: cfg.Refresher,
		skew:      skew,
		now:       clock,
		logger:    logger,
		metrics:   cfg.Metrics,
	}, nil
}

// Get returns the credential for subjectKey from the first tier or fallback that knows it.
func (m *Manager) Get(ctx context.Context, subjectKey string, fallbacks ...Source) (Credential, error) {
	subjectKey = strings.TrimSpace(subjectKey)
	if subjectKey == "" {
		return Credential{}, ErrMissing
	}
	for index, tier := range m.tiers {
		credential, err := tier.Load(ctx, subjectKey)
		if err == nil {
			m.refill(ctx, m.tiers[:index], credential)
			return credential, nil
		}
		if !errors.Is(err, ErrMissing) {
			m.logger.Warn("credential tier load failed",
				zap.String("tier", tier.Name()),
				zap.String("subject_key", subjectKey),
				zap.Error(err))
		}
	}
	for _, fallback := range fallbacks {
		if fallback == nil {
			continue
		}
		credential, err := fallback.Load(ctx, subjectKey)
		if err != nil {
			continue
		}
		m.refill(ctx, m.tiers, credential)
		return credential, nil
	}
	return Credential{}, ErrMissing
}

// Save writes credential to every tier.
func (m *Manager) Save(ctx context.Context, credential Credential) error {
	credential.SubjectKey = strings.TrimSpace(credential.SubjectKey)
	if credential.SubjectKey == "" || strings.TrimSpace(credential.AccessToken) == "" {
		return fmt.Errorf("tokens: subject key and access token are required")
	}
	if credential.UpdatedAtMs == 0 {
		credential.UpdatedAtMs = m.now().UTC().UnixMilli()
	}
	var errs []error
	for _, tier := range m.tiers {
		if err := tier.Save(ctx, credential); err != nil {
			errs = append(errs, fmt.Errorf("tokens: save to %s: %w", tier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// SaveToken stores a freshly issued platform token for subjectKey.
func (m *Manager) SaveToken(ctx context.Context, subjectKey string, token platform.Token) (Credential, error) {
	credential := fromToken(subjectKey, token, m.now())
	if err := m.Save(ctx, credential); err != nil {
		return credential, err
	}
	return credential, nil
}

// EnsureFresh returns a credential for subjectKey, refreshing it first when it
// expires within the refresh skew. A failed refresh is reported in Freshness and
// the last-known credential is returned.
func (m *Manager) EnsureFresh(ctx context.Context, subjectKey string, fallbacks ...Source) (Credential, Freshness, error) {
	credential, err := m.Get(ctx, subjectKey, fallbacks...)
	if err != nil {
		return Credential{}, Freshness{}, err
	}
	if m.refresher == nil || !credential.dueForRefresh(m.now(), m.skew) {
		return credential, Freshness{}, nil
	}

	value, refreshErr, _ := m.inflight.Do(credential.SubjectKey, func() (interface{}, error) {
		return m.refresh(ctx, credential)
	})
	if refreshErr != nil {
		m.metrics.ObserveRefresh("failed")
		m.logger.Warn("credential refresh failed",
			zap.String("subject_key", credential.SubjectKey),
			zap.String("platform_error", platform.Tag(refreshErr)),
			zap.Error(refreshErr))
		return credential, Freshness{RefreshErr: refreshErr}, nil
	}
	m.metrics.ObserveRefresh("refreshed")
	return value.(Credential), Freshness{Refreshed: true}, nil
}

func (m *Manager) refresh(ctx context.Context, current Credential) (Credential, error) {
	// A flight that finished just before this one may already have stored a fresh credential.
	if latest, err := m.Get(ctx, current.SubjectKey); err == nil {
		if !latest.dueForRefresh(m.now(), m.skew) {
			return latest, nil
		}
		current = latest
	}
	token, err := m.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return Credential{}, err
	}
	refreshed := fromToken(current.SubjectKey, token, m.now())
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = current.RefreshToken
	}
	if err := m.Save(ctx, refreshed); err != nil {
		m.logger.Error("credential save after refresh failed",
			zap.String("subject_key", current.SubjectKey),
			zap.Error(err))
	}
	return refreshed, nil
}

func (m *Manager) refill(ctx context.Context, tiers []Tier, credential Credential) {
	for _, tier := range tiers {
		if err := tier.Save(ctx, credential); err != nil {
			m.logger.Warn("credential tier refill failed",
				zap.String("tier", tier.Name()),
				zap.String("subject_key", credential.SubjectKey),
				zap.Error(err))
		}
	}
}

func fromToken(subjectKey string, token platform.Token, now time.Time) Credential {
	credential := Credential{
		SubjectKey:   strings.TrimSpace(subjectKey),
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		UpdatedAtMs:  now.UTC().UnixMilli(),
	}
	if !token.ExpiresAt.IsZero() {
		credential.ExpiresAtMs = token.ExpiresAt.UTC().UnixMilli()
	}
	return credential
}
