package pkce

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultTTL = 10 * time.Minute
	// DefaultScope requests what verification needs plus a refresh token.
	DefaultScope = "tweet.read users.read follows.read offline.access"
)

var (
	errMissingStore        = errors.New("pkce: store is required")
	errMissingClientID     = errors.New("pkce: client id is required")
	errMissingRedirectURI  = errors.New("pkce: redirect uri is required")
	errMissingAuthorizeURL = errors.New("pkce: authorize url is required")
	// ErrMissingSubject indicates Begin was called without a subject key.
	ErrMissingSubject = errors.New("pkce: subject key is required")
)

// Binder signs pending authorizations into client-carried values.
type Binder interface {
	Issue(state, codeVerifier, subjectKey string) (string, time.Time, error)
	Validate(token, expectedState string) (auth.StateClaims, error)
}

// ManagerConfig configures the PKCE manager.
type ManagerConfig struct {
	Store        Store
	Binder       Binder
	ClientID     string
	RedirectURI  string
	AuthorizeURL string
	Scope        string
	TTL          time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
	Metrics      *metrics.Collectors
}

// BeginResult is handed back to the client to start the redirect.
type BeginResult struct {
	State            string
	AuthorizationURL string
	// Binding is the signed fallback; empty when no Binder is configured.
	Binding   string
	ExpiresAt time.Time
}

// Manager runs the PKCE half of the authorization-code flow.
type Manager struct {
	store        Store
	binder       Binder
	clientID     string
	redirectURI  string
	authorizeURL string
	scope        string
	ttl          time.Duration
	clock        func() time.Time
	logger       *zap.Logger
	metrics      *metrics.Collectors
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errMissingClientID
	}
	if strings.TrimSpace(cfg.RedirectURI) == "" {
		return nil, errMissingRedirectURI
	}
	if strings.TrimSpace(cfg.AuthorizeURL) == "" {
		return nil, errMissingAuthorizeURL
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	scope := strings.TrimSpace(cfg.Scope)
	if scope == "" {
		scope = DefaultScope
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
		store:        cfg.Store,
		binder:       cfg.Binder,
		clientID:     cfg.ClientID,
		redirectURI:  cfg.RedirectURI,
		authorizeURL: cfg.AuthorizeURL,
		scope:        scope,
		ttl:          ttl,
		clock:        clock,
		logger:       logger,
		metrics:      cfg.Metrics,
	}, nil
}

// RedirectURI returns the callback registered with the platform.
func (m *Manager) RedirectURI() string {
	return m.redirectURI
}

// Begin registers a new pending authorization for subjectKey.
func (m *Manager) Begin(ctx context.Context, subjectKey string) (BeginResult, error) {
	subject := strings.TrimSpace(subjectKey)
	if subject == "" {
		return BeginResult{}, ErrMissingSubject
	}
	state, err := GenerateState()
	if err != nil {
		return BeginResult{}, fmt.Errorf("pkce: generate state: %w", err)
	}
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return BeginResult{}, fmt.Errorf("pkce: generate verifier: %w", err)
	}

	now := m.clock().UTC()
	pending := PendingAuth{
		State:        state,
		CodeVerifier: verifier,
		SubjectKey:   subject,
		CreatedAtMs:  now.UnixMilli(),
		ExpiresAtMs:  now.Add(m.ttl).UnixMilli(),
	}
	if err := m.store.Put(ctx, pending); err != nil {
		return BeginResult{}, fmt.Errorf("pkce: store pending auth: %w", err)
	}

	result := BeginResult{
		State:            state,
		AuthorizationURL: m.authorizationURL(state, CodeChallenge(verifier)),
		ExpiresAt:        pending.ExpiresAt(),
	}
	if m.binder != nil {
		binding, _, err := m.binder.Issue(state, verifier, subject)
		if err != nil {
			return BeginResult{}, fmt.Errorf("pkce: sign binding: %w", err)
		}
		result.Binding = binding
	}
	return result, nil
}

func (m *Manager) authorizationURL(state, challenge string) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", m.clientID)
	params.Set("redirect_uri", m.redirectURI)
	params.Set("scope", m.scope)
	params.Set("state", state)
	params.Set("code_challenge", challenge)
	params.Set("code_challenge_method", ChallengeMethod)

	separator := "?"
	if strings.Contains(m.authorizeURL, "?") {
		separator = "&"
	}
	return m.authorizeURL + separator + params.Encode()
}

// Consume finishes the pending authorization for state. A state unknown to the
// store is recovered from binding when the binding carries the same state; a
// state the store already consumed is never recovered.
func (m *Manager) Consume(ctx context.Context, state, binding string) (PendingAuth, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return PendingAuth{}, ErrStateNotFound
	}
	now := m.clock().UTC()

	pending, err := m.store.Take(ctx, state, now)
	if err == nil {
		return pending, nil
	}
	if !errors.Is(err, ErrStateNotFound) {
		if errors.Is(err, ErrStateConsumed) || errors.Is(err, ErrStateExpired) {
			m.logger.Info("pending auth rejected", zap.Error(err))
			return PendingAuth{}, fmt.Errorf("%w: %v", ErrStateNotFound, err)
		}
		return PendingAuth{}, fmt.Errorf("pkce: take pending auth: %w", err)
	}
	if m.binder == nil || strings.TrimSpace(binding) == "" {
		return PendingAuth{}, ErrStateNotFound
	}

	claims, err := m.binder.Validate(binding, state)
	if err != nil {
		m.logger.Info("pending auth binding rejected", zap.Error(err))
		if errors.Is(err, auth.ErrBindingStateMismatch) {
			return PendingAuth{}, ErrStateMismatch
		}
		return PendingAuth{}, ErrStateNotFound
	}

	recovered := PendingAuth{
		State:        claims.State,
		CodeVerifier: claims.CodeVerifier,
		SubjectKey:   claims.SubjectKey,
		CreatedAtMs:  now.UnixMilli(),
		ExpiresAtMs:  now.Add(m.ttl).UnixMilli(),
		ConsumedAtMs: now.UnixMilli(),
	}
	if claims.ExpiresAt != nil {
		recovered.ExpiresAtMs = claims.ExpiresAt.Time.UnixMilli()
	}
	// The tombstone makes a replayed binding collide with this consumption.
	if err := m.store.Put(ctx, recovered); err != nil {
		if errors.Is(err, ErrStateExists) {
			return PendingAuth{}, ErrStateNotFound
		}
		return PendingAuth{}, fmt.Errorf("pkce: record recovered auth: %w", err)
	}
	m.logger.Info("pending auth recovered from binding", zap.String("subject_key", recovered.SubjectKey))
	return recovered, nil
}

// Sweep removes expired pending authorizations.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	removed, err := m.store.Sweep(ctx, m.clock().UTC())
	if err != nil {
		m.logger.Warn("pending auth sweep failed", zap.Error(err))
		return removed, err
	}
	m.metrics.ObservePendingSwept(removed)
	if removed > 0 {
		m.logger.Debug("pending auths swept", zap.Int("removed", removed))
	}
	return removed, nil
}
