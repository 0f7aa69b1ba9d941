package pkce

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrStateNotFound = errors.New("pkce: state not found")
	ErrStateConsumed = errors.New("pkce: state already consumed")
	ErrStateExpired  = errors.New("pkce: state expired")
	ErrStateExists   = errors.New("pkce: state already registered")
	ErrStateMismatch = errors.New("pkce: state does not match binding")
)

// PendingAuth is an authorization started but not yet completed.
type PendingAuth struct {
	State        string `gorm:"column:state;primaryKey;size:128"`
	CodeVerifier string `gorm:"column:code_verifier;size:128;not null"`
	SubjectKey   string `gorm:"column:subject_key;size:190;not null"`
	CreatedAtMs  int64  `gorm:"column:created_at_ms;not null"`
	ExpiresAtMs  int64  `gorm:"column:expires_at_ms;not null;index"`
	ConsumedAtMs int64  `gorm:"column:consumed_at_ms;not null;default:0"`
}

// TableName exposes the table backing pending authorizations.
func (PendingAuth) TableName() string {
	return "oauth_pending_auths"
}

// ExpiresAt returns the expiry as a time.
func (p PendingAuth) ExpiresAt() time.Time {
	return time.UnixMilli(p.ExpiresAtMs).UTC()
}

func (p PendingAuth) consumed() bool {
	return p.ConsumedAtMs > 0
}

func (p PendingAuth) expired(now time.Time) bool {
	return p.ExpiresAtMs <= now.UnixMilli()
}

// Store keeps pending authorizations. Take must consume atomically: of two
// concurrent Takes for one state at most one succeeds.
type Store interface {
	// Put inserts pending; ErrStateExists when the state is already known.
	Put(ctx context.Context, pending PendingAuth) error
	// Take consumes the live entry for state.
	Take(ctx context.Context, state string, now time.Time) (PendingAuth, error)
	// Sweep removes entries expired at now and reports how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is a process-local Store. Consumed entries stay as tombstones until they expire.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]PendingAuth
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]PendingAuth)}
}

func (s *MemoryStore) Put(_ context.Context, pending PendingAuth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[pending.State]; exists {
		return ErrStateExists
	}
	s.entries[pending.State] = pending
	return nil
}

func (s *MemoryStore) Take(_ context.Context, state string, now time.Time) (PendingAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.entries[state]
	switch {
	case !ok:
		return PendingAuth{}, ErrStateNotFound
	case pending.consumed():
		return PendingAuth{}, ErrStateConsumed
	case pending.expired(now):
		return PendingAuth{}, ErrStateExpired
	}
	pending.ConsumedAtMs = now.UnixMilli()
	s.entries[state] = pending
	return pending, nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for state, pending := range s.entries {
		if pending.expired(now) {
			delete(s.entries, state)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of tracked entries, tombstones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
