package pkce

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// GormStore keeps pending authorizations in the relational store so any replica can finish a flow.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a GormStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("pkce: database handle is required")
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Put(ctx context.Context, pending PendingAuth) error {
	err := s.db.WithContext(ctx).Create(&pending).Error
	if err == nil {
		return nil
	}
	low := strings.ToLower(err.Error())
	if errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "duplicate key value") {
		return ErrStateExists
	}
	return err
}

func (s *GormStore) Take(ctx context.Context, state string, now time.Time) (PendingAuth, error) {
	db := s.db.WithContext(ctx)
	nowMs := now.UnixMilli()
	result := db.Model(&PendingAuth{}).
		Where("state = ? AND consumed_at_ms = 0 AND expires_at_ms > ?", state, nowMs).
		Update("consumed_at_ms", nowMs)
	if result.Error != nil {
		return PendingAuth{}, result.Error
	}

	var pending PendingAuth
	err := db.Where("state = ?", state).Take(&pending).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PendingAuth{}, ErrStateNotFound
	}
	if err != nil {
		return PendingAuth{}, err
	}
	if result.RowsAffected == 1 {
		return pending, nil
	}
	if pending.consumed() {
		return PendingAuth{}, ErrStateConsumed
	}
	return PendingAuth{}, ErrStateExpired
}

func (s *GormStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at_ms <= ?", now.UnixMilli()).
		Delete(&PendingAuth{})
	return int(result.RowsAffected), result.Error
}
