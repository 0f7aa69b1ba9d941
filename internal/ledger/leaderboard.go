package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 200
)

// Row is one ranked leaderboard line.
type Row struct {
	Rank           int
	ExternalUserID string
	Points         int64
	UpdatedAt      time.Time
	LastScanAt     time.Time
}

// PageResult holds one leaderboard page. NextOffset is nil when no further page can exist.
type PageResult struct {
	Rows       []Row
	Limit      int
	Offset     int
	NextOffset *int
}

// Standing is one user's position on the leaderboard.
type Standing struct {
	ExternalUserID string
	Points         int64
	Rank           int
	UpdatedAt      time.Time
	LastScanAt     time.Time
}

// NormalizePage clamps limit to [1, MaxPageLimit] (DefaultPageLimit when unset) and offset to >= 0.
func NormalizePage(limit, offset int) (int, int) {
	switch {
	case limit <= 0:
		limit = DefaultPageLimit
	case limit > MaxPageLimit:
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Page returns entries ordered by points desc, most recent update first on ties.
func (s *Service) Page(ctx context.Context, limit, offset int) (PageResult, error) {
	limit, offset = NormalizePage(limit, offset)

	var entries []LeaderboardEntry
	err := s.db.WithContext(ctx).
		Order("points DESC").
		Order("updated_at_ms DESC").
		Order("external_user_id ASC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	if err != nil {
		s.logError(opPage, "query_failed", err, zap.Int("limit", limit), zap.Int("offset", offset))
		return PageResult{}, storageError(opPage, "query_failed", err)
	}

	result := PageResult{Rows: make([]Row, 0, len(entries)), Limit: limit, Offset: offset}
	for index, entry := range entries {
		result.Rows = append(result.Rows, Row{
			Rank:           offset + index + 1,
			ExternalUserID: entry.ExternalUserID,
			Points:         entry.Points,
			UpdatedAt:      millisToTime(entry.UpdatedAtMs),
			LastScanAt:     millisToTime(entry.LastScanAtMs),
		})
	}
	if len(entries) == limit {
		next := offset + limit
		result.NextOffset = &next
	}
	return result, nil
}

// Me returns the standing of externalUserID; rank counts the entries strictly ahead of it.
func (s *Service) Me(ctx context.Context, externalUserID string) (Standing, error) {
	userID := strings.TrimSpace(externalUserID)
	if userID == "" {
		return Standing{}, newServiceError(opMe, "missing_user_id", ErrMissingUserID)
	}

	db := s.db.WithContext(ctx)
	var entry LeaderboardEntry
	err := db.Where("external_user_id = ?", userID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Standing{}, newServiceError(opMe, "not_found", ErrEntryNotFound)
	}
	if err != nil {
		s.logError(opMe, "entry_query_failed", err, zap.String("external_user_id", userID))
		return Standing{}, storageError(opMe, "entry_query_failed", err)
	}

	var ahead int64
	err = db.Model(&LeaderboardEntry{}).
		Where("points > ?", entry.Points).
		Or("points = ? AND updated_at_ms > ?", entry.Points, entry.UpdatedAtMs).
		Or("points = ? AND updated_at_ms = ? AND external_user_id < ?", entry.Points, entry.UpdatedAtMs, entry.ExternalUserID).
		Count(&ahead).Error
	if err != nil {
		s.logError(opMe, "rank_query_failed", err, zap.String("external_user_id", userID))
		return Standing{}, storageError(opMe, "rank_query_failed", err)
	}

	return Standing{
		ExternalUserID: entry.ExternalUserID,
		Points:         entry.Points,
		Rank:           int(ahead) + 1,
		UpdatedAt:      millisToTime(entry.UpdatedAtMs),
		LastScanAt:     millisToTime(entry.LastScanAtMs),
	}, nil
}

func millisToTime(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}
