package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var noOpLogger = zap.NewNop()

// Outcome reports whether an award changed the ledger.
type Outcome string

const (
	OutcomeAccepted       Outcome = "accepted"
	OutcomeAlreadyAwarded Outcome = "already_awarded"
)

// AwardRequest asks the ledger to record one award.
type AwardRequest struct {
	ExternalUserID string
	Kind           Kind
	Delta          int64
	EvidenceRef    string
	Notes          string
	// Since bounds the acceptance window of windowed kinds; ignored for one-time kinds.
	Since time.Time
	// FirstOnly refuses a windowed award when the user already holds any event of the kind.
	FirstOnly bool
}

// AwardResult describes the effect of an award.
type AwardResult struct {
	Outcome Outcome
	Event   ScoreEvent
	Points  int64
}

// AwardNotice is published after an accepted award commits.
type AwardNotice struct {
	ExternalUserID string
	Kind           Kind
	Delta          int64
	Points         int64
	AwardedAt      time.Time
}

// Publisher receives committed awards.
type Publisher interface {
	PublishAward(AwardNotice)
}

// ScanMarks records what a re-scan observed for one user. Zero times are left untouched.
type ScanMarks struct {
	ScannedAt      time.Time
	RibbitAt       time.Time
	TaggedRibbitAt time.Time
}

// ServiceConfig describes the dependencies required by the ledger.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Metrics    *metrics.Collectors
	Publisher  Publisher
}

// Service is the only writer of score events and leaderboard points.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	metrics    *metrics.Collectors
	publisher  Publisher
}

// NewService constructs the ledger service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", ErrMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
		metrics:    cfg.Metrics,
		publisher:  cfg.Publisher,
	}, nil
}

// EnsureRow creates a zero-point entry for externalUserID if none exists.
func (s *Service) EnsureRow(ctx context.Context, externalUserID string) error {
	userID := strings.TrimSpace(externalUserID)
	if userID == "" {
		return newServiceError(opEnsureRow, "missing_user_id", ErrMissingUserID)
	}
	if err := ensureRow(s.db.WithContext(ctx), userID, s.clock().UTC()); err != nil {
		s.logError(opEnsureRow, "insert_failed", err, zap.String("external_user_id", userID))
		return storageError(opEnsureRow, "insert_failed", err)
	}
	return nil
}

func ensureRow(tx *gorm.DB, externalUserID string, now time.Time) error {
	entry := LeaderboardEntry{
		ExternalUserID: externalUserID,
		UpdatedAtMs:    now.UnixMilli(),
		CreatedAtMs:    now.UnixMilli(),
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error
}

// Award records req if the kind's policy accepts it and credits the points in the same transaction.
func (s *Service) Award(ctx context.Context, req AwardRequest) (AwardResult, error) {
	userID := strings.TrimSpace(req.ExternalUserID)
	if userID == "" {
		return AwardResult{}, newServiceError(opAward, "missing_user_id", ErrMissingUserID)
	}
	policy, ok := req.Kind.Policy()
	if !ok {
		return AwardResult{}, newServiceError(opAward, "unknown_kind", ErrInvalidAward)
	}
	if req.Delta <= 0 {
		return AwardResult{}, newServiceError(opAward, "non_positive_delta", ErrInvalidAward)
	}
	if policy == PolicyWindowed && req.Since.IsZero() && !req.FirstOnly {
		return AwardResult{}, newServiceError(opAward, "missing_window", ErrInvalidAward)
	}

	eventID, err := s.idProvider.NewID()
	if err != nil {
		return AwardResult{}, newServiceError(opAward, "id_generation_failed", err)
	}

	var result AwardResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC()
		if err := ensureRow(tx, userID, now); err != nil {
			return err
		}

		var entry LeaderboardEntry
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("external_user_id = ?", userID).
			Take(&entry).Error; err != nil {
			return err
		}

		prior := tx.Model(&ScoreEvent{}).
			Where("external_user_id = ? AND kind = ?", userID, string(req.Kind))
		if policy == PolicyWindowed && !req.FirstOnly {
			prior = prior.Where("created_at_ms > ?", req.Since.UTC().UnixMilli())
		}
		var priorCount int64
		if err := prior.Count(&priorCount).Error; err != nil {
			return err
		}
		if priorCount > 0 {
			result = AwardResult{Outcome: OutcomeAlreadyAwarded, Points: entry.Points}
			return nil
		}

		event := ScoreEvent{
			ID:             eventID,
			ExternalUserID: userID,
			Kind:           string(req.Kind),
			AwardKey:       awardKey(req.Kind, policy, eventID),
			Delta:          req.Delta,
			EvidenceRef:    strings.TrimSpace(req.EvidenceRef),
			Notes:          strings.TrimSpace(req.Notes),
			CreatedAtMs:    now.UnixMilli(),
		}
		if err := tx.Create(&event).Error; err != nil {
			if isUniqueViolation(err) {
				return errDuplicateAwardKey
			}
			return err
		}

		if err := tx.Model(&LeaderboardEntry{}).
			Where("external_user_id = ?", userID).
			Updates(map[string]any{
				"points":        gorm.Expr("points + ?", req.Delta),
				"updated_at_ms": now.UnixMilli(),
			}).Error; err != nil {
			return err
		}

		result = AwardResult{Outcome: OutcomeAccepted, Event: event, Points: entry.Points + req.Delta}
		return nil
	})
	if errors.Is(txErr, errDuplicateAwardKey) {
		s.metrics.ObserveAward(req.Kind.String(), string(OutcomeAlreadyAwarded))
		return AwardResult{Outcome: OutcomeAlreadyAwarded}, nil
	}
	if txErr != nil {
		s.metrics.ObserveAward(req.Kind.String(), "failed")
		s.logError(opAward, "transaction_failed", txErr,
			zap.String("external_user_id", userID),
			zap.String("kind", req.Kind.String()))
		return AwardResult{}, storageError(opAward, "transaction_failed", txErr)
	}

	s.metrics.ObserveAward(req.Kind.String(), string(result.Outcome))
	if result.Outcome == OutcomeAccepted {
		s.logger.Info("score awarded",
			zap.String("external_user_id", userID),
			zap.String("kind", req.Kind.String()),
			zap.Int64("delta", req.Delta),
			zap.Int64("points", result.Points))
		if s.publisher != nil {
			s.publisher.PublishAward(AwardNotice{
				ExternalUserID: userID,
				Kind:           req.Kind,
				Delta:          req.Delta,
				Points:         result.Points,
				AwardedAt:      time.UnixMilli(result.Event.CreatedAtMs).UTC(),
			})
		}
	}
	return result, nil
}

// MarkScan records scan bookkeeping for externalUserID without touching points.
func (s *Service) MarkScan(ctx context.Context, externalUserID string, marks ScanMarks) error {
	userID := strings.TrimSpace(externalUserID)
	if userID == "" {
		return newServiceError(opMarkScan, "missing_user_id", ErrMissingUserID)
	}
	updates := map[string]any{}
	if !marks.ScannedAt.IsZero() {
		updates["last_scan_at_ms"] = marks.ScannedAt.UTC().UnixMilli()
	}
	if !marks.RibbitAt.IsZero() {
		updates["last_ribbit_at_ms"] = marks.RibbitAt.UTC().UnixMilli()
	}
	if !marks.TaggedRibbitAt.IsZero() {
		updates["last_tagged_ribbit_at_ms"] = marks.TaggedRibbitAt.UTC().UnixMilli()
	}
	if len(updates) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&LeaderboardEntry{}).
		Where("external_user_id = ?", userID).
		Updates(updates).Error; err != nil {
		s.logError(opMarkScan, "update_failed", err, zap.String("external_user_id", userID))
		return storageError(opMarkScan, "update_failed", err)
	}
	return nil
}

// Events returns the score events of externalUserID, oldest first.
func (s *Service) Events(ctx context.Context, externalUserID string) ([]ScoreEvent, error) {
	var events []ScoreEvent
	err := s.db.WithContext(ctx).
		Where("external_user_id = ?", strings.TrimSpace(externalUserID)).
		Order("created_at_ms ASC").
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, storageError(opMe, "events_query_failed", err)
	}
	return events, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("ledger service error", attrs...)
}
