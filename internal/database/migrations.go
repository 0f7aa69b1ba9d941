package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRebuildLeaderboardPoints = "2026-05-01_rebuild_leaderboard_points"
	migrationBackfillHandleKeys       = "2026-05-08_backfill_identity_handle_keys"
)

// migrationRecord marks a named data migration as applied.
type migrationRecord struct {
	Name        string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtMs int64  `gorm:"column:applied_at_ms;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type dataMigration struct {
	name  string
	apply func(*gorm.DB) error
}

// dataMigrations run in order, each at most once, after AutoMigrate.
var dataMigrations = []dataMigration{
	{name: migrationRebuildLeaderboardPoints, apply: rebuildLeaderboardPoints},
	{name: migrationBackfillHandleKeys, apply: backfillHandleKeys},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, migration := range dataMigrations {
		applied, err := migrationApplied(db, migration.name)
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		if applied {
			continue
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtMs: time.Now().UTC().UnixMilli()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var record migrationRecord
	err := db.Where("name = ?", name).Take(&record).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

// rebuildLeaderboardPoints recomputes every total from the event log, which is the source of truth.
func rebuildLeaderboardPoints(db *gorm.DB) error {
	return db.Exec(`UPDATE leaderboard_entries SET points = COALESCE((
		SELECT SUM(score_events.delta) FROM score_events
		WHERE score_events.external_user_id = leaderboard_entries.external_user_id
	), 0)`).Error
}

// backfillHandleKeys fills the case-folded lookup key for identities linked before it existed.
func backfillHandleKeys(db *gorm.DB) error {
	return db.Exec(`UPDATE subject_identities SET handle_key = LOWER(handle)
		WHERE (handle_key IS NULL OR handle_key = '') AND handle <> ''`).Error
}
