package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/users"
	"go.uber.org/zap"
)

func TestApplyMigrationsRebuildsLeaderboardPoints(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := Open(Options{Driver: DriverSQLite, Path: databasePath, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.Where("name = ?", migrationRebuildLeaderboardPoints).Delete(&migrationRecord{}).Error; err != nil {
		testContext.Fatalf("failed to reset migration ledger: %v", err)
	}

	entry := ledger.LeaderboardEntry{ExternalUserID: "u1", Points: 99, UpdatedAtMs: 1, CreatedAtMs: 1}
	if err := database.Create(&entry).Error; err != nil {
		testContext.Fatalf("failed to insert entry: %v", err)
	}
	events := []ledger.ScoreEvent{
		{ID: "e1", ExternalUserID: "u1", Kind: "follow_ok", AwardKey: "follow_ok", Delta: 10, CreatedAtMs: 1},
		{ID: "e2", ExternalUserID: "u1", Kind: "ribbit", AwardKey: "ribbit:e2", Delta: 10, CreatedAtMs: 2},
	}
	if err := database.Create(&events).Error; err != nil {
		testContext.Fatalf("failed to insert events: %v", err)
	}
	orphan := ledger.LeaderboardEntry{ExternalUserID: "u2", Points: 5, UpdatedAtMs: 1, CreatedAtMs: 1}
	if err := database.Create(&orphan).Error; err != nil {
		testContext.Fatalf("failed to insert orphan entry: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored ledger.LeaderboardEntry
	if err := database.Where("external_user_id = ?", "u1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload entry: %v", err)
	}
	if stored.Points != 20 {
		testContext.Fatalf("expected points rebuilt to 20, got %d", stored.Points)
	}
	if err := database.Where("external_user_id = ?", "u2").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload orphan: %v", err)
	}
	if stored.Points != 0 {
		testContext.Fatalf("expected orphan points reset, got %d", stored.Points)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRebuildLeaderboardPoints).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtMs == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsBackfillsHandleKeys(testContext *testing.T) {
	database, err := Open(Options{Driver: DriverSQLite, Path: filepath.Join(testContext.TempDir(), "handles.db"), Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.Where("name = ?", migrationBackfillHandleKeys).Delete(&migrationRecord{}).Error; err != nil {
		testContext.Fatalf("failed to reset migration ledger: %v", err)
	}
	legacy := users.Identity{ExternalUserID: "u1", SubjectKey: "0xA", Handle: "Alice"}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert identity: %v", err)
	}

	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored users.Identity
	if err := database.Where("external_user_id = ?", "u1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload identity: %v", err)
	}
	if stored.HandleKey != "alice" {
		testContext.Fatalf("expected handle key backfilled, got %q", stored.HandleKey)
	}

	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("expected re-run to be a no-op: %v", err)
	}
	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if count != int64(len(dataMigrations)) {
		testContext.Fatalf("expected %d migration records, got %d", len(dataMigrations), count)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Options{Driver: "mysql"}); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(Options{Driver: DriverPostgres}); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
	if _, err := Open(Options{Driver: DriverSQLite}); err == nil {
		testContext.Fatalf("expected missing path error")
	}
}
