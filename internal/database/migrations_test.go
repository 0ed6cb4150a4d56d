package database

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/queue"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/transport"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsTruncatesOversizedErrors(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&queue.Entry{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	entry := queue.Entry{
		IdempotencyKey: "key-1",
		Operation:      queue.OperationCreate,
		EntityType:     queue.EntityItems,
		Payload:        queue.Payload{"name": "Drill"},
		Status:         queue.StatusFailed,
		LastError:      strings.Repeat("x", transport.MaxMessageLength*3),
	}
	if err := database.Create(&entry).Error; err != nil {
		testContext.Fatalf("failed to insert entry: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored queue.Entry
	if err := database.Where("idempotency_key = ?", entry.IdempotencyKey).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload entry: %v", err)
	}
	if len(stored.LastError) != transport.MaxMessageLength {
		testContext.Fatalf("expected last error to be truncated, got %d characters", len(stored.LastError))
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationTruncateOversizedErrors).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	stored.LastError = strings.Repeat("y", transport.MaxMessageLength+1)
	if err := database.Save(&stored).Error; err != nil {
		testContext.Fatalf("failed to update entry: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	if err := database.Where("idempotency_key = ?", entry.IdempotencyKey).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload entry: %v", err)
	}
	if len(stored.LastError) != transport.MaxMessageLength+1 {
		testContext.Fatalf("expected applied migration to be skipped")
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "bootstrap.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	defer Close(database)

	for _, table := range []string{"mutation_queue", "conflict_log", "entity_cache", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected missing path error")
	}
}
