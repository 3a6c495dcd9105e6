package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/discussions"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsAuthorNames(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(append(discussions.Models(), &users.Identity{}, &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Now().UTC()
	identity := users.Identity{Provider: "google", Subject: "1", UserID: "alice@example.com", DisplayName: "Alice Smith"}
	if err := database.Create(&identity).Error; err != nil {
		testContext.Fatalf("failed to insert identity: %v", err)
	}
	legacy := []discussions.Post{
		{Session: "s1", Discussion: 1, Number: 1, AuthorID: "alice@example.com", Text: "a", Status: "active", CreatedAt: now, UpdatedAt: now},
		{Session: "s1", Discussion: 1, Number: 2, AuthorID: "ghost@example.com", Text: "b", Status: "active", CreatedAt: now, UpdatedAt: now},
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert posts: %v", err)
	}

	core, logs := observer.New(zap.InfoLevel)
	if err := applyMigrations(database, zap.New(core)); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored []discussions.Post
	if err := database.Order("number ASC").Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload posts: %v", err)
	}
	if stored[0].AuthorName != "Alice Smith" {
		testContext.Fatalf("expected backfilled author name, got %q", stored[0].AuthorName)
	}
	if stored[1].AuthorName != "" {
		testContext.Fatalf("expected unknown author to stay blank, got %q", stored[1].AuthorName)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillAuthorNames).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
	if logs.FilterMessage("database migration applied").Len() != 1 {
		testContext.Fatalf("expected one migration log entry")
	}

	if err := applyMigrations(database, zap.New(core)); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	if logs.FilterMessage("database migration applied").Len() != 1 {
		testContext.Fatalf("expected applied migrations to be skipped")
	}
}

func TestOpenSQLiteCreatesHostTables(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "host.db"), nil)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"user_identities", "sheet_schemas", "sheet_rows", "discussion_posts", "discussion_states", "discussion_reads", "discussion_teams", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
