package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/discussions"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/sheets"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite opens the host database at path and brings its schema up to date.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}
	logger.Info("database initialized", zap.String("path", path))
	return db, nil
}

// Migrate creates the host tables and applies pending named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := []any{&users.Identity{}, &sheets.SheetSchema{}, &sheets.SheetRow{}, &migrationRecord{}}
	models = append(models, discussions.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
