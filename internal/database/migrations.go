package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillAuthorNames = "2026-10-01_backfill_discussion_author_names"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillAuthorNames, apply: backfillAuthorNames},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Posts written before author names were stored get the name the author
// signed in with.
func backfillAuthorNames(db *gorm.DB) error {
	return db.Exec(`UPDATE discussion_posts
SET author_name = (
	SELECT user_display_name FROM user_identities
	WHERE user_identities.user_id = discussion_posts.author_id AND user_display_name <> ''
	LIMIT 1
)
WHERE author_name = '' AND EXISTS (
	SELECT 1 FROM user_identities
	WHERE user_identities.user_id = discussion_posts.author_id AND user_display_name <> ''
)`).Error
}
