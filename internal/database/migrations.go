package database

import (
	"errors"
	"time"

	"github.com/ripplehq/ripple/backend/internal/posts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillPostMedia = "2026-07-14_backfill_post_media_json"

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
		{name: migrationBackfillPostMedia, apply: backfillPostMediaJSON},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillPostMediaJSON normalizes legacy rows whose media column predates
// the JSON serializer: NULL or empty becomes an empty JSON array.
func backfillPostMediaJSON(db *gorm.DB) error {
	return db.Model(&posts.Post{}).
		Where("media IS NULL OR media = ?", "").
		Update("media", "[]").Error
}
