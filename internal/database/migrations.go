package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNullBlankEditors = "2026-10-15_null_blank_editors"

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
		{name: migrationNullBlankEditors, apply: nullBlankEditors},
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
		if err := db.Transaction(migration.apply); err != nil {
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

// nullBlankEditors turns empty editor strings into NULL so anonymous edits read back as absent.
func nullBlankEditors(db *gorm.DB) error {
	if err := db.Model(&documents.Document{}).
		Where("TRIM(last_edited_by) = ''").
		Update("last_edited_by", nil).Error; err != nil {
		return err
	}
	return db.Model(&documents.Revision{}).
		Where("TRIM(edited_by) = ''").
		Update("edited_by", nil).Error
}
