package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/textnorm"
	"github.com/MarcoPoloResearchLab/marginalia/internal/underlines"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillUnderlineTextHash = "2026-10-01_backfill_underline_text_hash"
	backfillBatchSize                  = 500
)

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
		{name: migrationBackfillUnderlineTextHash, apply: backfillUnderlineTextHash},
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
		if err := db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillUnderlineTextHash fills text_hash for rows imported without one.
func backfillUnderlineTextHash(db *gorm.DB) error {
	var pending []underlines.Underline
	return db.Select("id", "text").
		Where("text_hash = ?", "").
		FindInBatches(&pending, backfillBatchSize, func(_ *gorm.DB, _ int) error {
			for _, row := range pending {
				if err := db.Session(&gorm.Session{NewDB: true}).Model(&underlines.Underline{}).
					Where("id = ?", row.ID).
					Update("text_hash", textnorm.Key(row.Text)).Error; err != nil {
					return err
				}
			}
			return nil
		}).Error
}
