package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/queue"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/transport"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationTruncateOversizedErrors = "2026-10-01_truncate_oversized_errors"

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

var migrations = []migrationDefinition{
	{name: migrationTruncateOversizedErrors, apply: truncateOversizedErrors},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		applyErr := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if applyErr != nil {
			return applyErr
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// truncateOversizedErrors caps stored delivery errors written before the
// transport started truncating them. substr counts characters in SQLite.
func truncateOversizedErrors(db *gorm.DB) error {
	return db.Model(&queue.Entry{}).
		Where("length(last_error) > ?", transport.MaxMessageLength).
		Update("last_error", gorm.Expr("substr(last_error, 1, ?)", transport.MaxMessageLength)).Error
}
