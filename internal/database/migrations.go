package database

import (
	"errors"
	"time"

	"github.com/soulbox/backend/internal/capsules"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRepairUnlockTimestampPairing = "2026-08-20_repair_unlock_timestamp_pairing"

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
		{name: migrationRepairUnlockTimestampPairing, apply: repairUnlockTimestampPairing},
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

// repairUnlockTimestampPairing reseals rows that claim to be unlocked but
// carry no unlock timestamp. Those rows cannot have gone through a real
// unlock, so sealing them again is safe.
func repairUnlockTimestampPairing(db *gorm.DB) error {
	return db.Model(&capsules.Capsule{}).
		Where("is_unlocked = ? AND unlocked_at IS NULL", true).
		Update("is_unlocked", false).Error
}
