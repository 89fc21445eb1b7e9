package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeChatParticipantOrder = "2026-10-01_normalize_chat_participant_order"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeChatParticipantOrder, apply: normalizeChatParticipantOrder},
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
		if err := migration.apply(db, logger); err != nil {
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

// normalizeChatParticipantOrder swaps participant pairs stored high-then-low so the
// unique pair index sees one key per conversation. Rows whose canonical twin
// already exists are left in place and reported.
func normalizeChatParticipantOrder(db *gorm.DB, logger *zap.Logger) error {
	swap := db.Exec(`UPDATE chat_sessions
SET participant_low = participant_high, participant_high = participant_low
WHERE participant_low > participant_high
AND NOT EXISTS (
	SELECT 1 FROM chat_sessions AS twin
	WHERE twin.project_id = chat_sessions.project_id
	AND twin.participant_low = chat_sessions.participant_high
	AND twin.participant_high = chat_sessions.participant_low
)`)
	if swap.Error != nil {
		return swap.Error
	}

	var duplicates int64
	if err := db.Table("chat_sessions").Where("participant_low > participant_high").Count(&duplicates).Error; err != nil {
		return err
	}
	if logger != nil && (swap.RowsAffected > 0 || duplicates > 0) {
		logger.Info("chat participant order normalized",
			zap.Int64("swapped", swap.RowsAffected),
			zap.Int64("duplicates_left", duplicates))
	}
	return nil
}
