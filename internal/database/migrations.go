package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationIndexUsersUsername     = "2026-10-01_index_users_username"
	migrationIndexMessagesCreatedAt = "2026-10-01_index_messages_created_at"
	migrationIndexNotesUpdatedAt    = "2026-10-01_index_notes_updated_at"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// migration is a named, run-once schema step.
type migration struct {
	name      string
	statement string
}

// Usernames stay non-unique; the index only serves profile lookups.
var migrations = []migration{
	{name: migrationIndexUsersUsername, statement: "CREATE INDEX IF NOT EXISTS idx_users_username ON users (username)"},
	{name: migrationIndexMessagesCreatedAt, statement: "CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages (created_at)"},
	{name: migrationIndexNotesUpdatedAt, statement: "CREATE INDEX IF NOT EXISTS idx_notes_updated_at ON notes (updated_at)"},
}

func applyMigrations(db *gorm.DB, log *zap.Logger) error {
	applied := make(map[string]struct{})
	var records []migrationRecord
	if err := db.Find(&records).Error; err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	for _, record := range records {
		applied[record.Name] = struct{}{}
	}

	for _, step := range migrations {
		if _, done := applied[step.name]; done {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(step.statement).Error; err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: step.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", step.name, err)
		}
		log.Info("database migration applied", zap.String("migration", step.name))
	}
	return nil
}
