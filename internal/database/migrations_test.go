package database

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/inovest/realtime/internal/chats"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesParticipantOrder(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&chats.ChatSession{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	createdAt := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	rows := []chats.ChatSession{
		{ChatID: "chat-reversed", ProjectID: "project-1", ParticipantLow: "zed", ParticipantHigh: "amy", InitiatorID: "zed", CreatedAt: createdAt},
		{ChatID: "chat-canonical", ProjectID: "project-2", ParticipantLow: "amy", ParticipantHigh: "zed", InitiatorID: "amy", CreatedAt: createdAt},
		{ChatID: "chat-twin", ProjectID: "project-2", ParticipantLow: "zed", ParticipantHigh: "amy", InitiatorID: "zed", CreatedAt: createdAt},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert sessions: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var reversed chats.ChatSession
	if err := database.Where("chat_id = ?", "chat-reversed").Take(&reversed).Error; err != nil {
		testContext.Fatalf("failed to reload session: %v", err)
	}
	if reversed.ParticipantLow != "amy" || reversed.ParticipantHigh != "zed" {
		testContext.Fatalf("expected participants swapped, got %s/%s", reversed.ParticipantLow, reversed.ParticipantHigh)
	}

	var twin chats.ChatSession
	if err := database.Where("chat_id = ?", "chat-twin").Take(&twin).Error; err != nil {
		testContext.Fatalf("failed to reload twin: %v", err)
	}
	if twin.ParticipantLow != "zed" {
		testContext.Fatalf("expected twin with existing canonical row left untouched")
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeChatParticipantOrder).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected reapplying migrations to be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "app.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"users", "projects", "project_interests", "chat_sessions", "chat_participants", "chat_messages", "notifications", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	if !database.Migrator().HasIndex(&chats.ChatSession{}, "idx_chat_project_pair") {
		testContext.Fatalf("expected unique pair index")
	}
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected empty path to be rejected")
	}
}
