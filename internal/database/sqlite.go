package database

import (
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/inovest/realtime/internal/chats"
	"github.com/inovest/realtime/internal/notifications"
	"github.com/inovest/realtime/internal/projects"
	"github.com/inovest/realtime/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

func models() []interface{} {
	return []interface{}{
		&users.User{},
		&projects.Project{},
		&projects.Interest{},
		&chats.ChatSession{},
		&chats.Participant{},
		&chats.Message{},
		&notifications.Notification{},
		&migrationRecord{},
	}
}

// newGormLogger routes GORM warnings through zap. Missing rows are an expected
// lookup outcome and are not logged.
func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	if logger == nil {
		return gormlogger.Discard
	}
	return gormlogger.New(
		zap.NewStdLog(logger.Named("gorm")),
		gormlogger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}
