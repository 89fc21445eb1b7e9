package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "inovest-realtime"

// ParseLevel maps a configured level name onto a zap level. Unknown names fall back to info.
func ParseLevel(level string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, true
	case "info", "":
		return zapcore.InfoLevel, true
	case "warn", "warning":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	default:
		return zapcore.InfoLevel, false
	}
}

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	parsed, _ := ParseLevel(level)
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.InitialFields = map[string]interface{}{"service": serviceName}
	return cfg.Build()
}
