// Package observability holds the shared process logger.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide logger. It defaults to a no-op logger so
// code can log before InitLogging runs.
var CLILogger = zap.NewNop()

// InitLogging builds CLILogger from the configured level and profile.
// Profile STRUCTURED emits JSON to stderr; anything else a human-readable
// console format.
func InitLogging(level, profile string) error {
	logger, err := buildLogger(level, profile)
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}

// Sync flushes buffered log entries. Safe to call at process exit.
func Sync() {
	_ = CLILogger.Sync()
}

func buildLogger(level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if strings.EqualFold(strings.TrimSpace(profile), "STRUCTURED") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}
