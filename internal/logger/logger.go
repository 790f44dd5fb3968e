package logger

import (
	"go.uber.org/zap"
)

// New builds a production zap logger at the given verbosity
// ("debug", "info", "warn", "error").
func New(verbosity string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	return config.Build()
}

// NewDevelopment builds a console-friendly logger for the CLI and the
// examples. Falls back to a no-op logger if construction fails so thin
// clients never have to handle logging errors.
func NewDevelopment() *zap.Logger {
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
