// Package logging builds the root zap logger for the replbridge binaries.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// LevelEnv overrides the configured level.
	LevelEnv = "REPLBRIDGE_LOG_LEVEL"
	// DebugEnv forces debug level, which traces every frame, when set to any non-empty value.
	DebugEnv = "DEBUG_REPL"
)

// Level resolves the effective level from level and the environment.
func Level(level string) (zapcore.Level, error) {
	if os.Getenv(DebugEnv) != "" {
		return zapcore.DebugLevel, nil
	}
	if env := os.Getenv(LevelEnv); env != "" {
		level = env
	}
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return l, fmt.Errorf("parsing log level: %w", err)
	}
	return l, nil
}

// New builds a logger writing to stderr.
// Development loggers use the console encoder, otherwise output is JSON.
func New(level string, development bool) (*zap.SugaredLogger, error) {
	l, err := Level(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(l)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar(), nil
}
