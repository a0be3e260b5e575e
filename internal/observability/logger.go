// Package observability wires up structured logging for the CLI and the
// long-running server/worker processes.
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide logger used by the cmd package. Library code
// (scheduler, store, recorder, worker, ablation) never reads this global;
// it receives a *zap.Logger explicitly at construction time.
var CLILogger = mustBuildDefault()

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Profile is "console" (human-readable, TTY-friendly) or "json"
	// (structured, suited to log aggregation).
	Profile string
}

// New builds a *zap.Logger from Config, falling back to sane defaults for
// an empty Config.
func New(cfg Config) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if cfg.Profile == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	return zap.New(core), nil
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.Set(level); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

func mustBuildDefault() *zap.Logger {
	logger, err := New(Config{Level: "info", Profile: "console"})
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// SetCLILogger replaces the process-wide CLI logger, used once at startup
// after configuration has been loaded.
func SetCLILogger(l *zap.Logger) {
	if l != nil {
		CLILogger = l
	}
}
