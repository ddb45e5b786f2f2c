package infra

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the log sink.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // Empty logs to stderr only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"` // Also log to stderr when File is set
}

// DefaultLogConfig returns the default log settings: 2 MiB files, three backups.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		MaxSizeMB:  2,
		MaxBackups: 3,
	}
}

// NewLogger builds a JSON logger writing to a size-rotated file and/or stderr.
// The returned cleanup syncs the logger and closes the file.
func NewLogger(cfg LogConfig) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	var (
		cores   []zapcore.Core
		rotator *lumberjack.Logger
	)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}
	if cfg.File == "" || cfg.Console {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	cleanup := func() {
		_ = logger.Sync()
		if rotator != nil {
			_ = rotator.Close()
		}
	}
	return logger, cleanup, nil
}
