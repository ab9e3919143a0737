// Package logging is the central zap wrapper for the whole application.
// It builds a console and/or rotating-file core from Settings and exposes
// package-level helpers so call sites stay terse. Level changes after Init
// are possible through the atomic level without rebuilding the core.
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options mirrors the LOG_* settings group.
type Options struct {
	Dir           string
	Level         string
	Format        string // "text" or "json"
	MaxBytes      int
	BackupCount   int
	RetentionDays int
	Console       bool
	File          bool
}

var (
	mu       sync.Mutex
	log      = zap.NewNop()
	logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// Init builds the global logger. Safe to call once at startup; subsequent
// calls rebuild the core (used by tests).
func Init(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	logLevel.SetLevel(parseLevel(opts.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encCfg.EncodeDuration = zapcore.StringDurationEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(opts.Format, "json") {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var cores []zapcore.Core
	if opts.Console {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), logLevel))
	}
	if opts.File {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return err
		}
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "gryag.log"),
			MaxSize:    max(1, opts.MaxBytes/(1024*1024)), // lumberjack counts megabytes
			MaxBackups: opts.BackupCount,
			MaxAge:     opts.RetentionDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), logLevel))
	}
	if len(cores) == 0 {
		// Both sinks disabled: keep errors visible anyway.
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), zap.NewAtomicLevelAt(zap.ErrorLevel)))
	}

	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	return nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Logger returns the current zap.Logger for callers that need the raw API.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return log
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() { _ = Logger().Sync() }

// Debug writes a structured Debug message.
func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }

// Info writes a structured Info message.
func Info(msg string, fields ...zap.Field) { Logger().Info(msg, fields...) }

// Warn writes a structured Warn message.
func Warn(msg string, fields ...zap.Field) { Logger().Warn(msg, fields...) }

// Error writes a structured Error message.
func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }
