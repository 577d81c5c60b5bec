// Package logger provides a process-wide structured logger facade backed by zap.
package logger

import (
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	singleton.Store(build(os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL")))
}

// build constructs a SugaredLogger from the LOG_FORMAT/LOG_LEVEL conventions
// described in spec §6: LOG_FORMAT ∈ {console, ndjson}, LOG_LEVEL ∈
// {trace, debug, info, warning, error}.
func build(format, level string) *zap.SugaredLogger {
	var cfg zap.Config
	if format == "ndjson" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	log, err := cfg.Build()
	if err != nil {
		// Fall back to zap's minimal example logger rather than panicking at
		// import time.
		log = zap.NewExample()
	}
	return log.Sugar()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "warning", "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetForTest swaps the singleton logger, returning a restore function.
func SetForTest(l *zap.SugaredLogger) (restore func()) {
	prev := singleton.Swap(l)
	return func() { singleton.Store(prev) }
}

func get() *zap.SugaredLogger { return singleton.Load() }

// Debug logs at debug level.
func Debug(args ...interface{}) { get().Debug(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...interface{}) { get().Debugf(format, args...) }

// Debugw logs a message with key/value pairs at debug level.
func Debugw(msg string, kv ...interface{}) { get().Debugw(msg, kv...) }

// Info logs at info level.
func Info(args ...interface{}) { get().Info(args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...interface{}) { get().Infof(format, args...) }

// Infow logs a message with key/value pairs at info level.
func Infow(msg string, kv ...interface{}) { get().Infow(msg, kv...) }

// Warn logs at warn level.
func Warn(args ...interface{}) { get().Warn(args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...interface{}) { get().Warnf(format, args...) }

// Warnw logs a message with key/value pairs at warn level.
func Warnw(msg string, kv ...interface{}) { get().Warnw(msg, kv...) }

// Error logs at error level.
func Error(args ...interface{}) { get().Error(args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...interface{}) { get().Errorf(format, args...) }

// Errorw logs a message with key/value pairs at error level.
func Errorw(msg string, kv ...interface{}) { get().Errorw(msg, kv...) }

// Sync flushes any buffered log entries.
func Sync() error { return get().Sync() }
