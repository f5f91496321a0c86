// Package logging wraps zap into the Key/value logger used throughout
// the daemon's loop-driven packages — statemachine, killer, reaper,
// dispatcher, supervisor all log through this rather than each picking
// its own backend.
package logging

import (
	"strings"

	"go.uber.org/zap"
)

// Logger is a thin sugared-zap wrapper, kept as a distinct type (rather
// than importing *zap.SugaredLogger directly everywhere) so the rest of
// the tree depends on one small interface-ish surface.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New builds a Logger for the given mode ("production" or "development";
// anything else falls back to development, which logs human-readable
// console output instead of JSON).
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{sugar: zl.Sugar()}, nil
}

// Default returns a best-effort development-mode Logger for package-level
// loggers that need a value before any config has loaded. It never
// returns nil: if zap construction somehow fails, it falls back to
// zap.NewNop() wrapped the same way.
func Default() *Logger {
	l, err := New("development")
	if err != nil {
		nop := zap.NewNop()
		return &Logger{sugar: nop.Sugar()}
	}
	return l
}

func (l *Logger) Sync() { _ = l.sugar.Sync() }

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) { l.sugar.Debugw(msg, keysAndValues...) }
func (l *Logger) Info(msg string, keysAndValues ...interface{})  { l.sugar.Infow(msg, keysAndValues...) }
func (l *Logger) Warn(msg string, keysAndValues ...interface{})  { l.sugar.Warnw(msg, keysAndValues...) }
func (l *Logger) Error(msg string, keysAndValues ...interface{}) { l.sugar.Errorw(msg, keysAndValues...) }

// With returns a child Logger carrying the given fields on every call.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(keysAndValues...)}
}
