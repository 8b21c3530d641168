// Package monitoring owns the process logger.
//
// Components log through a *zap.Logger handed to them at construction and
// fall back to L(). Logf remains for call sites that only need a printf-style
// diagnostic line.
package monitoring

import (
	"fmt"
	"log"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var current atomic.Pointer[zap.Logger]

// L returns the process logger, or a no-op logger before NewLogger runs.
func L() *zap.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// Or returns l, or the process logger when l is nil.
func Or(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return L()
}

// NewLogger builds the process logger. Format "json" selects the production
// encoder, anything else the development console encoder. The logger is
// installed as L() and Logf is routed through it.
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	cfg := zap.NewDevelopmentConfig()
	if format == "json" {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	Install(logger)
	return logger, nil
}

// Install makes logger the process logger.
func Install(logger *zap.Logger) {
	current.Store(logger)
	zap.ReplaceGlobals(logger)
	SetLogger(logger.Sugar().Infof)
}
