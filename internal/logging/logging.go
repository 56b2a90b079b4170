package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger = zap.SugaredLogger

// New builds the production logger. verbose or LOG_LEVEL=debug lowers the
// level to debug, which logs every lookup and cache decision.
func New(verbose bool) *Logger {
	cfg := zap.NewProductionConfig()
	level := zapcore.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if l, err := zapcore.ParseLevel(strings.ToLower(v)); err == nil {
			level = l
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}

// Nop is a logger that discards everything.
func Nop() *Logger { return zap.NewNop().Sugar() }
