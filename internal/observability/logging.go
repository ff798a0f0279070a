package observability

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels used with logr's V().
const (
	DEFAULT = 0
	VERBOSE = 1
	DEBUG   = 2
	TRACE   = 3
)

type LogConfig struct {
	Level       string
	Development bool
}

// NewLogger builds the process root logger. Level accepts the zap names
// (error, warn, info) plus verbose, debug and trace, which map onto the logr
// verbosity constants above.
func NewLogger(cfg LogConfig) (logr.Logger, error) {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return logr.Discard(), err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zlog, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), fmt.Errorf("build zap logger: %w", err)
	}
	return zapr.NewLogger(zlog), nil
}

// NewTestLogger returns a development logger that prints everything up to
// TRACE.
func NewTestLogger() logr.Logger {
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-1 * TRACE))
	zlog, err := zcfg.Build()
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zlog)
}

func parseLevel(raw string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "verbose":
		return zapcore.Level(-1 * VERBOSE), nil
	case "debug":
		return zapcore.Level(-1 * DEBUG), nil
	case "trace":
		return zapcore.Level(-1 * TRACE), nil
	}
	lvl, err := zapcore.ParseLevel(raw)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
	return lvl, nil
}
