// Copyright 2025 James Ross
package obs

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds a structured JSON logger at the given level. When
// logFile is non-empty, output is additionally rotated to disk via
// lumberjack instead of only going to stderr.
func NewLogger(level, logFile string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}

	if logFile == "" {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.Encoding = "json"
		return cfg.Build()
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.AddSync(rotator), lvl),
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), lvl),
	)
	return zap.New(core, zap.AddCaller()), nil
}

// Convenience typed fields, kept terse the way the rest of this
// package's callers expect.
func String(k, v string) zap.Field  { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field        { return zap.Error(err) }
