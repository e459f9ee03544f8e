// Package logging wraps go.uber.org/zap the way the rest of the example
// pack does it: silent by default, enabled by an explicit level or an
// environment variable, console-encoded for a human reading a terminal.
// Adapted from muurk-smartap's internal/logging, trimmed of its
// websocket/TLS helpers and given link-layer ones instead.
package logging

import (
	"encoding/hex"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// LevelEnvVar controls verbosity when Initialize is called with an empty
// level. Unset means silent: no log output at all, matching the teacher
// pack's CLI-friendly default.
const LevelEnvVar = "CHIRPCHIRP_LOG_LEVEL"

// Initialize builds the global logger at the given level ("debug", "info",
// "warn", "error"). An empty level falls back to LevelEnvVar, and an empty
// result from that falls back to a no-op logger.
func Initialize(level string) error {
	if level == "" {
		level = os.Getenv(LevelEnvVar)
	}
	if level == "" {
		logger = zap.NewNop()
		return nil
	}

	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	built, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("logging: build zap config: %w", err)
	}
	logger = built
	return nil
}

// InitializeFromEnv is Initialize("").
func InitializeFromEnv() error { return Initialize("") }

// GetLogger returns the global logger, defaulting to silent if Initialize
// was never called.
func GetLogger() *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger
}

func Info(msg string, fields ...zap.Field)  { GetLogger().Info(msg, fields...) }
func Debug(msg string, fields ...zap.Field) { GetLogger().Debug(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { GetLogger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { GetLogger().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { GetLogger().Fatal(msg, fields...) }

// LogOutcome logs one concluded SendMessage cycle.
func LogOutcome(seq byte, outcome string, attempts int, rssiDbm *int) {
	fields := []zap.Field{
		zap.Int("seq", int(seq)),
		zap.String("outcome", outcome),
		zap.Int("attempts", attempts),
	}
	if rssiDbm != nil {
		fields = append(fields, zap.Int("rssi_dbm", *rssiDbm))
	}
	Info("message concluded", fields...)
}

// LogRawBytes dumps raw wire bytes at debug level, useful when diagnosing a
// framing mismatch against a real radio.
func LogRawBytes(label string, data []byte) {
	Debug(label,
		zap.Int("length", len(data)),
		zap.String("hex", hexDump(data)),
	)
}

func hexDump(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if len(data) > 256 {
		return hex.EncodeToString(data[:256]) + "..."
	}
	return hex.EncodeToString(data)
}

// Sync flushes any buffered log entries; call before process exit.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
