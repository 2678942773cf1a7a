package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is a no-op until Init is called, so packages may log unconditionally.
var Log = zap.NewNop().Sugar()

// ParseLevel maps the CLI level names (debug, info, warning, error) to zap.
// Unknown names fall back to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Init initializes the global logger.
// If logPath is provided, logs are written to that file with size based rotation.
// Otherwise, they are written to stdout.
func Init(level string, logPath string) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	encoderConfig.EncodeCaller = nil

	var writer zapcore.WriteSyncer
	if logPath != "" {
		// No color codes in files
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    10,
			MaxBackups: 3,
		})
	} else {
		writer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		writer,
		ParseLevel(level),
	)

	Log = zap.New(core).Sugar()
}

// Sync flushes any buffered log entries.
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
