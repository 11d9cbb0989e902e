package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every log line.
const ServiceName = "weather-proxy"

// NewLogger builds the process logger: JSON with ISO8601 timestamps, level from
// LOG_LEVEL. LOG_FORMAT=console switches to the human-readable encoder for local runs.
func NewLogger() (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "console") {
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.Level = parseLogLevel(os.Getenv("LOG_LEVEL"))
	config.InitialFields = map[string]interface{}{"service": ServiceName}

	return config.Build()
}

func parseLogLevel(s string) zap.AtomicLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "WARN", "WARNING":
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case "ERROR":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}
