package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the JSON production logger shared by every binary.
// An unknown level falls back to info.
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

// ForViewer tags every entry with the service and viewer identity so that
// logs from several viewers of one session can be interleaved and still read.
func ForViewer(log *zap.Logger, service, viewerID string) *zap.Logger {
	return log.With(zap.String("service", service), zap.String("viewer_id", viewerID))
}

func ParseLevel(level string) zapcore.Level {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(strings.ToLower(strings.TrimSpace(level))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
