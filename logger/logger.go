package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the JSON zap logger shared by the API, syncd and the tools.
// Every entry carries the service and host so logs from the API process and
// a separate syncd can be told apart. Debug lowers the level and turns off
// sampling so per-batch engine logs are not dropped.
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.Sampling = nil
	}
	host, _ := os.Hostname()
	cfg.InitialFields = map[string]any{"service": "racesync", "host": host}
	return cfg.Build()
}
