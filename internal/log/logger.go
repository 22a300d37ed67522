package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/leafsii/stash/pkg/kv"
)

func NewLogger(env string) (*zap.Logger, error) {
	var config zap.Config

	if env == "prod" {
		config = zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	} else {
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder

	return config.Build()
}

func NewSugar(env string) (*zap.SugaredLogger, error) {
	logger, err := NewLogger(env)
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// KVLogFunc routes store lifecycle events to logger at info level.
func KVLogFunc(logger *zap.SugaredLogger) kv.LogFunc {
	named := logger.Named("kv")
	return func(msg string, fields ...any) {
		named.Infow(msg, fields...)
	}
}
