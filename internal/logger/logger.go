package logger

import (
	"github.com/azuranistirah-beep/canonsite-sub000/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a new zap.Logger instance based on the provided configuration.
// "json" selects the production encoder; anything else gets the console encoder.
func NewLogger(cfg config.Logger) (*zap.Logger, error) {
	logLevel, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
		// Quote bursts would otherwise be sampled away.
		zcfg.Sampling = nil
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(logLevel)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zcfg.Build(zap.Fields(zap.String("service", "settlement-engine")))
}
