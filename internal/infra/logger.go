package infra

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger собирает корневой zap-логгер из LoggerConfig.
// json — продовый энкодер, console — человекочитаемый для локального запуска.
func NewLogger(cfg LoggerConfig) (*zap.Logger, error) {
	var zc zap.Config
	switch cfg.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "", "json":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown logger format %q", cfg.Format)
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid logger level: %w", err)
		}
		zc.Level = level
	}

	return zc.Build()
}
