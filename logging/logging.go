// Package logging builds the service's zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/anthonyo1978/taketwo-ndis-sub000/config"
)

// New returns a JSON production logger, or a console development logger when
// cfg.Format is "console".
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	switch cfg.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "json", "":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "time"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	return zc.Build()
}
