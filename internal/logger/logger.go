package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sherpa/internal/config"
)

// New builds the process logger. Every line carries the service name and
// deployment env so autopilot logs can be told apart in a shared sink.
func New(cfg config.LogConfig, env string) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	encoding := strings.ToLower(strings.TrimSpace(cfg.Encoding))
	if encoding != "console" {
		encoding = "json"
	}
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoding == "console" {
		enc = zap.NewDevelopmentEncoderConfig()
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zc := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Development,
		Encoding:          encoding,
		DisableCaller:     cfg.DisableCaller,
		DisableStacktrace: cfg.DisableStacktrace,
		EncoderConfig:     enc,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
	}
	if cfg.Sampling {
		zc.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}

	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = "sherpa-autopilot"
	}
	fields := []zap.Field{zap.String("service", service)}
	if env = strings.TrimSpace(env); env != "" {
		fields = append(fields, zap.String("env", env))
	}
	return zc.Build(zap.Fields(fields...))
}
