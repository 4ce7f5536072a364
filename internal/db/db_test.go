package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"sherpa/internal/config"
)

func TestLogLevel(t *testing.T) {
	require.Equal(t, gormlogger.Silent, LogLevel(""))
	require.Equal(t, gormlogger.Silent, LogLevel("silent"))
	require.Equal(t, gormlogger.Error, LogLevel("ERROR"))
	require.Equal(t, gormlogger.Warn, LogLevel(" warn "))
	require.Equal(t, gormlogger.Info, LogLevel("debug"))
}

func TestNewGormLogger_SilentDiscards(t *testing.T) {
	require.Equal(t, gormlogger.Discard, newGormLogger(config.DBConfig{LogLevel: "silent"}, zap.NewNop()))
	require.Equal(t, gormlogger.Discard, newGormLogger(config.DBConfig{LogLevel: "info"}, nil))
	require.NotEqual(t, gormlogger.Discard, newGormLogger(config.DBConfig{LogLevel: "warn"}, zap.NewNop()))
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), config.DBConfig{}, zap.NewNop())
	require.ErrorContains(t, err, "dsn is empty")
}

func TestSetTimezone_RejectsUnknownZone(t *testing.T) {
	err := (&DB{}).setTimezone(context.Background(), "Mars/Olympus'; DROP TABLE executions; --")
	require.ErrorContains(t, err, "timezone")
	require.NoError(t, (&DB{}).setTimezone(context.Background(), ""))
}
