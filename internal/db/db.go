// Package db opens the postgres pool behind the gorm repository.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"sherpa/internal/config"
)

type DB struct {
	Gorm *gorm.DB
	SQL  *sql.DB
}

// Open connects, sizes the pool and pins the session time zone. Unique
// violations surface as gorm.ErrDuplicatedKey so the repository can tell a
// second live execution apart from other write failures.
func Open(ctx context.Context, cfg config.DBConfig, log *zap.Logger) (*DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("db: dsn is empty (set db.dsn or SHERPA_DB_DSN)")
	}
	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         newGormLogger(cfg, log),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	sqldb, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqldb.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := sqldb.PingContext(pctx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	out := &DB{Gorm: gdb, SQL: sqldb}
	if err := out.setTimezone(pctx, cfg.Timezone); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	return out, nil
}

func Close(db *DB) error {
	if db == nil || db.SQL == nil {
		return nil
	}
	return db.SQL.Close()
}

// setTimezone only accepts names the tz database knows, which also keeps
// the value safe to inline in SET TIME ZONE.
func (db *DB) setTimezone(ctx context.Context, tz string) error {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("db: timezone %q: %w", tz, err)
	}
	if _, err := db.SQL.ExecContext(ctx, "SET TIME ZONE '"+tz+"'"); err != nil {
		return fmt.Errorf("db: set timezone: %w", err)
	}
	return nil
}

// LogLevel maps the db.log_level setting onto gorm's levels.
func LogLevel(name string) gormlogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "error":
		return gormlogger.Error
	case "warn", "warning":
		return gormlogger.Warn
	case "info", "debug":
		return gormlogger.Info
	}
	return gormlogger.Silent
}

func newGormLogger(cfg config.DBConfig, log *zap.Logger) gormlogger.Interface {
	level := LogLevel(cfg.LogLevel)
	if log == nil || level == gormlogger.Silent {
		return gormlogger.Discard
	}
	slow := cfg.SlowThreshold
	if slow <= 0 {
		slow = 500 * time.Millisecond
	}
	return gormlogger.New(zapWriter{log: log.Named("gorm").Sugar()}, gormlogger.Config{
		SlowThreshold:             slow,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}

type zapWriter struct {
	log *zap.SugaredLogger
}

func (w zapWriter) Printf(format string, args ...any) {
	w.log.Infof(format, args...)
}
