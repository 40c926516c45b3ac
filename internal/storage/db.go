// Package storage is the gorm-backed store: point-in-time snapshots for
// access resolution, versioned mutation apply, notification dedup rows and
// the append-only audit log.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"teamcal/internal/apperr"
	"teamcal/internal/config"
)

// Open connects to the configured database and configures the pool.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// Migrate creates or updates every table the store uses.
func Migrate(db *gorm.DB) error {
	models := []interface{}{
		&userRow{},
		&teamRow{},
		&membershipRow{},
		&calendarRow{},
		&calendarGrantRow{},
		&projectRow{},
		&projectGrantRow{},
		&eventRow{},
		&taskRow{},
		&fileRow{},
		&notificationRow{},
		&preferenceRow{},
		&auditRow{},
		&mutationRow{},
		&resourceVersionRow{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// classify maps driver errors onto apperr kinds. Lock contention, dropped
// connections and serialization failures are transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Transient(op, err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"database is locked",
		"database table is locked",
		"busy",
		"connection refused",
		"connection reset",
		"broken pipe",
		"deadlock",
		"could not serialize",
		"sqlstate 40001",
		"sqlstate 40p01",
		"too many connections",
	} {
		if strings.Contains(msg, marker) {
			return apperr.Transient(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// NewMemory opens a migrated in-memory SQLite store. Every connection to
// ":memory:" is a separate database, so the pool is pinned to one.
func NewMemory() (*Store, error) {
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return New(db), nil
}
