package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
)

// Supported store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown store driver")

// sqlitePragmas mirror the settings used for single-file SQLite deployments:
// WAL for concurrent reads and a busy timeout for lock contention.
var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
}

// Open creates the Store selected by driver.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (Store, error) {
	switch driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return openSQLite(ctx, dsn, logger)
	case DriverPostgres:
		s, err := NewGormStore(ctx, postgres.Open(dsn), logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// openSQLite opens a SQLite-backed GormStore limited to a single connection,
// since SQLite allows only one writer at a time.
func openSQLite(ctx context.Context, dsn string, logger *zap.Logger) (*GormStore, error) {
	s, err := NewGormStore(ctx, sqlite.Open(dsn), logger)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	for _, pragma := range sqlitePragmas {
		if err := s.db.WithContext(ctx).Exec(pragma).Error; err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return s, nil
}
