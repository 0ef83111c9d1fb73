// Package store provides the durable persistence layer shared by the
// gateway, panel and kiosk services.
//
// One embedded SQLite database file per installation holds lockers, the
// append-only event log, the command queue, kiosk heartbeats and VIP
// contracts. The store is the single serialization point for cross-process
// correctness: every multi-row invariant is upheld inside a transaction
// here, and the write side is funnelled through a single connection so
// SQLite's locking semantics serialize writers.
//
// Repositories are method sets on *Store split per entity (lockers.go,
// commands.go, events.go, ...). Callers that need multi-entity atomicity
// use Store.Transaction and the Tx-suffixed repository variants.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config contains database configuration.
type Config struct {
	// Path is the SQLite database file path. ":memory:" opens an
	// in-memory database, used by tests.
	Path string `mapstructure:"path" validate:"required"`
}

// Store wraps the GORM handle and implements the typed repositories.
type Store struct {
	db     *gorm.DB
	config Config
}

// Open opens (creating if necessary) the database, applies the SQLite
// pragmas the deployment depends on, runs migrations and verifies their
// checksums. It fails hard on migration drift; a mismatch is operator
// territory, not something the process may repair.
func Open(config Config) (*Store, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if config.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// SQLite pragmas:
	// - journal_mode(WAL): concurrent readers with a single writer
	// - synchronous(FULL): commits are flushed before returning success
	// - busy_timeout(5000): wait up to 5 seconds when the database is locked
	// - foreign_keys(1): enforce the command->locker weak reference checks
	dsn := config.Path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Funnel all access through one connection. SQLite allows exactly one
	// writer; a second pooled connection would only turn lock contention
	// into SQLITE_BUSY errors.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s := &Store{db: db, config: config}

	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}

	return s, nil
}

// DB returns the underlying GORM handle. Useful for advanced queries and
// testing; production code goes through the repositories.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Transaction runs fn inside a database transaction. On error the
// transaction rolls back; otherwise it commits. State-changing callers
// rely on the commit having been flushed (synchronous=FULL) before
// Transaction returns nil.
func (s *Store) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// isUniqueConstraintError checks if the error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
