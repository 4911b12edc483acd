// Package store is the embedded relational persistence layer: a
// single SQLite file reached through sqlx, with additive schema
// migrations run at startup via goose. The store opens one handle
// limited to a single connection (SetMaxOpenConns(1)), so reads and
// writes alike are serialized at the connection-pool level, matching
// SQLite's single-writer model.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/store/migrations"
)

// Store wraps the embedded database and exposes the table-scoped
// query helpers the rest of the system uses. DeleteTask and the
// decision writes in decisions.go run their statements inside a single
// sqlx transaction via WithTx; callers outside this package do not open
// transactions themselves.
type Store struct {
	db     *sqlx.DB
	logger core.Logger
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger injects a structured logger; defaults to a no-op logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open creates (if needed) the database file at path, applies every
// pending goose migration, and returns a ready Store.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, core.NewFrameworkError("store.Open", "store", fmt.Errorf("create db directory: %w", err))
		}
	}

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, core.NewFrameworkError("store.Open", "store", fmt.Errorf("connect: %w", err))
	}
	// SQLite allows only one writer at a time; serialize writes at the
	// pool level rather than fighting SQLITE_BUSY at the statement level.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, core.NewFrameworkError("store.Open", "store", fmt.Errorf("goose dialect: %w", err))
	}
	if err := goose.Up(db.DB, "."); err != nil {
		return nil, core.NewFrameworkError("store.Open", "store", fmt.Errorf("migrate: %w", err))
	}

	s := &Store{db: db, logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sqlx.DB for packages (migrations,
// integration tests) that need direct access.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// WithTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.NewFrameworkError("store.WithTx", "store", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// execer is satisfied by both *sqlx.DB and *sqlx.Tx. The query helpers
// in this package run on s.db directly rather than through ext.
type execer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
}

func (s *Store) ext(tx *sqlx.Tx) execer {
	if tx != nil {
		return tx
	}
	return s.db
}
