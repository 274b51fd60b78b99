// Package duckdb implements a storage backend on DuckDB.
//
// All scopes of a Storage (the root and one per nested producer) share one
// connection and one open transaction. The transaction is begun by the
// first statement after a Commit or Rollback, so readers see their own
// uncommitted writes.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/logging"
	"github.com/xtxerr/obshub/internal/storage"
)

// Kind is the backend kind registered with the storage factory.
const Kind = "duckdb"

func init() {
	storage.Register(Kind, func(cfg storage.Config) (storage.Module, error) {
		c := DefaultConfig()
		c.DSN = cfg.DSN
		c.Name = cfg.Name
		return New(c)
	})
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds backend configuration options.
type Config struct {
	// DSN is the database file. Empty means an in-memory database.
	DSN string

	// Name labels the storage in logs.
	Name string

	// QueryTimeout bounds statements run without a caller deadline.
	QueryTimeout time.Duration

	// MemoryLimit is passed to DuckDB's memory_limit setting when set.
	MemoryLimit string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueryTimeout: 30 * time.Second,
	}
}

// =============================================================================
// Storage
// =============================================================================

// Storage is a DuckDB storage module with FOI and sub-store support.
//
// Storage is safe for concurrent use.
type Storage struct {
	*scope

	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	db     *sql.DB
	tx     *sql.Tx
	closed bool

	running   atomic.Bool
	commits   atomic.Int64
	rollbacks atomic.Int64
	aborts    atomic.Int64
}

// New creates a storage. The database is opened by Start.
func New(cfg Config) (*Storage, error) {
	if cfg.QueryTimeout <= 0 {
		return nil, errors.NewValidation("query_timeout", "must be positive")
	}
	if cfg.Name == "" {
		cfg.Name = Kind
	}

	s := &Storage{
		cfg:    cfg,
		logger: logging.Component("storage.duckdb").With("storage", cfg.Name),
	}
	s.scope = &scope{s: s, id: rootScope}
	return s, nil
}

// Start opens the database and creates missing tables.
func (s *Storage) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.Wrapf(errors.ErrAlreadyStarted, "storage %s", s.cfg.Name)
	}

	db, err := sql.Open("duckdb", s.cfg.DSN)
	if err != nil {
		s.running.Store(false)
		return errors.Wrap(errors.Join(errors.ErrInstantiation, err), "open database")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		s.running.Store(false)
		return errors.Wrap(errors.Join(errors.ErrInstantiation, err), "ping database")
	}

	if s.cfg.MemoryLimit != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET memory_limit='%s'", s.cfg.MemoryLimit)); err != nil {
			db.Close()
			s.running.Store(false)
			return fmt.Errorf("set memory limit: %w", err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		s.running.Store(false)
		return fmt.Errorf("migrate: %w", err)
	}

	s.mu.Lock()
	s.db = db
	s.closed = false
	s.mu.Unlock()

	s.logger.Info("storage started", "dsn", s.cfg.DSN)
	return nil
}

// Stop discards uncommitted changes and closes the database.
func (s *Storage) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	s.closed = true

	err := s.db.Close()
	s.logger.Info("storage stopped")
	return err
}

// Stats holds transaction statistics.
type Stats struct {
	Commits   int64
	Rollbacks int64

	// Aborts counts transactions discarded after a failed statement.
	Aborts int64
}

// Stats returns a snapshot of transaction statistics.
func (s *Storage) Stats() Stats {
	return Stats{
		Commits:   s.commits.Load(),
		Rollbacks: s.rollbacks.Load(),
		Aborts:    s.aborts.Load(),
	}
}

// withTx runs fn inside the shared transaction.
//
// A failed statement aborts a DuckDB transaction, so the transaction is
// rolled back when fn fails and its pending changes are lost.
func (s *Storage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil || s.closed {
		return errors.Wrapf(errors.ErrNotStarted, "storage %s", s.cfg.Name)
	}

	if s.tx == nil {
		// The transaction outlives ctx.
		tx, err := s.db.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		s.tx = tx
	}

	if err := fn(s.tx); err != nil {
		if !isClientError(err) {
			_ = s.tx.Rollback()
			s.tx = nil
			s.aborts.Add(1)
			s.logger.Warn("transaction aborted, pending changes discarded", "error", err)
		}
		return err
	}
	return nil
}

// isClientError reports errors raised before any statement failed.
func isClientError(err error) bool {
	return errors.IsNotFound(err) ||
		errors.Is(err, errors.ErrAlreadyExists) ||
		errors.Is(err, errors.ErrInvalidConfig)
}

func (s *Storage) commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		s.commits.Add(1)
		return nil
	}

	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.commits.Add(1)
	return nil
}

func (s *Storage) rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rollbacks.Add(1)
	if s.tx == nil {
		return nil
	}

	err := s.tx.Rollback()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// Query runs an ad-hoc SQL query and returns rows as column maps.
// This is useful for debugging from the console.
func (s *Storage) Query(ctx context.Context, query string) ([]map[string]any, error) {
	var results []map[string]any

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		columns, err := rows.Columns()
		if err != nil {
			return err
		}

		for rows.Next() {
			values := make([]any, len(columns))
			valuePtrs := make([]any, len(columns))
			for i := range values {
				valuePtrs[i] = &values[i]
			}

			if err := rows.Scan(valuePtrs...); err != nil {
				return err
			}

			row := make(map[string]any, len(columns))
			for i, col := range columns {
				row[col] = values[i]
			}
			results = append(results, row)
		}
		return rows.Err()
	})
	return results, err
}
