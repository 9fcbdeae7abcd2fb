package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/core"
)

// Store implements Client over database/sql with the pq driver.
type Store struct {
	db *sql.DB
}

// Open connects, verifies connectivity and applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Transact runs fn in a transaction, translating driver errors that
// carry domain meaning (balance check, unique violations) into typed
// conflict errors.
func (s *Store) Transact(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, false, fn)
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return core.Wrap(core.KindUnavailable, err, "database unavailable")
	}
	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return translatePQ(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return translatePQ(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// translatePQ maps constraint failures onto domain error kinds so the
// engines can rely on the database as the last line of defense.
func translatePQ(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505": // unique_violation
		return core.Wrap(core.KindConflict, err, "duplicate record")
	case "23514": // check_violation
		return core.Wrap(core.KindConflict, err, "balance or amount constraint violated")
	case "40001", "40P01": // serialization failure, deadlock
		return core.Wrap(core.KindConflict, err, "concurrent update, retry")
	}
	return err
}

// pgTx implements Tx over one *sql.Tx. Entity methods live in the
// per-entity files of this package.
type pgTx struct {
	tx *sql.Tx
}

var errNoRows = sql.ErrNoRows

func notFound(entity string, err error) error {
	if errors.Is(err, errNoRows) {
		return core.E(core.KindNotFound, "%s not found", entity)
	}
	return err
}
