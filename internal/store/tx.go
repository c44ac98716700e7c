package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Tx wraps *sql.Tx with post-commit callbacks. Callbacks registered via
// OnCommit run synchronously on the committing goroutine, after Commit
// returns success, and never run on rollback or commit failure.
type Tx struct {
	tx *sql.Tx

	mu       sync.Mutex
	onCommit []func()
	done     bool
}

// Begin opens a transaction on db and wraps it.
func Begin(ctx context.Context, db *sql.DB) (*Tx, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Wrap adopts an already-open transaction, e.g. one begun by the caller's
// business logic before posting events from it.
func Wrap(tx *sql.Tx) *Tx {
	return &Tx{tx: tx}
}

// Sql exposes the underlying transaction for the caller's own statements.
func (t *Tx) Sql() *sql.Tx {
	return t.tx
}

// OnCommit registers fn to run after a successful commit.
func (t *Tx) OnCommit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCommit = append(t.onCommit, fn)
}

// Commit commits the transaction and then runs the registered callbacks in
// registration order.
func (t *Tx) Commit() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return sql.ErrTxDone
	}
	t.done = true
	hooks := t.onCommit
	t.onCommit = nil
	t.mu.Unlock()

	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Rollback aborts the transaction; registered callbacks are discarded.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return sql.ErrTxDone
	}
	t.done = true
	t.onCommit = nil
	t.mu.Unlock()

	return t.tx.Rollback()
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}
