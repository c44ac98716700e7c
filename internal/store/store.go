// Package store defines the narrow data-access port the queue engine
// depends on. Any storage backend that honors the claim atomicity contract
// can sit behind it.
package store

import (
	"context"
	"time"

	"github.com/groblegark/pqbus/internal/model"
)

// Store is the persistence contract for one bus queue (a live table plus
// its parallel history table).
type Store interface {
	// Insert appends an entry to the live table.
	Insert(ctx context.Context, entry *model.EventEntry) error

	// InsertTx appends an entry bound to the caller's transaction; it
	// commits or rolls back with it.
	InsertTx(ctx context.Context, tx *Tx, entry *model.EventEntry) error

	// ClaimReady atomically selects up to limit AVAILABLE entries whose
	// available date is at or before now, flips them to IN_PROCESSING owned
	// by owner with the lease expiry as the new available date, and returns
	// the updated entries. An entry is returned to at most one claimer,
	// across goroutines and across processes sharing the table.
	ClaimReady(ctx context.Context, owner string, now, leaseUntil time.Time, limit int) ([]*model.EventEntry, error)

	// UpdateOnError writes back a retried entry: AVAILABLE state, its new
	// error count, and its backoff-adjusted available date.
	UpdateOnError(ctx context.Context, entry *model.EventEntry) error

	// MoveToHistory inserts each terminal entry into the history table and
	// deletes it from the live table. Re-running after a partial failure
	// must not duplicate history rows.
	MoveToHistory(ctx context.Context, entries []*model.EventEntry) error

	// ResetStaleClaims flips IN_PROCESSING entries whose lease elapsed
	// before now back to AVAILABLE and reports how many were reset.
	ResetStaleClaims(ctx context.Context, now time.Time) (int64, error)

	// GetInProcessing returns the live entries currently under claim.
	GetInProcessing(ctx context.Context) ([]*model.EventEntry, error)

	// GetReady returns AVAILABLE entries matching the search keys. A nil
	// searchKey1 filters on searchKey2 alone.
	GetReady(ctx context.Context, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error)

	// GetReadyTx is GetReady evaluated inside the caller's transaction.
	GetReadyTx(ctx context.Context, tx *Tx, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error)

	// GetReadyOrInProcessing returns AVAILABLE and IN_PROCESSING entries
	// matching the search keys.
	GetReadyOrInProcessing(ctx context.Context, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error)

	// GetReadyOrInProcessingTx is the transactional variant.
	GetReadyOrInProcessingTx(ctx context.Context, tx *Tx, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error)

	// Close releases the underlying connection pool.
	Close() error
}
