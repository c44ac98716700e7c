package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/groblegark/pqbus/internal/clock"
	"github.com/groblegark/pqbus/internal/idgen"
	"github.com/groblegark/pqbus/internal/model"
	"github.com/groblegark/pqbus/internal/store"
)

// InsertObserver is notified after an entry insert has durably committed:
// immediately for standalone inserts, and on the committing goroutine for
// transactional inserts. It never fires for a rolled-back transaction.
type InsertObserver func(entry *model.EventEntry)

// DBBackedQueue wraps the storage port with the claim protocol: it owns the
// process's owner tag, the lease arithmetic, the retry backoff, and the
// post-commit insert notifications that let same-process observers react
// before the next poll tick.
type DBBackedQueue struct {
	store  store.Store
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	creatorName string
	ownerTag    string

	mu        sync.RWMutex
	observers []InsertObserver
}

// NewDBBackedQueue builds a queue over the given store. The creator name is
// the instance name at the local hostname; the owner tag appends a random
// suffix so that two processes with the same instance name on one host
// still claim under distinct owners.
func NewDBBackedQueue(st store.Store, cfg Config, clk clock.Clock, logger *slog.Logger) (*DBBackedQueue, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	creatorName := cfg.InstanceName + "@" + hostname
	ownerTag, err := idgen.GenerateWithPrefix(creatorName + "-")
	if err != nil {
		return nil, fmt.Errorf("queue: owner tag: %w", err)
	}

	return &DBBackedQueue{
		store:       st,
		cfg:         cfg,
		clock:       clk,
		logger:      logger,
		creatorName: creatorName,
		ownerTag:    ownerTag,
	}, nil
}

// CreatorName identifies this process in rows it writes.
func (q *DBBackedQueue) CreatorName() string {
	return q.creatorName
}

// OwnerTag identifies this process's claims.
func (q *DBBackedQueue) OwnerTag() string {
	return q.ownerTag
}

// Config returns the queue's effective configuration.
func (q *DBBackedQueue) Config() Config {
	return q.cfg
}

// Store exposes the underlying storage port for read-only inspection.
func (q *DBBackedQueue) Store() store.Store {
	return q.store
}

// Initialize prepares the queue for polling. It reaps claims whose lease
// elapsed while no process was around to finish them, which guarantees
// liveness after a crash. Safe to run more than once.
func (q *DBBackedQueue) Initialize(ctx context.Context) error {
	if _, err := q.ReapStaleClaims(ctx); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

// ReapStaleClaims resets IN_PROCESSING entries whose lease has elapsed back
// to AVAILABLE. The lifecycle also runs this periodically so rows orphaned
// by a dead claimer are reclaimed without a restart.
func (q *DBBackedQueue) ReapStaleClaims(ctx context.Context) (int64, error) {
	reset, err := q.store.ResetStaleClaims(ctx, q.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("reset stale claims: %w", err)
	}
	if reset > 0 {
		q.logger.Info("reclaimed stale in-processing events", "table", q.cfg.TableName, "count", reset)
	}
	return reset, nil
}

// OnInsert registers an observer for committed inserts.
func (q *DBBackedQueue) OnInsert(fn InsertObserver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, fn)
}

func (q *DBBackedQueue) notifyInsert(entry *model.EventEntry) {
	q.mu.RLock()
	observers := make([]InsertObserver, len(q.observers))
	copy(observers, q.observers)
	q.mu.RUnlock()
	for _, fn := range observers {
		fn(entry)
	}
}

// InsertEntry appends an entry and notifies observers once the write is
// durable.
func (q *DBBackedQueue) InsertEntry(ctx context.Context, entry *model.EventEntry) error {
	if err := q.store.Insert(ctx, entry); err != nil {
		return err
	}
	q.notifyInsert(entry)
	return nil
}

// InsertEntryFromTransaction appends an entry inside the caller's
// transaction. The insert commits or rolls back with the caller; observers
// are notified only after the commit succeeds.
func (q *DBBackedQueue) InsertEntryFromTransaction(ctx context.Context, tx *store.Tx, entry *model.EventEntry) error {
	if err := q.store.InsertTx(ctx, tx, entry); err != nil {
		return err
	}
	tx.OnCommit(func() {
		q.notifyInsert(entry)
	})
	return nil
}

// ClaimReadyEntries atomically claims up to the configured batch size of
// ready entries under this process's owner tag and lease.
func (q *DBBackedQueue) ClaimReadyEntries(ctx context.Context) ([]*model.EventEntry, error) {
	now := q.clock.Now()
	return q.store.ClaimReady(ctx, q.ownerTag, now, now.Add(q.cfg.ClaimLease), q.cfg.ClaimBatchSize)
}

// UpdateOnError writes a failed entry back as AVAILABLE with its error
// count already incremented by the caller and an available date pushed out
// by the retry backoff.
func (q *DBBackedQueue) UpdateOnError(ctx context.Context, entry *model.EventEntry) error {
	availableAt := q.clock.Now().Add(q.cfg.Backoff(entry.ErrorCount))
	entry.ProcessingAvailableDate = &availableAt
	return q.store.UpdateOnError(ctx, entry)
}

// MoveEntriesToHistory moves terminal entries to the history table in one
// batch.
func (q *DBBackedQueue) MoveEntriesToHistory(ctx context.Context, entries []*model.EventEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return q.store.MoveToHistory(ctx, entries)
}

// Now exposes the queue clock to collaborators that stamp rows.
func (q *DBBackedQueue) Now() time.Time {
	return q.clock.Now()
}
