package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/groblegark/pqbus/internal/clock"
	"github.com/groblegark/pqbus/internal/model"
	"github.com/groblegark/pqbus/internal/store"
)

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T, st store.Store, cfg Config, clk clock.Clock) *DBBackedQueue {
	t.Helper()
	q, err := NewDBBackedQueue(st, cfg, clk, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func insertTestEntry(t *testing.T, q *DBBackedQueue, searchKey1, searchKey2 int64) *model.EventEntry {
	t.Helper()
	entry := model.NewEventEntry(q.CreatorName(), q.Now(), "events.Test", `{"n":1}`,
		uuid.New(), searchKey1, searchKey2)
	if err := q.InsertEntry(context.Background(), entry); err != nil {
		t.Fatalf("insert entry: %v", err)
	}
	return entry
}

// newMockDB creates a sqlmock database with automatic cleanup and
// expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

func TestClaimAppliesOwnerAndLease(t *testing.T) {
	st := newMockStore()
	clk := clock.NewManual(testEpoch)
	q := newTestQueue(t, st, Config{ClaimLease: time.Minute}, clk)

	entry := insertTestEntry(t, q, 1, 2)

	claimed, err := q.ClaimReadyEntries(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d entries, want 1", len(claimed))
	}

	got := claimed[0]
	if got.RecordID != entry.RecordID {
		t.Errorf("claimed record %d, want %d", got.RecordID, entry.RecordID)
	}
	if got.ProcessingState != model.StateInProcessing {
		t.Errorf("state = %s, want IN_PROCESSING", got.ProcessingState)
	}
	if got.ProcessingOwner != q.OwnerTag() {
		t.Errorf("owner = %q, want %q", got.ProcessingOwner, q.OwnerTag())
	}
	wantLease := testEpoch.Add(time.Minute)
	if got.ProcessingAvailableDate == nil || !got.ProcessingAvailableDate.Equal(wantLease) {
		t.Errorf("lease expiry = %v, want %v", got.ProcessingAvailableDate, wantLease)
	}

	// A second claim finds nothing while the lease holds.
	again, err := q.ClaimReadyEntries(context.Background())
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim returned %d entries, want 0", len(again))
	}
}

func TestClaimSkipsDeferredEntries(t *testing.T) {
	st := newMockStore()
	clk := clock.NewManual(testEpoch)
	q := newTestQueue(t, st, Config{}, clk)

	entry := insertTestEntry(t, q, 0, 0)
	deferred := testEpoch.Add(time.Hour)
	entry.ProcessingAvailableDate = &deferred
	if err := st.UpdateOnError(context.Background(), entry); err != nil {
		t.Fatalf("defer entry: %v", err)
	}

	claimed, err := q.ClaimReadyEntries(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d deferred entries, want 0", len(claimed))
	}

	clk.Advance(2 * time.Hour)
	claimed, err = q.ClaimReadyEntries(context.Background())
	if err != nil {
		t.Fatalf("claim after backoff: %v", err)
	}
	if len(claimed) != 1 {
		t.Errorf("claimed %d entries after backoff elapsed, want 1", len(claimed))
	}
}

func TestUpdateOnErrorAppliesBackoff(t *testing.T) {
	st := newMockStore()
	clk := clock.NewManual(testEpoch)
	q := newTestQueue(t, st, Config{RetryInterval: 30 * time.Second}, clk)

	entry := insertTestEntry(t, q, 0, 0)
	if _, err := q.ClaimReadyEntries(context.Background()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	retried := entry.RetryCopy(1, q.CreatorName(), clk.Now())
	if err := q.UpdateOnError(context.Background(), retried); err != nil {
		t.Fatalf("update on error: %v", err)
	}

	live := st.liveEntry(entry.RecordID)
	if live.ProcessingState != model.StateAvailable {
		t.Errorf("state = %s, want AVAILABLE", live.ProcessingState)
	}
	if live.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", live.ErrorCount)
	}
	wantAvailable := testEpoch.Add(30 * time.Second)
	if live.ProcessingAvailableDate == nil || !live.ProcessingAvailableDate.Equal(wantAvailable) {
		t.Errorf("available date = %v, want %v", live.ProcessingAvailableDate, wantAvailable)
	}
}

func TestConfigBackoff(t *testing.T) {
	fixed := Config{RetryInterval: 15 * time.Second}.WithDefaults()
	if got := fixed.Backoff(1); got != 15*time.Second {
		t.Errorf("fixed backoff = %v, want 15s", got)
	}
	if got := fixed.Backoff(100); got != 15*time.Second {
		t.Errorf("fixed backoff at high count = %v, want 15s", got)
	}

	capped := Config{
		RetryBackoff: func(errorCount int64) time.Duration {
			d := time.Duration(errorCount) * 10 * time.Second
			if d > 30*time.Second {
				return 30 * time.Second
			}
			return d
		},
	}.WithDefaults()
	if got := capped.Backoff(1); got != 10*time.Second {
		t.Errorf("capped backoff(1) = %v, want 10s", got)
	}
	if got := capped.Backoff(5); got != 30*time.Second {
		t.Errorf("capped backoff(5) = %v, want 30s", got)
	}

	negative := Config{
		RetryBackoff: func(int64) time.Duration { return -time.Second },
	}.WithDefaults()
	if got := negative.Backoff(1); got != 0 {
		t.Errorf("negative custom backoff clamps to %v, want 0", got)
	}
}

func TestInitializeReapsStaleClaims(t *testing.T) {
	st := newMockStore()
	clk := clock.NewManual(testEpoch)
	q := newTestQueue(t, st, Config{ClaimLease: time.Minute}, clk)

	entry := insertTestEntry(t, q, 0, 0)
	if _, err := q.ClaimReadyEntries(context.Background()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Lease still live: initialize leaves the claim alone.
	if err := q.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := st.liveEntry(entry.RecordID); got.ProcessingState != model.StateInProcessing {
		t.Fatalf("state after early initialize = %s, want IN_PROCESSING", got.ProcessingState)
	}

	// Lease elapsed, e.g. the claimer crashed: initialize reaps it.
	clk.Advance(2 * time.Minute)
	if err := q.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize after lease expiry: %v", err)
	}
	got := st.liveEntry(entry.RecordID)
	if got.ProcessingState != model.StateAvailable {
		t.Errorf("state after reap = %s, want AVAILABLE", got.ProcessingState)
	}
	if got.ProcessingOwner != "" {
		t.Errorf("owner after reap = %q, want empty", got.ProcessingOwner)
	}
}

func TestInsertNotifiesObservers(t *testing.T) {
	st := newMockStore()
	q := newTestQueue(t, st, Config{}, clock.NewManual(testEpoch))

	var notified []int64
	q.OnInsert(func(e *model.EventEntry) {
		notified = append(notified, e.RecordID)
	})

	entry := insertTestEntry(t, q, 0, 0)
	if len(notified) != 1 || notified[0] != entry.RecordID {
		t.Errorf("notifications = %v, want [%d]", notified, entry.RecordID)
	}
}

func TestTransactionalInsertNotifiesAfterCommitOnly(t *testing.T) {
	st := newMockStore()
	q := newTestQueue(t, st, Config{}, clock.NewManual(testEpoch))

	notified := 0
	q.OnInsert(func(*model.EventEntry) { notified++ })

	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	tx, err := store.Begin(context.Background(), db)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	entry := model.NewEventEntry(q.CreatorName(), q.Now(), "events.Test", `{}`, uuid.New(), 0, 0)
	if err := q.InsertEntryFromTransaction(context.Background(), tx, entry); err != nil {
		t.Fatalf("insert from transaction: %v", err)
	}
	if notified != 0 {
		t.Fatalf("observer fired before commit")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if notified != 1 {
		t.Errorf("notified %d times after commit, want 1", notified)
	}
}

func TestTransactionalInsertSkipsNotifyOnRollback(t *testing.T) {
	st := newMockStore()
	q := newTestQueue(t, st, Config{}, clock.NewManual(testEpoch))

	notified := 0
	q.OnInsert(func(*model.EventEntry) { notified++ })

	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	tx, err := store.Begin(context.Background(), db)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	entry := model.NewEventEntry(q.CreatorName(), q.Now(), "events.Test", `{}`, uuid.New(), 0, 0)
	if err := q.InsertEntryFromTransaction(context.Background(), tx, entry); err != nil {
		t.Fatalf("insert from transaction: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if notified != 0 {
		t.Errorf("observer fired %d times on rollback, want 0", notified)
	}
}

func TestOwnerTagsAreDistinct(t *testing.T) {
	st := newMockStore()
	a := newTestQueue(t, st, Config{}, clock.NewManual(testEpoch))
	b := newTestQueue(t, st, Config{}, clock.NewManual(testEpoch))
	if a.OwnerTag() == b.OwnerTag() {
		t.Errorf("two queues share owner tag %q", a.OwnerTag())
	}
	if a.CreatorName() != b.CreatorName() {
		t.Errorf("creator names differ: %q vs %q", a.CreatorName(), b.CreatorName())
	}
}
