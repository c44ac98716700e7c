package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/groblegark/pqbus/internal/model"
	"github.com/groblegark/pqbus/internal/store"
)

// mockStore is an in-memory store.Store honoring the claim contract. Used
// by the queue and lifecycle tests.
type mockStore struct {
	mu      sync.Mutex
	nextID  int64
	live    map[int64]*model.EventEntry
	history map[int64]*model.EventEntry

	insertErr error
	claimErr  error
	moveErr   error
}

var _ store.Store = (*mockStore)(nil)

func newMockStore() *mockStore {
	return &mockStore{
		live:    make(map[int64]*model.EventEntry),
		history: make(map[int64]*model.EventEntry),
	}
}

func (m *mockStore) Insert(_ context.Context, entry *model.EventEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.nextID++
	entry.RecordID = m.nextID
	copied := *entry
	m.live[entry.RecordID] = &copied
	return nil
}

func (m *mockStore) InsertTx(ctx context.Context, _ *store.Tx, entry *model.EventEntry) error {
	return m.Insert(ctx, entry)
}

func (m *mockStore) ClaimReady(_ context.Context, owner string, now, leaseUntil time.Time, limit int) ([]*model.EventEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}

	var claimed []*model.EventEntry
	for _, e := range m.sortedLive() {
		if len(claimed) >= limit {
			break
		}
		if e.ProcessingState != model.StateAvailable {
			continue
		}
		if e.ProcessingAvailableDate != nil && e.ProcessingAvailableDate.After(now) {
			continue
		}
		lease := leaseUntil
		e.ProcessingState = model.StateInProcessing
		e.ProcessingOwner = owner
		e.ProcessingAvailableDate = &lease
		copied := *e
		claimed = append(claimed, &copied)
	}
	return claimed, nil
}

func (m *mockStore) UpdateOnError(_ context.Context, entry *model.EventEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live[entry.RecordID]
	if !ok {
		return fmt.Errorf("mock: record %d not found", entry.RecordID)
	}
	e.ProcessingState = model.StateAvailable
	e.ProcessingOwner = ""
	e.ProcessingAvailableDate = entry.ProcessingAvailableDate
	e.ErrorCount = entry.ErrorCount
	return nil
}

func (m *mockStore) MoveToHistory(_ context.Context, entries []*model.EventEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.moveErr != nil {
		return m.moveErr
	}
	for _, e := range entries {
		if _, dup := m.history[e.RecordID]; !dup {
			copied := *e
			m.history[e.RecordID] = &copied
		}
		delete(m.live, e.RecordID)
	}
	return nil
}

func (m *mockStore) ResetStaleClaims(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reset int64
	for _, e := range m.live {
		if e.ProcessingState != model.StateInProcessing {
			continue
		}
		if e.ProcessingAvailableDate != nil && e.ProcessingAvailableDate.After(now) {
			continue
		}
		e.ProcessingState = model.StateAvailable
		e.ProcessingOwner = ""
		reset++
	}
	return reset, nil
}

func (m *mockStore) GetInProcessing(_ context.Context) ([]*model.EventEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.EventEntry
	for _, e := range m.sortedLive() {
		if e.ProcessingState == model.StateInProcessing {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *mockStore) GetReady(_ context.Context, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error) {
	return m.selectByState(searchKey1, searchKey2, model.StateAvailable)
}

func (m *mockStore) GetReadyTx(ctx context.Context, _ *store.Tx, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error) {
	return m.GetReady(ctx, searchKey1, searchKey2)
}

func (m *mockStore) GetReadyOrInProcessing(_ context.Context, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error) {
	return m.selectByState(searchKey1, searchKey2, model.StateAvailable, model.StateInProcessing)
}

func (m *mockStore) GetReadyOrInProcessingTx(ctx context.Context, _ *store.Tx, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error) {
	return m.GetReadyOrInProcessing(ctx, searchKey1, searchKey2)
}

func (m *mockStore) Close() error { return nil }

func (m *mockStore) selectByState(searchKey1 *int64, searchKey2 int64, states ...model.ProcessingState) ([]*model.EventEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.EventEntry
	for _, e := range m.sortedLive() {
		if e.SearchKey2 != searchKey2 {
			continue
		}
		if searchKey1 != nil && e.SearchKey1 != *searchKey1 {
			continue
		}
		for _, st := range states {
			if e.ProcessingState == st {
				copied := *e
				out = append(out, &copied)
				break
			}
		}
	}
	return out, nil
}

// sortedLive returns live entries ordered by record id. Callers hold mu.
func (m *mockStore) sortedLive() []*model.EventEntry {
	out := make([]*model.EventEntry, 0, len(m.live))
	for _, e := range m.live {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out
}

// snapshots used by assertions.

func (m *mockStore) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *mockStore) historyEntry(id int64) *model.EventEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.history[id]
	if !ok {
		return nil
	}
	copied := *e
	return &copied
}

func (m *mockStore) historyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

func (m *mockStore) liveEntry(id int64) *model.EventEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live[id]
	if !ok {
		return nil
	}
	copied := *e
	return &copied
}
