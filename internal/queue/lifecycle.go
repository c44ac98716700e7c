package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/groblegark/pqbus/internal/model"
)

// DispatchFunc delivers one claimed entry to its handlers. A non-nil error
// marks the delivery attempt as failed.
type DispatchFunc func(ctx context.Context, entry *model.EventEntry) error

// TimerSink observes the duration of each dispatch. The engine treats it as
// opaque; metric registries plug in here.
type TimerSink func(elapsed time.Duration)

type lifecycleState int

const (
	stateNew lifecycleState = iota
	stateStarted
	stateStopped
)

// ErrShutdownTimeout is returned by Stop when in-flight dispatches did not
// drain within the shutdown deadline. The workers keep their goroutines;
// unclaimed rows stay AVAILABLE and leased rows are reclaimed after lease
// expiry.
var ErrShutdownTimeout = fmt.Errorf("queue: shutdown deadline elapsed before workers drained")

// Lifecycle drives one queue: a single poll loop claims ready entries in
// batches and spreads them over a bounded worker set for dispatch, then
// stages the batch's terminal rows into history in one move.
type Lifecycle struct {
	queue    *DBBackedQueue
	dispatch DispatchFunc
	timer    TimerSink
	logger   *slog.Logger

	mu     sync.Mutex
	state  lifecycleState
	stopCh chan struct{}
	doneCh chan struct{}
	wakeCh chan struct{}
}

// NewLifecycle builds a runner for the queue. The dispatch function is
// invoked from worker goroutines and must be safe for concurrent use.
func NewLifecycle(q *DBBackedQueue, dispatch DispatchFunc, timer TimerSink, logger *slog.Logger) *Lifecycle {
	if timer == nil {
		timer = func(time.Duration) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		queue:    q,
		dispatch: dispatch,
		timer:    timer,
		logger:   logger,
		wakeCh:   make(chan struct{}, 1),
	}
}

// Start initializes the queue and launches the poll loop. Starting a
// started lifecycle is a no-op; starting after Stop re-runs initialization.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateStarted {
		return nil
	}

	if err := l.queue.Initialize(ctx); err != nil {
		return err
	}

	l.state = stateStarted
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.run(ctx, l.stopCh, l.doneCh)

	l.logger.Info("queue lifecycle started",
		"table", l.queue.Config().TableName,
		"owner", l.queue.OwnerTag(),
		"threads", l.queue.Config().NbThreads)
	return nil
}

// Stop signals the poll loop to drain and waits for in-flight dispatches up
// to the shutdown deadline. Stopping a non-started lifecycle is a no-op.
func (l *Lifecycle) Stop() error {
	l.mu.Lock()
	if l.state != stateStarted {
		l.mu.Unlock()
		return nil
	}
	l.state = stateStopped
	stopCh, doneCh := l.stopCh, l.doneCh
	l.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
		l.logger.Info("queue lifecycle stopped", "table", l.queue.Config().TableName)
		return nil
	case <-time.After(l.queue.Config().ShutdownTimeout):
		l.logger.Warn("queue lifecycle stop timed out", "table", l.queue.Config().TableName)
		return ErrShutdownTimeout
	}
}

// IsStarted reports whether the poll loop is running.
func (l *Lifecycle) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateStarted
}

// Wake nudges the poll loop to claim immediately instead of sleeping out
// the rest of the poll interval. Used by same-process insert notifications.
func (l *Lifecycle) Wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

func (l *Lifecycle) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	cfg := l.queue.Config()
	lastReap := time.Now()
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		// Periodically reclaim rows whose claimer died mid-lease.
		if time.Since(lastReap) >= cfg.ClaimLease {
			if _, err := l.queue.ReapStaleClaims(ctx); err != nil {
				l.logger.Error("stale claim reap failed", "table", cfg.TableName, "err", err)
			}
			lastReap = time.Now()
		}

		claimed, err := l.processAvailableEvents(ctx)
		if err != nil {
			// Storage hiccups are not fatal; keep polling so the loop
			// self-heals when connectivity returns.
			l.logger.Error("queue poll failed", "table", cfg.TableName, "err", err)
		}

		// A full batch signals backlog: claim again without sleeping.
		if err == nil && claimed >= cfg.ClaimBatchSize {
			continue
		}

		select {
		case <-stopCh:
			return
		case <-l.wakeCh:
		case <-time.After(cfg.PollInterval):
		}
	}
}

// processAvailableEvents runs one claim-dispatch-account cycle and returns
// how many entries were claimed.
func (l *Lifecycle) processAvailableEvents(ctx context.Context) (int, error) {
	entries, err := l.queue.ClaimReadyEntries(ctx)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	// Spread the batch over at most NbThreads concurrent dispatches. Once
	// claimed, every entry is processed even if stop was signalled; the
	// stop path waits for this batch to drain.
	staged := make([]*model.EventEntry, len(entries))
	slots := make(chan struct{}, l.queue.Config().NbThreads)
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		slots <- struct{}{}
		go func(i int, entry *model.EventEntry) {
			defer wg.Done()
			defer func() { <-slots }()
			staged[i] = l.processOne(ctx, entry)
		}(i, entry)
	}
	wg.Wait()

	terminal := staged[:0:0]
	for _, entry := range staged {
		if entry != nil {
			terminal = append(terminal, entry)
		}
	}
	if err := l.queue.MoveEntriesToHistory(ctx, terminal); err != nil {
		// The rows stay IN_PROCESSING and are reclaimed after lease expiry.
		return len(entries), fmt.Errorf("move entries to history: %w", err)
	}
	return len(entries), nil
}

// processOne dispatches a single claimed entry and accounts for the
// outcome. It returns the staged terminal copy, or nil when the entry was
// written back for a retry.
func (l *Lifecycle) processOne(ctx context.Context, entry *model.EventEntry) *model.EventEntry {
	cfg := l.queue.Config()

	begin := time.Now()
	dispatchErr := l.dispatch(ctx, entry)
	l.timer(time.Since(begin))

	now := l.queue.Now()
	if dispatchErr == nil {
		return entry.TerminalCopy(model.StateProcessed, l.queue.CreatorName(), now)
	}

	errorCount := entry.ErrorCount + 1
	if errorCount <= int64(cfg.MaxFailureRetries) {
		l.logger.Info("bus dispatch error, will attempt a retry",
			"record_id", entry.RecordID, "class", entry.ClassName,
			"error_count", errorCount, "err", dispatchErr)
		retried := entry.RetryCopy(errorCount, l.queue.CreatorName(), now)
		if err := l.queue.UpdateOnError(ctx, retried); err != nil {
			// Leave the row IN_PROCESSING; lease expiry retries it.
			l.logger.Error("failed to write retry back", "record_id", entry.RecordID, "err", err)
		}
		return nil
	}

	l.logger.Error("fatal bus dispatch error, parking event as failed",
		"record_id", entry.RecordID, "class", entry.ClassName,
		"error_count", errorCount, "err", dispatchErr)
	failed := entry.TerminalCopy(model.StateFailed, l.queue.CreatorName(), now)
	failed.ErrorCount = errorCount
	return failed
}
