// Package bus exposes the persistent event bus: transactional publication,
// type-matched dispatch through a database-backed queue, and the inspection
// queries used by operators and recovery tooling.
package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/groblegark/pqbus/internal/clock"
	"github.com/groblegark/pqbus/internal/codec"
	"github.com/groblegark/pqbus/internal/dispatch"
	"github.com/groblegark/pqbus/internal/model"
	"github.com/groblegark/pqbus/internal/queue"
	"github.com/groblegark/pqbus/internal/store"
)

// BusEvent is the contract events must satisfy to travel on the bus. The
// token and search keys are opaque correlation handles; the bus never
// interprets them.
type BusEvent interface {
	UserToken() uuid.UUID
	SearchKey1() int64
	SearchKey2() int64
}

// EventWithMetadata pairs a decoded event with its queue row metadata, as
// returned by the inspection queries. Event is nil when the row's class
// name has no registered decoder.
type EventWithMetadata struct {
	RecordID    int64     `json:"record_id"`
	UserToken   uuid.UUID `json:"user_token"`
	CreatedDate time.Time `json:"created_date"`
	SearchKey1  int64     `json:"search_key1"`
	SearchKey2  int64     `json:"search_key2"`
	Event       any       `json:"event"`
}

// Option configures a PersistentBus.
type Option func(*PersistentBus)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *PersistentBus) { b.logger = logger }
}

// WithClock overrides the system clock; used by tests.
func WithClock(clk clock.Clock) Option {
	return func(b *PersistentBus) { b.clock = clk }
}

// WithTimerSink installs an observer for per-dispatch durations.
func WithTimerSink(sink queue.TimerSink) Option {
	return func(b *PersistentBus) { b.timer = sink }
}

// WithStrictPost makes non-transactional Post return encoding and storage
// errors instead of logging and swallowing them.
func WithStrictPost() Option {
	return func(b *PersistentBus) { b.strictPost = true }
}

// PersistentBus is the facade over the queue engine and the dispatch
// delegate. One instance owns one queue table pair.
type PersistentBus struct {
	queue     *queue.DBBackedQueue
	lifecycle *queue.Lifecycle
	delegate  *dispatch.Delegate
	codec     *codec.Codec
	clock     clock.Clock
	logger    *slog.Logger
	timer     queue.TimerSink

	strictPost bool
}

// New assembles a bus over the given store. The bus is NEW until Start is
// called; events may not be posted and handlers may not be registered
// before then, but event types may be registered at any time.
func New(st store.Store, cfg queue.Config, opts ...Option) (*PersistentBus, error) {
	b := &PersistentBus{
		delegate: dispatch.New(),
		codec:    codec.New(),
		clock:    clock.System{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	q, err := queue.NewDBBackedQueue(st, cfg, b.clock, b.logger)
	if err != nil {
		return nil, err
	}
	b.queue = q
	b.lifecycle = queue.NewLifecycle(q, b.dispatchEntry, b.timer, b.logger)

	// Same-process inserts skip the rest of the poll interval.
	q.OnInsert(func(*model.EventEntry) {
		b.lifecycle.Wake()
	})

	return b, nil
}

// RegisterEventType adds the prototype's type to the codec so queued rows
// tagged with its class name can be decoded. Unlike handler registration
// this works in any lifecycle state.
func (b *PersistentBus) RegisterEventType(prototype any) error {
	return b.codec.Register(prototype)
}

// Start initializes the queue (reaping stale leases) and launches the
// worker pool. Idempotent while started.
func (b *PersistentBus) Start(ctx context.Context) error {
	return b.lifecycle.Start(ctx)
}

// Stop drains in-flight dispatches and joins the workers within the
// shutdown deadline. Idempotent while stopped.
func (b *PersistentBus) Stop() error {
	return b.lifecycle.Stop()
}

// IsStarted reports whether the bus is dispatching.
func (b *PersistentBus) IsStarted() bool {
	return b.lifecycle.IsStarted()
}

// Register adds a handler instance. On a non-started bus this logs a
// warning and changes nothing.
func (b *PersistentBus) Register(handler any) error {
	if !b.IsStarted() {
		b.logger.Warn("attempting to register handler on a non-started bus", "handler", handlerName(handler))
		return nil
	}
	return b.delegate.Register(handler)
}

// Unregister removes a handler instance; it will not see events dispatched
// after removal. On a non-started bus this logs a warning and changes
// nothing.
func (b *PersistentBus) Unregister(handler any) error {
	if !b.IsStarted() {
		b.logger.Warn("attempting to unregister handler on a non-started bus", "handler", handlerName(handler))
		return nil
	}
	return b.delegate.Unregister(handler)
}

// Post serializes the event and appends it to the queue. Failures are
// logged and swallowed unless the bus was built with WithStrictPost. On a
// non-started bus this logs a warning and changes nothing.
func (b *PersistentBus) Post(ctx context.Context, event BusEvent) error {
	if !b.IsStarted() {
		b.logger.Warn("attempting to post event on a non-started bus", "class", codec.ClassName(event))
		return nil
	}

	err := b.insertEvent(ctx, event)
	if err == nil {
		return nil
	}
	if b.strictPost {
		return err
	}
	b.logger.Error("failed to post bus event", "class", codec.ClassName(event), "err", err)
	return nil
}

// PostFromTransaction serializes the event and appends it inside the
// caller's transaction, so emission commits atomically with the caller's
// own writes. An encoding failure skips the insert with a warning rather
// than poisoning the caller's transaction; storage errors propagate so the
// caller can roll back.
func (b *PersistentBus) PostFromTransaction(ctx context.Context, tx *store.Tx, event BusEvent) error {
	if !b.IsStarted() {
		b.logger.Warn("attempting to post event on a non-started bus", "class", codec.ClassName(event))
		return nil
	}

	className, eventJSON, err := b.codec.Encode(event)
	if err != nil {
		b.logger.Warn("unable to serialize event, skipping post", "class", codec.ClassName(event), "err", err)
		return nil
	}

	entry := model.NewEventEntry(b.queue.CreatorName(), b.clock.Now(), className, eventJSON,
		event.UserToken(), event.SearchKey1(), event.SearchKey2())
	return b.queue.InsertEntryFromTransaction(ctx, tx, entry)
}

func (b *PersistentBus) insertEvent(ctx context.Context, event BusEvent) error {
	className, eventJSON, err := b.codec.Encode(event)
	if err != nil {
		return err
	}
	entry := model.NewEventEntry(b.queue.CreatorName(), b.clock.Now(), className, eventJSON,
		event.UserToken(), event.SearchKey1(), event.SearchKey2())
	return b.queue.InsertEntry(ctx, entry)
}

// dispatchEntry is the lifecycle's dispatch function: decode, then fan out
// to matching handlers. A decode failure counts as a dispatch failure so a
// misconfigured decoder parks the row as FAILED instead of blocking the
// queue.
func (b *PersistentBus) dispatchEntry(_ context.Context, entry *model.EventEntry) error {
	event, err := b.codec.Decode(entry.ClassName, entry.EventJSON)
	if err != nil {
		return err
	}
	return b.delegate.Dispatch(event)
}

func handlerName(handler any) string {
	return codec.ClassName(handler)
}
