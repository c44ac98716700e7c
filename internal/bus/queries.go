package bus

import (
	"context"

	"github.com/groblegark/pqbus/internal/model"
	"github.com/groblegark/pqbus/internal/store"
)

// Inspection queries. These are read-only, permitted in any lifecycle
// state, and decode each row into its event alongside the row metadata.

// GetAvailableBusEventsForSearchKeys returns AVAILABLE events matching both
// search keys.
func (b *PersistentBus) GetAvailableBusEventsForSearchKeys(ctx context.Context, searchKey1, searchKey2 int64) ([]*EventWithMetadata, error) {
	entries, err := b.queue.Store().GetReady(ctx, &searchKey1, searchKey2)
	if err != nil {
		return nil, err
	}
	return b.toEventsWithMetadata(entries), nil
}

// GetAvailableBusEventsForSearchKey2 returns AVAILABLE events matching
// searchKey2 regardless of searchKey1.
func (b *PersistentBus) GetAvailableBusEventsForSearchKey2(ctx context.Context, searchKey2 int64) ([]*EventWithMetadata, error) {
	entries, err := b.queue.Store().GetReady(ctx, nil, searchKey2)
	if err != nil {
		return nil, err
	}
	return b.toEventsWithMetadata(entries), nil
}

// GetAvailableBusEventsFromTransactionForSearchKeys evaluates the
// both-keys query inside the caller's transaction.
func (b *PersistentBus) GetAvailableBusEventsFromTransactionForSearchKeys(ctx context.Context, tx *store.Tx, searchKey1, searchKey2 int64) ([]*EventWithMetadata, error) {
	entries, err := b.queue.Store().GetReadyTx(ctx, tx, &searchKey1, searchKey2)
	if err != nil {
		return nil, err
	}
	return b.toEventsWithMetadata(entries), nil
}

// GetAvailableBusEventsFromTransactionForSearchKey2 evaluates the
// key2-only query inside the caller's transaction.
func (b *PersistentBus) GetAvailableBusEventsFromTransactionForSearchKey2(ctx context.Context, tx *store.Tx, searchKey2 int64) ([]*EventWithMetadata, error) {
	entries, err := b.queue.Store().GetReadyTx(ctx, tx, nil, searchKey2)
	if err != nil {
		return nil, err
	}
	return b.toEventsWithMetadata(entries), nil
}

// GetAvailableOrInProcessingBusEventsForSearchKeys returns AVAILABLE and
// IN_PROCESSING events matching both search keys.
func (b *PersistentBus) GetAvailableOrInProcessingBusEventsForSearchKeys(ctx context.Context, searchKey1, searchKey2 int64) ([]*EventWithMetadata, error) {
	entries, err := b.queue.Store().GetReadyOrInProcessing(ctx, &searchKey1, searchKey2)
	if err != nil {
		return nil, err
	}
	return b.toEventsWithMetadata(entries), nil
}

// GetAvailableOrInProcessingBusEventsForSearchKey2 returns AVAILABLE and
// IN_PROCESSING events matching searchKey2 regardless of searchKey1.
func (b *PersistentBus) GetAvailableOrInProcessingBusEventsForSearchKey2(ctx context.Context, searchKey2 int64) ([]*EventWithMetadata, error) {
	entries, err := b.queue.Store().GetReadyOrInProcessing(ctx, nil, searchKey2)
	if err != nil {
		return nil, err
	}
	return b.toEventsWithMetadata(entries), nil
}

// GetAvailableOrInProcessingBusEventsFromTransactionForSearchKeys evaluates
// the both-keys query inside the caller's transaction.
func (b *PersistentBus) GetAvailableOrInProcessingBusEventsFromTransactionForSearchKeys(ctx context.Context, tx *store.Tx, searchKey1, searchKey2 int64) ([]*EventWithMetadata, error) {
	entries, err := b.queue.Store().GetReadyOrInProcessingTx(ctx, tx, &searchKey1, searchKey2)
	if err != nil {
		return nil, err
	}
	return b.toEventsWithMetadata(entries), nil
}

// GetAvailableOrInProcessingBusEventsFromTransactionForSearchKey2 evaluates
// the key2-only query inside the caller's transaction.
func (b *PersistentBus) GetAvailableOrInProcessingBusEventsFromTransactionForSearchKey2(ctx context.Context, tx *store.Tx, searchKey2 int64) ([]*EventWithMetadata, error) {
	entries, err := b.queue.Store().GetReadyOrInProcessingTx(ctx, tx, nil, searchKey2)
	if err != nil {
		return nil, err
	}
	return b.toEventsWithMetadata(entries), nil
}

// GetInProcessingBusEvents returns every event currently under claim.
func (b *PersistentBus) GetInProcessingBusEvents(ctx context.Context) ([]*EventWithMetadata, error) {
	entries, err := b.queue.Store().GetInProcessing(ctx)
	if err != nil {
		return nil, err
	}
	return b.toEventsWithMetadata(entries), nil
}

func (b *PersistentBus) toEventsWithMetadata(entries []*model.EventEntry) []*EventWithMetadata {
	result := make([]*EventWithMetadata, 0, len(entries))
	for _, entry := range entries {
		event, err := b.codec.Decode(entry.ClassName, entry.EventJSON)
		if err != nil {
			// Surface the row anyway; operators still need to see it.
			b.logger.Warn("unable to decode queued event", "record_id", entry.RecordID, "class", entry.ClassName, "err", err)
			event = nil
		}
		result = append(result, &EventWithMetadata{
			RecordID:    entry.RecordID,
			UserToken:   entry.UserToken,
			CreatedDate: entry.CreatedDate,
			SearchKey1:  entry.SearchKey1,
			SearchKey2:  entry.SearchKey2,
			Event:       event,
		})
	}
	return result
}
