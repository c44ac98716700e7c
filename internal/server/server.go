// Package server exposes the operator inspection API over HTTP. It reads
// queue rows straight from the storage port; decoding payloads is left to
// the process that registered the event types.
package server

import (
	"log/slog"

	"github.com/groblegark/pqbus/internal/store"
)

// QueueServer serves read-only inspection queries for one queue.
type QueueServer struct {
	store  store.Store
	logger *slog.Logger
}

// NewQueueServer creates a server over the given store.
func NewQueueServer(st store.Store, logger *slog.Logger) *QueueServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueServer{store: st, logger: logger}
}
