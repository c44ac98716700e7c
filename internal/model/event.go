// Package model defines the persisted shape of a queued bus event.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingState is the lifecycle state of a queue entry.
type ProcessingState string

const (
	// StateAvailable marks an entry that is ready to be claimed once its
	// available date has elapsed.
	StateAvailable ProcessingState = "AVAILABLE"
	// StateInProcessing marks an entry claimed by a worker under a lease.
	StateInProcessing ProcessingState = "IN_PROCESSING"
	// StateProcessed marks a history entry whose dispatch succeeded.
	StateProcessed ProcessingState = "PROCESSED"
	// StateFailed marks a history entry that exhausted its retries.
	StateFailed ProcessingState = "FAILED"
)

// Terminal reports whether the state belongs in the history table.
func (s ProcessingState) Terminal() bool {
	return s == StateProcessed || s == StateFailed
}

// EventEntry is one row of a bus queue table. Live rows are AVAILABLE or
// IN_PROCESSING; PROCESSED and FAILED copies live in the parallel history
// table with the same columns.
type EventEntry struct {
	RecordID                int64           `json:"record_id"`
	ClassName               string          `json:"class_name"`
	EventJSON               string          `json:"event_json"`
	UserToken               uuid.UUID       `json:"user_token"`
	CreatedDate             time.Time       `json:"created_date"`
	CreatorName             string          `json:"creator_name"`
	ProcessingOwner         string          `json:"processing_owner,omitempty"`
	ProcessingAvailableDate *time.Time      `json:"processing_available_date,omitempty"`
	ProcessingState         ProcessingState `json:"processing_state"`
	ErrorCount              int64           `json:"error_count"`
	SearchKey1              int64           `json:"search_key1"`
	SearchKey2              int64           `json:"search_key2"`
}

// NewEventEntry builds a fresh AVAILABLE entry for insertion. The available
// date starts at the creation time so the entry is claimable immediately.
func NewEventEntry(creatorName string, createdDate time.Time, className, eventJSON string, userToken uuid.UUID, searchKey1, searchKey2 int64) *EventEntry {
	available := createdDate
	return &EventEntry{
		ClassName:               className,
		EventJSON:               eventJSON,
		UserToken:               userToken,
		CreatedDate:             createdDate,
		CreatorName:             creatorName,
		ProcessingAvailableDate: &available,
		ProcessingState:         StateAvailable,
		SearchKey1:              searchKey1,
		SearchKey2:              searchKey2,
	}
}

// TerminalCopy returns the history-table copy of the entry in the given
// terminal state, stamped with the mover's name and time. The error count is
// frozen at its current value.
func (e *EventEntry) TerminalCopy(state ProcessingState, creatorName string, now time.Time) *EventEntry {
	copied := *e
	copied.CreatorName = creatorName
	copied.ProcessingAvailableDate = &now
	copied.ProcessingState = state
	return &copied
}

// RetryCopy returns the entry reset to AVAILABLE with the given error count.
// The queue fills in the backoff-adjusted available date when it writes the
// retry back.
func (e *EventEntry) RetryCopy(errorCount int64, creatorName string, now time.Time) *EventEntry {
	copied := *e
	copied.CreatorName = creatorName
	copied.ProcessingOwner = ""
	copied.ProcessingAvailableDate = &now
	copied.ProcessingState = StateAvailable
	copied.ErrorCount = errorCount
	return &copied
}
