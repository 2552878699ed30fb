package model

import (
	"time"

	"github.com/google/uuid"
)

// QueueItem wraps a record or a directory mutation waiting for delivery
type QueueItem struct {
	ID         string        `json:"id"`
	Operation  OperationKind `json:"operation"`
	Record     *Record       `json:"record,omitempty"`
	Student    *Student      `json:"student,omitempty"`
	RetryCount int           `json:"retryCount"`
	MaxRetries int           `json:"maxRetries"`
	CreatedAt  time.Time     `json:"createdAt"`
	TerminalID string        `json:"terminalId"`
	LastError  string        `json:"lastError,omitempty"`
	// Force items were enqueued by a forced resync and bypass the dedup ledger
	Force bool `json:"force,omitempty"`
}

// NewQueueItem wraps a record for delivery
func NewQueueItem(op OperationKind, rec Record, terminalID string, maxRetries int, now time.Time) QueueItem {
	return QueueItem{
		ID:         uuid.NewString(),
		Operation:  op,
		Record:     &rec,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		TerminalID: terminalID,
	}
}

// NewStudentItem wraps a directory mutation for delivery
func NewStudentItem(s Student, terminalID string, maxRetries int, now time.Time) QueueItem {
	return QueueItem{
		ID:         uuid.NewString(),
		Operation:  OpCreateStudent,
		Student:    &s,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		TerminalID: terminalID,
	}
}

// DedupKey returns the ledger key of a record item. Student items are never deduplicated.
func (q QueueItem) DedupKey() (DedupKey, bool) {
	if q.Record == nil || !q.Operation.IsRecord() {
		return DedupKey{}, false
	}
	return q.Record.DedupKey(), true
}

// Exhausted reports whether the item used up its retries
func (q QueueItem) Exhausted() bool {
	return q.MaxRetries > 0 && q.RetryCount >= q.MaxRetries
}

// DeadLetter is a queue item that will no longer be delivered automatically
type DeadLetter struct {
	Item     QueueItem `json:"item"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// SyncStatus is the persisted summary of reconciliation runs
type SyncStatus struct {
	LastSuccessfulSync time.Time `json:"lastSuccessfulSync"`
	LastRunAt          time.Time `json:"lastRunAt"`
	Delivered          int64     `json:"delivered"`
	Skipped            int64     `json:"skipped"`
	Failed             int64     `json:"failed"`
	DeadLettered       int64     `json:"deadLettered"`
}
