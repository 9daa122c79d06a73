package domain

import (
	"encoding/json"
	"time"
)

// BatchStatus is the roll-up state of a batch, derived from its members.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
	BatchStatusCompleted BatchStatus = "completed"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusFailed, BatchStatusCancelled, BatchStatusCompleted:
		return true
	}
	return false
}

// Batch groups notifications submitted together.
type Batch struct {
	ID             string
	IdempotencyKey *string
	CorrelationID  *string
	TraceID        *string
	SpanID         *string
	Status         BatchStatus
	TotalCount     int
	Metadata       json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeriveBatchStatus computes the batch roll-up from member counts by status.
// Any member still in flight keeps the batch pending; otherwise a single failure
// fails it, a fully cancelled batch is cancelled and anything else is completed.
func DeriveBatchStatus(counts map[Status]int64) BatchStatus {
	var total int64
	for _, c := range counts {
		total += c
	}

	if counts[StatusPending] > 0 || counts[StatusProcessing] > 0 ||
		counts[StatusScheduled] > 0 || counts[StatusRetrying] > 0 {
		return BatchStatusPending
	}
	if counts[StatusFailed] > 0 {
		return BatchStatusFailed
	}
	if cancelled := counts[StatusCancelled]; cancelled > 0 && cancelled == total {
		return BatchStatusCancelled
	}
	return BatchStatusCompleted
}
