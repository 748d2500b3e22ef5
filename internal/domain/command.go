package domain

import (
	"time"

	"github.com/google/uuid"
)

// Command is the durable record of intent. It is inserted exactly once per
// idempotency key and never deleted or mutated.
type Command struct {
	ID         uuid.UUID `json:"id"`
	InstanceID uuid.UUID `json:"instance_id"`
	EventMap   EventMap  `json:"event_map"`
	InsertedAt time.Time `json:"inserted_at"`
}

// ItemStatus is the lifecycle state of a CommandQueueItem.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemProcessed  ItemStatus = "processed"
	ItemFailed     ItemStatus = "failed"
	ItemOCCTimeout ItemStatus = "occ_timeout"
	ItemDeadLetter ItemStatus = "dead_letter"
)

// Retryable reports whether the scheduler may pick the item up again.
func (s ItemStatus) Retryable() bool {
	return s == ItemPending || s == ItemFailed || s == ItemOCCTimeout
}

// Terminal reports whether the item has reached a final state.
func (s ItemStatus) Terminal() bool {
	return s == ItemProcessed || s == ItemDeadLetter
}

// ItemError is one entry in a queue item's error trail.
type ItemError struct {
	Message    string    `json:"message"`
	InsertedAt time.Time `json:"inserted_at"`
}

// maxErrorTrail bounds the error log carried on a queue item; older entries
// fall off the end.
const maxErrorTrail = 20

// CommandQueueItem tracks queue state for exactly one Command. The
// ProcessorVersion column is its own optimistic lock: the claim UPDATE
// carries the version a scheduler read, so at most one worker wins.
type CommandQueueItem struct {
	ID                    uuid.UUID   `json:"id"`
	CommandID             uuid.UUID   `json:"command_id"`
	Status                ItemStatus  `json:"status"`
	ProcessorID           string      `json:"processor_id,omitempty"`
	ProcessorVersion      int64       `json:"processor_version"`
	ProcessingStartedAt   *time.Time  `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time  `json:"processing_completed_at,omitempty"`
	RetryCount            int         `json:"retry_count"`
	NextRetryAfter        *time.Time  `json:"next_retry_after,omitempty"`
	OCCRetryCount         int         `json:"occ_retry_count"`
	Errors                []ItemError `json:"errors"`
	InsertedAt            time.Time   `json:"inserted_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

// AppendError prepends msg to the error trail, newest first, keeping at most
// maxErrorTrail entries.
func (i *CommandQueueItem) AppendError(msg string, at time.Time) {
	trail := make([]ItemError, 0, len(i.Errors)+1)
	trail = append(trail, ItemError{Message: msg, InsertedAt: at})
	trail = append(trail, i.Errors...)
	if len(trail) > maxErrorTrail {
		trail = trail[:maxErrorTrail]
	}
	i.Errors = trail
}

// JournalEvent is the frozen copy of a command's event map taken at the
// moment the command applied, sufficient to replay the ledger.
type JournalEvent struct {
	ID         uuid.UUID `json:"id"`
	InstanceID uuid.UUID `json:"instance_id"`
	EventMap   EventMap  `json:"event_map"`
	InsertedAt time.Time `json:"inserted_at"`
}

// PendingTransactionLookup correlates (source, source_idempk, instance) with
// the artifacts a create_transaction produced, so update commands can find
// their target without scanning.
type PendingTransactionLookup struct {
	Source         string    `json:"source"`
	SourceIdempk   string    `json:"source_idempk"`
	InstanceID     uuid.UUID `json:"instance_id"`
	CommandID      uuid.UUID `json:"command_id"`
	TransactionID  uuid.UUID `json:"transaction_id"`
	JournalEventID uuid.UUID `json:"journal_event_id"`
	InsertedAt     time.Time `json:"inserted_at"`
}
