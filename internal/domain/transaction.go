package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	StatusPending  TransactionStatus = "pending"
	StatusPosted   TransactionStatus = "posted"
	StatusArchived TransactionStatus = "archived"
)

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	return s == StatusPending || s == StatusPosted || s == StatusArchived
}

// Terminal reports whether no further transitions are allowed from s.
func (s TransactionStatus) Terminal() bool {
	return s == StatusPosted || s == StatusArchived
}

// Transition names the allowed moves through the transaction state machine.
type Transition string

const (
	TransitionPosted            Transition = "posted"
	TransitionPending           Transition = "pending"
	TransitionPendingToPosted   Transition = "pending_to_posted"
	TransitionPendingToPending  Transition = "pending_to_pending"
	TransitionPendingToArchived Transition = "pending_to_archived"
)

// TransitionFor derives the transition for a transaction moving from prev to
// next. prev is empty on creation. Creating archived directly and any move
// out of a terminal state are rejected.
func TransitionFor(prev, next TransactionStatus) (Transition, error) {
	if prev == "" {
		switch next {
		case StatusPosted:
			return TransitionPosted, nil
		case StatusPending:
			return TransitionPending, nil
		default:
			return "", fmt.Errorf("%w: cannot create transaction as %q", ErrInvalidTransition, next)
		}
	}
	if prev != StatusPending {
		return "", fmt.Errorf("%w: %q is terminal", ErrInvalidTransition, prev)
	}
	switch next {
	case StatusPosted:
		return TransitionPendingToPosted, nil
	case StatusPending:
		return TransitionPendingToPending, nil
	case StatusArchived:
		return TransitionPendingToArchived, nil
	default:
		return "", fmt.Errorf("%w: pending -> %q", ErrInvalidTransition, next)
	}
}

// Entry is one debit or credit against one account within a transaction.
// The type never flips after creation; the amount may change only while the
// owning transaction is still pending.
type Entry struct {
	ID            uuid.UUID `json:"id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	AccountID     uuid.UUID `json:"account_id"`
	Type          EntryType `json:"type"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	InsertedAt    time.Time `json:"inserted_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Transaction is a balanced set of at least two entries in one instance.
type Transaction struct {
	ID         uuid.UUID         `json:"id"`
	InstanceID uuid.UUID         `json:"instance_id"`
	Status     TransactionStatus `json:"status"`
	PostedAt   *time.Time        `json:"posted_at,omitempty"`
	Entries    []Entry           `json:"entries"`
	InsertedAt time.Time         `json:"inserted_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ValidateEntrySet checks the double-entry invariants over a set of entry
// changes: at least two entries, non-negative amounts, and per currency the
// debits equal the credits. Violations are reported as field errors keyed on
// the entries' payload paths.
func ValidateEntrySet(changes []EntryChange) error {
	if len(changes) < 2 {
		return NewFieldError("transaction.entries", ErrTooFewEntries.Error())
	}

	verr := &ValidationError{}
	perCurrency := map[string]int64{}
	for i, ch := range changes {
		if ch.Amount < 0 {
			verr.Add(fmt.Sprintf("transaction.entries[%d].amount", i), "amount must be non-negative")
			continue
		}
		if !ch.Type.Valid() {
			verr.Add(fmt.Sprintf("transaction.entries[%d].type", i), "type must be debit or credit")
			continue
		}
		if ch.Type == Debit {
			perCurrency[ch.Currency] += ch.Amount
		} else {
			perCurrency[ch.Currency] -= ch.Amount
		}
	}
	if len(verr.Fields) > 0 {
		return verr
	}

	for i, ch := range changes {
		if perCurrency[ch.Currency] != 0 {
			verr.Add(fmt.Sprintf("transaction.entries[%d].amount", i),
				fmt.Sprintf("%s: %s off by %d", ErrUnbalancedEntries.Error(), ch.Currency, perCurrency[ch.Currency]))
			// One error per unbalanced currency is enough.
			perCurrency[ch.Currency] = 0
		}
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}
