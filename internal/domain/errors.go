package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStaleAccount is the OCC signal: an account UPDATE matched zero rows
	// because lock_version advanced underneath us.
	ErrStaleAccount = errors.New("stale account version")

	ErrInstanceNotFound     = errors.New("instance not found")
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountCrossInstance = errors.New("account belongs to another instance")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrCommandNotFound      = errors.New("command not found")

	ErrCurrencyMismatch   = errors.New("entry currency does not match account currency")
	ErrNegativeBalance    = errors.New("negative balance not allowed")
	ErrInvalidTransition  = errors.New("invalid transaction status transition")
	ErrTooFewEntries      = errors.New("transaction requires at least two entries")
	ErrUnbalancedEntries  = errors.New("debits and credits do not balance")
	ErrEntryTypeImmutable = errors.New("entry type cannot change")
	ErrAccountSetChanged  = errors.New("updates cannot change the set of referenced accounts")
	ErrImmutableField     = errors.New("field is immutable after creation")

	// ErrDuplicateCommand maps the store's uniqueness conflict on
	// (instance, source, source_idempk[, update_idempk]).
	ErrDuplicateCommand = errors.New("command already submitted")

	// ErrDependencyPending means an update command's create counterpart has
	// not been applied yet; the item should return to pending.
	ErrDependencyPending = errors.New("create command not yet processed")

	// ErrDependencyDead means the create counterpart is missing or
	// dead-lettered; the update can never apply.
	ErrDependencyDead = errors.New("create command missing or dead-lettered")

	// ErrOCCTimeout means the OCC driver exhausted its in-pipeline retries.
	ErrOCCTimeout = errors.New("optimistic concurrency retries exhausted")
)

// FieldError ties an error message to a path in the submitted payload, e.g.
// "transaction.entries[1].amount".
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is the structured error returned to synchronous callers.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends a field error and returns the receiver for chaining.
func (e *ValidationError) Add(field, message string) *ValidationError {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
	return e
}

// NewFieldError builds a single-field ValidationError.
func NewFieldError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}
