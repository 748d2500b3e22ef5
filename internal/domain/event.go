package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// Action tags the command payload variant.
type Action string

const (
	ActionCreateAccount     Action = "create_account"
	ActionUpdateAccount     Action = "update_account"
	ActionCreateTransaction Action = "create_transaction"
	ActionUpdateTransaction Action = "update_transaction"
)

// IsUpdate reports whether the action targets an artifact created by an
// earlier command and therefore needs dependency resolution.
func (a Action) IsUpdate() bool {
	return a == ActionUpdateAccount || a == ActionUpdateTransaction
}

var (
	addressRe = regexp.MustCompile(`^[a-zA-Z_0-9]+(:[a-zA-Z_0-9]+)*$`)
	sourceRe  = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,29}$`)
)

// EventMap is the action-tagged command payload. Exactly one of Account or
// Transaction is set, depending on the action.
type EventMap struct {
	Action          Action              `json:"action" validate:"required"`
	Source          string              `json:"source" validate:"required,source_format"`
	SourceIdempk    string              `json:"source_idempk" validate:"required,max=128"`
	UpdateIdempk    string              `json:"update_idempk,omitempty" validate:"omitempty,max=128"`
	InstanceAddress string              `json:"instance_address" validate:"required,address_format"`
	Account         *AccountPayload     `json:"account,omitempty"`
	Transaction     *TransactionPayload `json:"transaction,omitempty"`
}

// AccountPayload carries account fields for create_account and the mutable
// subset for update_account.
type AccountPayload struct {
	Address         string         `json:"address,omitempty" validate:"omitempty,address_format"`
	Name            string         `json:"name,omitempty" validate:"omitempty,max=256"`
	Type            AccountType    `json:"type,omitempty"`
	Currency        string         `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	NormalBalance   NormalBalance  `json:"normal_balance,omitempty"`
	AllowedNegative bool           `json:"allowed_negative,omitempty"`
	Description     string         `json:"description,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
}

// TransactionPayload carries the transaction map for create_transaction and
// update_transaction. Entries are addressed by account address; the worker
// resolves them to account ids inside the owning instance.
type TransactionPayload struct {
	Status      TransactionStatus `json:"status" validate:"required"`
	EffectiveAt *time.Time        `json:"effective_at,omitempty"`
	Entries     []EntryPayload    `json:"entries,omitempty" validate:"omitempty,dive"`
}

// EntryPayload is one entry line of a submitted transaction.
type EntryPayload struct {
	AccountAddress string    `json:"account_address" validate:"required,address_format"`
	Type           EntryType `json:"type" validate:"required"`
	Amount         int64     `json:"amount" validate:"gte=0"`
	Currency       string    `json:"currency" validate:"required,len=3,alpha"`
}

var payloadValidator = newPayloadValidator()

func newPayloadValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Errors from RegisterValidation only occur for empty tag names.
	_ = v.RegisterValidation("address_format", func(fl validator.FieldLevel) bool {
		return addressRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("source_format", func(fl validator.FieldLevel) bool {
		return sourceRe.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks the event map's shape for its action. It returns a
// *ValidationError with payload field paths on failure; commands that fail
// here are never inserted.
func (e *EventMap) Validate() error {
	verr := &ValidationError{}

	if err := payloadValidator.Struct(e); err != nil {
		var fieldErrs validator.ValidationErrors
		if ok := asValidationErrors(err, &fieldErrs); ok {
			for _, fe := range fieldErrs {
				verr.Add(jsonPath(fe.Namespace()), validationMessage(fe))
			}
		} else {
			return err
		}
	}

	switch e.Action {
	case ActionCreateAccount:
		e.validateCreateAccount(verr)
	case ActionUpdateAccount:
		e.validateUpdateAccount(verr)
	case ActionCreateTransaction:
		e.validateCreateTransaction(verr)
	case ActionUpdateTransaction:
		e.validateUpdateTransaction(verr)
	default:
		verr.Add("action", fmt.Sprintf("unknown action %q", e.Action))
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func (e *EventMap) validateCreateAccount(verr *ValidationError) {
	if e.Account == nil {
		verr.Add("account", "required for create_account")
		return
	}
	p := e.Account
	if p.Address == "" {
		verr.Add("account.address", "required")
	}
	if p.Name == "" {
		verr.Add("account.name", "required")
	}
	if !p.Type.Valid() {
		verr.Add("account.type", "must be one of asset, liability, equity, revenue, expense")
	}
	if p.Currency == "" {
		verr.Add("account.currency", "required")
	}
	if p.NormalBalance != "" && !p.NormalBalance.Valid() {
		verr.Add("account.normal_balance", "must be debit or credit")
	}
}

func (e *EventMap) validateUpdateAccount(verr *ValidationError) {
	if e.UpdateIdempk == "" {
		verr.Add("update_idempk", "required for update_account")
	}
	if e.Account == nil {
		verr.Add("account", "required for update_account")
		return
	}
	// Only description and context are mutable; anything else present in the
	// payload is an immutable-field violation, reported up front.
	p := e.Account
	if p.Address != "" {
		verr.Add("account.address", ErrImmutableField.Error())
	}
	if p.Name != "" {
		verr.Add("account.name", ErrImmutableField.Error())
	}
	if p.Type != "" {
		verr.Add("account.type", ErrImmutableField.Error())
	}
	if p.Currency != "" {
		verr.Add("account.currency", ErrImmutableField.Error())
	}
	if p.NormalBalance != "" {
		verr.Add("account.normal_balance", ErrImmutableField.Error())
	}
}

func (e *EventMap) validateCreateTransaction(verr *ValidationError) {
	if e.Transaction == nil {
		verr.Add("transaction", "required for create_transaction")
		return
	}
	p := e.Transaction
	if p.Status != StatusPending && p.Status != StatusPosted {
		verr.Add("transaction.status", "must be pending or posted at creation")
	}
	if len(p.Entries) < 2 {
		verr.Add("transaction.entries", ErrTooFewEntries.Error())
	}
	validateEntryPayloads(verr, p.Entries)
}

func (e *EventMap) validateUpdateTransaction(verr *ValidationError) {
	if e.UpdateIdempk == "" {
		verr.Add("update_idempk", "required for update_transaction")
	}
	if e.Transaction == nil {
		verr.Add("transaction", "required for update_transaction")
		return
	}
	p := e.Transaction
	if !p.Status.Valid() {
		verr.Add("transaction.status", "must be pending, posted or archived")
	}
	if len(p.Entries) == 1 {
		verr.Add("transaction.entries", ErrTooFewEntries.Error())
	}
	validateEntryPayloads(verr, p.Entries)
}

func validateEntryPayloads(verr *ValidationError, entries []EntryPayload) {
	for i, en := range entries {
		if !en.Type.Valid() {
			verr.Add(fmt.Sprintf("transaction.entries[%d].type", i), "must be debit or credit")
		}
		if en.Amount < 0 {
			verr.Add(fmt.Sprintf("transaction.entries[%d].amount", i), "must be non-negative")
		}
	}
}
