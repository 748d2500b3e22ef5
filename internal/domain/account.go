package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AccountType classifies an account in the chart of accounts.
type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountRevenue   AccountType = "revenue"
	AccountExpense   AccountType = "expense"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountAsset, AccountLiability, AccountEquity, AccountRevenue, AccountExpense:
		return true
	}
	return false
}

// DefaultNormalBalance is the conventional increasing side for the type.
// Contra-accounts override it explicitly at creation.
func (t AccountType) DefaultNormalBalance() NormalBalance {
	switch t {
	case AccountAsset, AccountExpense:
		return Debit
	default:
		return Credit
	}
}

// Account is a ledger account with posted and pending balance slots.
// Currency and NormalBalance are immutable after creation. LockVersion is
// the optimistic lock: every balance-affecting write must carry the version
// it read, and the store rejects the write if the row has moved on.
type Account struct {
	ID              uuid.UUID      `json:"id"`
	InstanceID      uuid.UUID      `json:"instance_id"`
	Address         string         `json:"address"`
	Name            string         `json:"name"`
	Type            AccountType    `json:"type"`
	NormalBalance   NormalBalance  `json:"normal_balance"`
	Currency        string         `json:"currency"`
	AllowedNegative bool           `json:"allowed_negative"`
	Description     string         `json:"description,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	Available       int64          `json:"available"`
	Posted          Balance        `json:"posted"`
	Pending         Balance        `json:"pending"`
	LockVersion     int64          `json:"lock_version"`
	InsertedAt      time.Time      `json:"inserted_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// EntryChange is the effect of one entry on one account for a given
// transaction transition. OldAmount carries the previous entry amount for
// pending_to_* transitions and is ignored otherwise.
type EntryChange struct {
	AccountID uuid.UUID
	EntryID   uuid.UUID
	Type      EntryType
	Amount    int64
	OldAmount int64
	Currency  string
}

// ApplyEntry returns a copy of the account with the entry change applied for
// the given transition. The copy has LockVersion incremented; the caller must
// persist it under a predicate on the old version.
func (a Account) ApplyEntry(ch EntryChange, tr Transition) (Account, error) {
	if ch.AccountID != a.ID {
		return a, fmt.Errorf("entry for account %s applied to account %s", ch.AccountID, a.ID)
	}
	if ch.Currency != a.Currency {
		return a, fmt.Errorf("%w: entry %s, account %s", ErrCurrencyMismatch, ch.Currency, a.Currency)
	}

	switch tr {
	case TransitionPosted:
		a.Posted = a.Posted.Apply(ch.Amount, ch.Type, a.NormalBalance)
	case TransitionPending:
		a.Pending = a.Pending.Apply(ch.Amount, ch.Type, a.NormalBalance)
	case TransitionPendingToPosted:
		a.Pending = a.Pending.ReversePending(ch.OldAmount, ch.Type, a.NormalBalance)
		a.Posted = a.Posted.Apply(ch.Amount, ch.Type, a.NormalBalance)
	case TransitionPendingToPending:
		a.Pending = a.Pending.ReverseAndApplyPending(ch.OldAmount, ch.Amount, ch.Type, a.NormalBalance)
	case TransitionPendingToArchived:
		a.Pending = a.Pending.ReversePending(ch.OldAmount, ch.Type, a.NormalBalance)
	default:
		return a, fmt.Errorf("%w: %q", ErrInvalidTransition, tr)
	}

	// Pending entries opposite to the normal side hold funds that have not
	// settled; they reduce what the account can spend.
	available := a.Posted.Amount - a.Pending.Side(a.NormalBalance.Opposite())
	if available < 0 && !a.AllowedNegative {
		return a, fmt.Errorf("%w: account %s would reach %d", ErrNegativeBalance, a.Address, available)
	}
	if available < 0 {
		a.Available = 0
	} else {
		a.Available = available
	}

	a.LockVersion++
	return a, nil
}

// HistorySnapshot captures the account's balances after a mutation, for the
// append-only balance_history_entries audit trail.
func (a Account) HistorySnapshot(entryID uuid.UUID) BalanceHistoryEntry {
	return BalanceHistoryEntry{
		ID:        uuid.New(),
		AccountID: a.ID,
		EntryID:   entryID,
		Posted:    a.Posted,
		Pending:   a.Pending,
		Available: a.Available,
	}
}

// BalanceHistoryEntry is an immutable snapshot of an account's balances at
// the moment an entry mutated them.
type BalanceHistoryEntry struct {
	ID         uuid.UUID `json:"id"`
	AccountID  uuid.UUID `json:"account_id"`
	EntryID    uuid.UUID `json:"entry_id"`
	Posted     Balance   `json:"posted"`
	Pending    Balance   `json:"pending"`
	Available  int64     `json:"available"`
	InsertedAt time.Time `json:"inserted_at"`
}

// Instance is the tenancy boundary. Accounts and transactions belong to
// exactly one instance and never reference across it.
type Instance struct {
	ID          uuid.UUID      `json:"id"`
	Address     string         `json:"address"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	InsertedAt  time.Time      `json:"inserted_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
