// Package ledger applies transaction maps to the double-entry ledger: it
// creates and updates transactions, moves account balances through their
// posted and pending slots, and leaves a balance history snapshot for every
// touched account. All writes happen through the caller's database
// transaction; account writes ride the optimistic lock and surface
// domain.ErrStaleAccount on conflict.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/openledgerhq/ledgerd/internal/domain"
	"github.com/openledgerhq/ledgerd/internal/store"
)

// EntryInput is one resolved entry line: account addresses have already been
// mapped to ids by the worker.
type EntryInput struct {
	AccountID uuid.UUID
	Type      domain.EntryType
	Amount    int64
	Currency  string
}

// Input is the transaction map the applier materializes.
type Input struct {
	Status  domain.TransactionStatus
	Entries []EntryInput
}

type Applier struct {
	store *store.Store
}

func NewApplier(s *store.Store) *Applier {
	return &Applier{store: s}
}

// Create inserts a new transaction in pending or posted status and applies
// every entry to its account. Creating archived directly is rejected by the
// transition table.
func (ap *Applier) Create(ctx context.Context, q store.Querier, instanceID uuid.UUID, in Input) (*domain.Transaction, error) {
	transition, err := domain.TransitionFor("", in.Status)
	if err != nil {
		return nil, err
	}

	changes := make([]domain.EntryChange, len(in.Entries))
	seen := map[uuid.UUID]int{}
	for i, e := range in.Entries {
		if prev, dup := seen[e.AccountID]; dup {
			return nil, domain.NewFieldError(
				fmt.Sprintf("transaction.entries[%d].account_address", i),
				fmt.Sprintf("account already referenced by entry %d", prev))
		}
		seen[e.AccountID] = i
		changes[i] = domain.EntryChange{
			AccountID: e.AccountID,
			Type:      e.Type,
			Amount:    e.Amount,
			Currency:  e.Currency,
		}
	}
	if err := domain.ValidateEntrySet(changes); err != nil {
		return nil, err
	}

	accounts, err := ap.loadAccounts(ctx, q, instanceID, changes)
	if err != nil {
		return nil, err
	}

	t := &domain.Transaction{
		ID:         uuid.New(),
		InstanceID: instanceID,
		Status:     in.Status,
	}
	if in.Status == domain.StatusPosted {
		now := time.Now().UTC()
		t.PostedAt = &now
	}
	for i, e := range in.Entries {
		t.Entries = append(t.Entries, domain.Entry{
			ID:        uuid.New(),
			AccountID: e.AccountID,
			Type:      e.Type,
			Amount:    e.Amount,
			Currency:  e.Currency,
		})
		changes[i].EntryID = t.Entries[i].ID
	}

	if err := ap.store.InsertTransaction(ctx, q, t); err != nil {
		return nil, err
	}
	if err := ap.applyChanges(ctx, q, accounts, changes, transition); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateInput carries an update_transaction's target state. Entries may be
// empty, in which case amounts are carried over unchanged.
type UpdateInput struct {
	Status  domain.TransactionStatus
	Entries []EntryInput
}

// Update drives the pending_to_posted / pending_to_pending /
// pending_to_archived transitions. Amounts may change, the entry set's
// accounts and the entry types may not.
func (ap *Applier) Update(ctx context.Context, q store.Querier, instanceID, transactionID uuid.UUID, in UpdateInput) (*domain.Transaction, error) {
	t, err := ap.store.GetTransaction(ctx, q, transactionID)
	if err != nil {
		return nil, err
	}
	if t.InstanceID != instanceID {
		return nil, domain.ErrAccountCrossInstance
	}

	transition, err := domain.TransitionFor(t.Status, in.Status)
	if err != nil {
		return nil, err
	}

	changes, err := mergeEntryUpdates(t.Entries, in.Entries)
	if err != nil {
		return nil, err
	}
	// Archival reverses the held amounts; the balanced-set check applies to
	// the amounts that remain in play.
	if transition != domain.TransitionPendingToArchived {
		if err := domain.ValidateEntrySet(changes); err != nil {
			return nil, err
		}
	}

	accounts, err := ap.loadAccounts(ctx, q, instanceID, changes)
	if err != nil {
		return nil, err
	}
	if err := ap.applyChanges(ctx, q, accounts, changes, transition); err != nil {
		return nil, err
	}

	for i := range t.Entries {
		e := &t.Entries[i]
		for _, ch := range changes {
			if ch.AccountID == e.AccountID && ch.Amount != e.Amount {
				if err := ap.store.UpdateEntryAmount(ctx, q, e.ID, ch.Amount); err != nil {
					return nil, err
				}
				e.Amount = ch.Amount
			}
		}
	}

	t.Status = in.Status
	if transition == domain.TransitionPendingToPosted {
		now := time.Now().UTC()
		t.PostedAt = &now
	}
	if err := ap.store.UpdateTransactionStatus(ctx, q, t.ID, t.Status, t.PostedAt); err != nil {
		return nil, err
	}
	return t, nil
}

// mergeEntryUpdates pairs submitted entry lines with the stored entries by
// account, enforcing that updates neither swap accounts nor flip types.
func mergeEntryUpdates(existing []domain.Entry, updates []EntryInput) ([]domain.EntryChange, error) {
	byAccount := make(map[uuid.UUID]*domain.Entry, len(existing))
	for i := range existing {
		byAccount[existing[i].AccountID] = &existing[i]
	}

	changes := make([]domain.EntryChange, 0, len(existing))
	matched := map[uuid.UUID]bool{}
	for i, u := range updates {
		prev, ok := byAccount[u.AccountID]
		if !ok {
			return nil, fmt.Errorf("%w: entry %d references a new account", domain.ErrAccountSetChanged, i)
		}
		if matched[u.AccountID] {
			return nil, domain.NewFieldError(
				fmt.Sprintf("transaction.entries[%d].account_address", i), "duplicate account in update")
		}
		matched[u.AccountID] = true
		if u.Type != "" && u.Type != prev.Type {
			return nil, fmt.Errorf("%w: entry for account %s", domain.ErrEntryTypeImmutable, u.AccountID)
		}
		if u.Currency != "" && u.Currency != prev.Currency {
			return nil, fmt.Errorf("%w: entry for account %s", domain.ErrCurrencyMismatch, u.AccountID)
		}
		changes = append(changes, domain.EntryChange{
			AccountID: u.AccountID,
			EntryID:   prev.ID,
			Type:      prev.Type,
			Amount:    u.Amount,
			OldAmount: prev.Amount,
			Currency:  prev.Currency,
		})
	}

	// Entries not mentioned keep their amounts; every stored entry must
	// still be covered so the per-currency sums stay comparable.
	for i := range existing {
		e := &existing[i]
		if matched[e.AccountID] {
			continue
		}
		changes = append(changes, domain.EntryChange{
			AccountID: e.AccountID,
			EntryID:   e.ID,
			Type:      e.Type,
			Amount:    e.Amount,
			OldAmount: e.Amount,
			Currency:  e.Currency,
		})
	}
	return changes, nil
}

// loadAccounts fetches every referenced account and verifies presence and
// instance ownership.
func (ap *Applier) loadAccounts(ctx context.Context, q store.Querier, instanceID uuid.UUID, changes []domain.EntryChange) (map[uuid.UUID]*domain.Account, error) {
	ids := make([]uuid.UUID, 0, len(changes))
	for _, ch := range changes {
		ids = append(ids, ch.AccountID)
	}
	accounts, err := ap.store.GetAccountsByIDs(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for _, ch := range changes {
		a, ok := accounts[ch.AccountID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, ch.AccountID)
		}
		if a.InstanceID != instanceID {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountCrossInstance, a.Address)
		}
	}
	return accounts, nil
}

// applyChanges updates every touched account under its optimistic lock and
// writes one balance history snapshot per account. Accounts are processed in
// id order so concurrent pipelines conflict deterministically instead of
// interleaving.
func (ap *Applier) applyChanges(ctx context.Context, q store.Querier, accounts map[uuid.UUID]*domain.Account, changes []domain.EntryChange, transition domain.Transition) error {
	ordered := make([]domain.EntryChange, len(changes))
	copy(ordered, changes)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].AccountID.String() < ordered[j].AccountID.String()
	})

	for _, ch := range ordered {
		acct := accounts[ch.AccountID]
		readVersion := acct.LockVersion
		updated, err := acct.ApplyEntry(ch, transition)
		if err != nil {
			return err
		}
		if err := ap.store.UpdateAccountBalances(ctx, q, &updated, readVersion); err != nil {
			return err
		}
		snapshot := updated.HistorySnapshot(ch.EntryID)
		if err := ap.store.InsertBalanceHistory(ctx, q, &snapshot); err != nil {
			return err
		}
		*acct = updated
	}
	return nil
}
