package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionFor(t *testing.T) {
	tests := []struct {
		prev, next TransactionStatus
		want       Transition
		wantErr    bool
	}{
		{"", StatusPosted, TransitionPosted, false},
		{"", StatusPending, TransitionPending, false},
		{"", StatusArchived, "", true},
		{StatusPending, StatusPosted, TransitionPendingToPosted, false},
		{StatusPending, StatusPending, TransitionPendingToPending, false},
		{StatusPending, StatusArchived, TransitionPendingToArchived, false},
		{StatusPosted, StatusPending, "", true},
		{StatusPosted, StatusPosted, "", true},
		{StatusPosted, StatusArchived, "", true},
		{StatusArchived, StatusPosted, "", true},
		{StatusArchived, StatusPending, "", true},
	}

	for _, tc := range tests {
		got, err := TransitionFor(tc.prev, tc.next)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrInvalidTransition, "%q -> %q", tc.prev, tc.next)
			continue
		}
		require.NoError(t, err, "%q -> %q", tc.prev, tc.next)
		assert.Equal(t, tc.want, got)
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusPosted.Terminal())
	assert.True(t, StatusArchived.Terminal())
}

func entrySet(pairs ...[2]any) []EntryChange {
	out := make([]EntryChange, len(pairs))
	for i, p := range pairs {
		out[i] = EntryChange{
			AccountID: uuid.New(),
			Type:      p[0].(EntryType),
			Amount:    int64(p[1].(int)),
			Currency:  "USD",
		}
	}
	return out
}

func TestValidateEntrySetBalanced(t *testing.T) {
	err := ValidateEntrySet(entrySet(
		[2]any{Debit, 100},
		[2]any{Credit, 60},
		[2]any{Credit, 40},
	))
	assert.NoError(t, err)
}

func TestValidateEntrySetTooFew(t *testing.T) {
	err := ValidateEntrySet(entrySet([2]any{Debit, 100}))
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "transaction.entries", verr.Fields[0].Field)
}

func TestValidateEntrySetUnbalanced(t *testing.T) {
	err := ValidateEntrySet(entrySet(
		[2]any{Debit, 100},
		[2]any{Credit, 90},
	))
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "off by 10")
}

func TestValidateEntrySetPerCurrency(t *testing.T) {
	changes := entrySet(
		[2]any{Debit, 100},
		[2]any{Credit, 100},
	)
	changes = append(changes, EntryChange{AccountID: uuid.New(), Type: Debit, Amount: 30, Currency: "EUR"})
	changes = append(changes, EntryChange{AccountID: uuid.New(), Type: Credit, Amount: 30, Currency: "EUR"})
	assert.NoError(t, ValidateEntrySet(changes))

	// Balanced overall but not per currency.
	mixed := entrySet([2]any{Debit, 100})
	mixed = append(mixed, EntryChange{AccountID: uuid.New(), Type: Credit, Amount: 100, Currency: "EUR"})
	assert.Error(t, ValidateEntrySet(mixed))
}

func TestValidateEntrySetNegativeAmount(t *testing.T) {
	changes := entrySet([2]any{Debit, 100}, [2]any{Credit, 100})
	changes[0].Amount = -5

	var verr *ValidationError
	require.ErrorAs(t, ValidateEntrySet(changes), &verr)
	assert.Equal(t, "transaction.entries[0].amount", verr.Fields[0].Field)
}
