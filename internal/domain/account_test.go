package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount(normal NormalBalance, allowedNegative bool) Account {
	return Account{
		ID:              uuid.New(),
		InstanceID:      uuid.New(),
		Address:         "cash:main",
		Name:            "Cash",
		Type:            AccountAsset,
		NormalBalance:   normal,
		Currency:        "USD",
		AllowedNegative: allowedNegative,
	}
}

func change(a Account, typ EntryType, amount, oldAmount int64) EntryChange {
	return EntryChange{
		AccountID: a.ID,
		EntryID:   uuid.New(),
		Type:      typ,
		Amount:    amount,
		OldAmount: oldAmount,
		Currency:  "USD",
	}
}

func TestApplyEntryDirectPost(t *testing.T) {
	a := testAccount(Debit, false)

	got, err := a.ApplyEntry(change(a, Debit, 100, 0), TransitionPosted)
	require.NoError(t, err)

	assert.Equal(t, Balance{Amount: 100, Debit: 100}, got.Posted)
	assert.Equal(t, Balance{}, got.Pending)
	assert.Equal(t, int64(100), got.Available)
	assert.Equal(t, a.LockVersion+1, got.LockVersion)
}

func TestApplyEntryPendingHoldReducesAvailable(t *testing.T) {
	a := testAccount(Debit, true)
	a.Posted = Balance{Amount: 100, Debit: 100}

	// A pending credit on a debit-normal account holds 60 of the 100.
	got, err := a.ApplyEntry(change(a, Credit, 60, 0), TransitionPending)
	require.NoError(t, err)

	assert.Equal(t, Balance{Amount: -60, Credit: 60}, got.Pending)
	assert.Equal(t, int64(40), got.Available)
	assert.Equal(t, Balance{Amount: 100, Debit: 100}, got.Posted, "posted untouched by a hold")
}

func TestApplyEntryPendingToPostedSettlesHold(t *testing.T) {
	a := testAccount(Debit, false)
	a.Posted = Balance{Amount: 100, Debit: 100}
	a.Pending = Balance{Amount: -60, Credit: 60}
	a.Available = 40

	got, err := a.ApplyEntry(change(a, Credit, 60, 60), TransitionPendingToPosted)
	require.NoError(t, err)

	assert.Equal(t, Balance{}, got.Pending, "hold fully released")
	assert.Equal(t, Balance{Amount: 40, Debit: 100, Credit: 60}, got.Posted)
	assert.Equal(t, int64(40), got.Available)
}

func TestApplyEntryPendingToPostedDifferentAmount(t *testing.T) {
	a := testAccount(Debit, false)
	a.Posted = Balance{Amount: 100, Debit: 100}
	a.Pending = Balance{Amount: -60, Credit: 60}
	a.Available = 40

	// Settle for less than was held.
	got, err := a.ApplyEntry(change(a, Credit, 45, 60), TransitionPendingToPosted)
	require.NoError(t, err)

	assert.Equal(t, Balance{}, got.Pending)
	assert.Equal(t, Balance{Amount: 55, Debit: 100, Credit: 45}, got.Posted)
	assert.Equal(t, int64(55), got.Available)
}

func TestApplyEntryPendingToPendingAmendsHold(t *testing.T) {
	a := testAccount(Debit, false)
	a.Posted = Balance{Amount: 100, Debit: 100}
	a.Pending = Balance{Amount: -60, Credit: 60}
	a.Available = 40

	got, err := a.ApplyEntry(change(a, Credit, 25, 60), TransitionPendingToPending)
	require.NoError(t, err)

	assert.Equal(t, Balance{Amount: -25, Credit: 25}, got.Pending)
	assert.Equal(t, Balance{Amount: 100, Debit: 100}, got.Posted)
	assert.Equal(t, int64(75), got.Available)
}

func TestApplyEntryPendingToArchivedReleasesHold(t *testing.T) {
	a := testAccount(Debit, false)
	a.Posted = Balance{Amount: 100, Debit: 100}
	a.Pending = Balance{Amount: -60, Credit: 60}
	a.Available = 40

	got, err := a.ApplyEntry(change(a, Credit, 0, 60), TransitionPendingToArchived)
	require.NoError(t, err)

	assert.Equal(t, Balance{}, got.Pending)
	assert.Equal(t, Balance{Amount: 100, Debit: 100}, got.Posted, "archival never touches posted")
	assert.Equal(t, int64(100), got.Available)
}

func TestApplyEntryRejectsNegativeBalance(t *testing.T) {
	a := testAccount(Debit, false)
	a.Posted = Balance{Amount: 50, Debit: 50}
	a.Available = 50

	_, err := a.ApplyEntry(change(a, Credit, 80, 0), TransitionPosted)
	assert.ErrorIs(t, err, ErrNegativeBalance)
}

func TestApplyEntryAllowedNegativeClampsAvailable(t *testing.T) {
	a := testAccount(Debit, true)
	a.Posted = Balance{Amount: 50, Debit: 50}
	a.Available = 50

	got, err := a.ApplyEntry(change(a, Credit, 80, 0), TransitionPosted)
	require.NoError(t, err)

	assert.Equal(t, int64(-30), got.Posted.Amount)
	assert.Equal(t, int64(0), got.Available, "available never goes below zero")
}

func TestApplyEntryCurrencyMismatch(t *testing.T) {
	a := testAccount(Debit, false)
	ch := change(a, Debit, 10, 0)
	ch.Currency = "EUR"

	_, err := a.ApplyEntry(ch, TransitionPosted)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestApplyEntryWrongAccount(t *testing.T) {
	a := testAccount(Debit, false)
	ch := change(a, Debit, 10, 0)
	ch.AccountID = uuid.New()

	_, err := a.ApplyEntry(ch, TransitionPosted)
	assert.Error(t, err)
}

func TestDefaultNormalBalance(t *testing.T) {
	assert.Equal(t, Debit, AccountAsset.DefaultNormalBalance())
	assert.Equal(t, Debit, AccountExpense.DefaultNormalBalance())
	assert.Equal(t, Credit, AccountLiability.DefaultNormalBalance())
	assert.Equal(t, Credit, AccountEquity.DefaultNormalBalance())
	assert.Equal(t, Credit, AccountRevenue.DefaultNormalBalance())
}
