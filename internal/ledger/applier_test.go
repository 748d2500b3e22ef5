package ledger

// Lifecycle tests against a real Postgres with the migrations applied; they
// skip unless TEST_DATABASE_URL is set.

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openledgerhq/ledgerd/internal/domain"
	"github.com/openledgerhq/ledgerd/internal/store"
)

type fixture struct {
	store    *store.Store
	applier  *Applier
	instance *domain.Instance
	cash     *domain.Account
	revenue  *domain.Account
}

func setup(t *testing.T) *fixture {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := store.NewStore(url)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	ctx := context.Background()
	inst := &domain.Instance{Address: fmt.Sprintf("ledger:%s", uuid.NewString()[:8])}
	require.NoError(t, s.InsertInstance(ctx, inst))

	cash := &domain.Account{
		InstanceID:    inst.ID,
		Address:       fmt.Sprintf("cash:%s", uuid.NewString()[:8]),
		Name:          fmt.Sprintf("Cash %s", uuid.NewString()[:8]),
		Type:          domain.AccountAsset,
		NormalBalance: domain.Debit,
		Currency:      "USD",
	}
	require.NoError(t, s.InsertAccount(ctx, s.Pool(), cash))

	revenue := &domain.Account{
		InstanceID:    inst.ID,
		Address:       fmt.Sprintf("revenue:%s", uuid.NewString()[:8]),
		Name:          fmt.Sprintf("Revenue %s", uuid.NewString()[:8]),
		Type:          domain.AccountRevenue,
		NormalBalance: domain.Credit,
		Currency:      "USD",
	}
	require.NoError(t, s.InsertAccount(ctx, s.Pool(), revenue))

	return &fixture{store: s, applier: NewApplier(s), instance: inst, cash: cash, revenue: revenue}
}

func (f *fixture) entries(amount int64) []EntryInput {
	return []EntryInput{
		{AccountID: f.cash.ID, Type: domain.Debit, Amount: amount, Currency: "USD"},
		{AccountID: f.revenue.ID, Type: domain.Credit, Amount: amount, Currency: "USD"},
	}
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *domain.Account {
	t.Helper()
	a, err := f.store.GetAccountByID(context.Background(), f.store.Pool(), id)
	require.NoError(t, err)
	return a
}

func TestCreatePostedTransaction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	txn, err := f.applier.Create(ctx, f.store.Pool(), f.instance.ID, Input{
		Status:  domain.StatusPosted,
		Entries: f.entries(100),
	})
	require.NoError(t, err)
	require.NotNil(t, txn.PostedAt)

	cash := f.reload(t, f.cash.ID)
	assert.Equal(t, domain.Balance{Amount: 100, Debit: 100}, cash.Posted)
	assert.Equal(t, int64(100), cash.Available)
	assert.Equal(t, int64(1), cash.LockVersion)

	revenue := f.reload(t, f.revenue.ID)
	assert.Equal(t, domain.Balance{Amount: 100, Credit: 100}, revenue.Posted)
}

func TestPendingThenPostLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	txn, err := f.applier.Create(ctx, f.store.Pool(), f.instance.ID, Input{
		Status:  domain.StatusPending,
		Entries: f.entries(60),
	})
	require.NoError(t, err)
	assert.Nil(t, txn.PostedAt)

	cash := f.reload(t, f.cash.ID)
	assert.Equal(t, domain.Balance{}, cash.Posted)
	assert.Equal(t, domain.Balance{Amount: 60, Debit: 60}, cash.Pending)

	// Settle for a smaller amount: the whole hold releases, the new amount
	// posts, the stored entry amounts follow.
	updated, err := f.applier.Update(ctx, f.store.Pool(), f.instance.ID, txn.ID, UpdateInput{
		Status: domain.StatusPosted,
		Entries: []EntryInput{
			{AccountID: f.cash.ID, Amount: 45, Currency: "USD"},
			{AccountID: f.revenue.ID, Amount: 45, Currency: "USD"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPosted, updated.Status)
	require.NotNil(t, updated.PostedAt)

	cash = f.reload(t, f.cash.ID)
	assert.Equal(t, domain.Balance{Amount: 45, Debit: 45}, cash.Posted)
	assert.Equal(t, domain.Balance{}, cash.Pending)
	assert.Equal(t, int64(45), cash.Available)

	stored, err := f.store.GetTransaction(ctx, f.store.Pool(), txn.ID)
	require.NoError(t, err)
	for _, e := range stored.Entries {
		assert.Equal(t, int64(45), e.Amount)
	}
}

func TestArchivePendingReleasesHold(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	txn, err := f.applier.Create(ctx, f.store.Pool(), f.instance.ID, Input{
		Status:  domain.StatusPending,
		Entries: f.entries(60),
	})
	require.NoError(t, err)

	_, err = f.applier.Update(ctx, f.store.Pool(), f.instance.ID, txn.ID, UpdateInput{
		Status: domain.StatusArchived,
	})
	require.NoError(t, err)

	cash := f.reload(t, f.cash.ID)
	assert.Equal(t, domain.Balance{}, cash.Posted)
	assert.Equal(t, domain.Balance{}, cash.Pending)
	assert.Equal(t, int64(0), cash.Available)
}

func TestPostedTransactionIsTerminal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	txn, err := f.applier.Create(ctx, f.store.Pool(), f.instance.ID, Input{
		Status:  domain.StatusPosted,
		Entries: f.entries(100),
	})
	require.NoError(t, err)

	_, err = f.applier.Update(ctx, f.store.Pool(), f.instance.ID, txn.ID, UpdateInput{
		Status: domain.StatusArchived,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCreateRejectsUnbalancedEntries(t *testing.T) {
	f := setup(t)

	_, err := f.applier.Create(context.Background(), f.store.Pool(), f.instance.ID, Input{
		Status: domain.StatusPosted,
		Entries: []EntryInput{
			{AccountID: f.cash.ID, Type: domain.Debit, Amount: 100, Currency: "USD"},
			{AccountID: f.revenue.ID, Type: domain.Credit, Amount: 90, Currency: "USD"},
		},
	})
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCreateRejectsNegativeBalance(t *testing.T) {
	f := setup(t)

	// Credit against the empty cash account with no negative allowance.
	_, err := f.applier.Create(context.Background(), f.store.Pool(), f.instance.ID, Input{
		Status: domain.StatusPosted,
		Entries: []EntryInput{
			{AccountID: f.cash.ID, Type: domain.Credit, Amount: 50, Currency: "USD"},
			{AccountID: f.revenue.ID, Type: domain.Debit, Amount: 50, Currency: "USD"},
		},
	})
	assert.ErrorIs(t, err, domain.ErrNegativeBalance)
}

func TestUpdateRejectsAccountSetChange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	txn, err := f.applier.Create(ctx, f.store.Pool(), f.instance.ID, Input{
		Status:  domain.StatusPending,
		Entries: f.entries(60),
	})
	require.NoError(t, err)

	other := &domain.Account{
		InstanceID:    f.instance.ID,
		Address:       fmt.Sprintf("other:%s", uuid.NewString()[:8]),
		Name:          fmt.Sprintf("Other %s", uuid.NewString()[:8]),
		Type:          domain.AccountAsset,
		NormalBalance: domain.Debit,
		Currency:      "USD",
	}
	require.NoError(t, f.store.InsertAccount(ctx, f.store.Pool(), other))

	_, err = f.applier.Update(ctx, f.store.Pool(), f.instance.ID, txn.ID, UpdateInput{
		Status: domain.StatusPosted,
		Entries: []EntryInput{
			{AccountID: other.ID, Amount: 60, Currency: "USD"},
			{AccountID: f.revenue.ID, Amount: 60, Currency: "USD"},
		},
	})
	assert.ErrorIs(t, err, domain.ErrAccountSetChanged)
}

func TestUpdateCrossInstanceRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	txn, err := f.applier.Create(ctx, f.store.Pool(), f.instance.ID, Input{
		Status:  domain.StatusPending,
		Entries: f.entries(60),
	})
	require.NoError(t, err)

	foreign := &domain.Instance{Address: fmt.Sprintf("other:%s", uuid.NewString()[:8])}
	require.NoError(t, f.store.InsertInstance(ctx, foreign))

	_, err = f.applier.Update(ctx, f.store.Pool(), foreign.ID, txn.ID, UpdateInput{
		Status: domain.StatusPosted,
	})
	assert.Error(t, err)
}

func TestBalanceHistoryWritten(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.applier.Create(ctx, f.store.Pool(), f.instance.ID, Input{
		Status:  domain.StatusPosted,
		Entries: f.entries(100),
	})
	require.NoError(t, err)

	history, err := f.store.ListBalanceHistory(ctx, f.cash.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(100), history[0].Posted.Amount)
	assert.Equal(t, int64(100), history[0].Available)
}
