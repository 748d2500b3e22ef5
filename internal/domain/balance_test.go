package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBalanceApply(t *testing.T) {
	var b Balance

	// Entries on the normal side grow the net, opposite entries shrink it;
	// the gross side always grows.
	b = b.Apply(100, Debit, Debit)
	assert.Equal(t, Balance{Amount: 100, Debit: 100, Credit: 0}, b)

	b = b.Apply(40, Credit, Debit)
	assert.Equal(t, Balance{Amount: 60, Debit: 100, Credit: 40}, b)
}

func TestBalanceInvariantAmountIsNetOfSides(t *testing.T) {
	ops := []struct {
		amount int64
		typ    EntryType
	}{
		{100, Debit}, {30, Credit}, {250, Debit}, {250, Credit}, {5, Credit},
	}

	for _, normal := range []NormalBalance{Debit, Credit} {
		var b Balance
		for _, op := range ops {
			b = b.Apply(op.amount, op.typ, normal)
			assert.Equal(t, b.Side(normal)-b.Side(normal.Opposite()), b.Amount,
				"normal=%s after %s %d", normal, op.typ, op.amount)
		}
	}
}

func TestReversePendingUndoesApply(t *testing.T) {
	start := Balance{Amount: 20, Debit: 70, Credit: 50}

	held := start.Apply(60, Credit, Debit)
	assert.Equal(t, Balance{Amount: -40, Debit: 70, Credit: 110}, held)

	released := held.ReversePending(60, Credit, Debit)
	assert.Equal(t, start, released)
}

func TestReverseAndApplyPendingReplacesAmount(t *testing.T) {
	var b Balance
	b = b.Apply(60, Credit, Debit)

	b = b.ReverseAndApplyPending(60, 45, Credit, Debit)
	assert.Equal(t, Balance{Amount: -45, Debit: 0, Credit: 45}, b)

	// Equivalent to reversing then re-applying.
	var c Balance
	c = c.Apply(60, Credit, Debit).ReversePending(60, Credit, Debit).Apply(45, Credit, Debit)
	assert.Equal(t, c, b)
}

func TestOpposite(t *testing.T) {
	assert.Equal(t, Credit, Debit.Opposite())
	assert.Equal(t, Debit, Credit.Opposite())
}
