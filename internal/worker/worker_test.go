package worker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openledgerhq/ledgerd/internal/domain"
)

func TestNextRetryDelay(t *testing.T) {
	base := 30 * time.Second
	max := 3600 * time.Second

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{6, 1920 * time.Second},
		{7, 3600 * time.Second},  // 3840s clamped to the cap
		{20, 3600 * time.Second}, // exponent capped, then clamped
		{-1, 30 * time.Second},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, NextRetryDelay(tc.retryCount, base, max), "retryCount=%d", tc.retryCount)
	}
}

func TestNextRetryDelaySmallCap(t *testing.T) {
	// The cap applies even when base**2^n never reaches the shift limit.
	assert.Equal(t, 5*time.Second, NextRetryDelay(10, time.Second, 5*time.Second))
}

func TestIsFatal(t *testing.T) {
	fatal := []error{
		domain.ErrNegativeBalance,
		domain.ErrCurrencyMismatch,
		domain.ErrInvalidTransition,
		domain.ErrUnbalancedEntries,
		domain.ErrTooFewEntries,
		domain.ErrEntryTypeImmutable,
		domain.ErrAccountSetChanged,
		domain.ErrImmutableField,
		domain.ErrAccountNotFound,
		domain.ErrAccountCrossInstance,
		domain.ErrDependencyDead,
		domain.ErrDuplicateCommand,
		domain.NewFieldError("transaction.entries", "too few"),
		fmt.Errorf("wrapped: %w", domain.ErrNegativeBalance),
	}
	for _, err := range fatal {
		assert.True(t, isFatal(err), "%v should be fatal", err)
	}

	transient := []error{
		fmt.Errorf("connection reset"),
		domain.ErrStaleAccount,
		domain.ErrDependencyPending,
		&DependencyError{Outcome: DependencyRetry, Detail: "waiting"},
	}
	for _, err := range transient {
		assert.False(t, isFatal(err), "%v should be retryable", err)
	}
}

func newRoutingWorker() *Worker {
	return &Worker{
		log:            zap.NewNop(),
		maxRetries:     5,
		baseRetryDelay: 30 * time.Second,
		maxRetryDelay:  time.Hour,
	}
}

func TestRouteOutcomeDependencyWaits(t *testing.T) {
	w := newRoutingWorker()
	now := time.Now().UTC()

	// Update processed before its create exists: back to pending, scheduled
	// one base delay out.
	item := &domain.CommandQueueItem{Status: domain.ItemProcessing, RetryCount: 1}
	w.routeOutcome(item, &DependencyError{Outcome: DependencyRetry, Detail: "no create_account command yet"}, now)

	assert.Equal(t, domain.ItemPending, item.Status)
	require.NotNil(t, item.NextRetryAfter)
	assert.Equal(t, now.Add(30*time.Second), *item.NextRetryAfter)
	require.NotEmpty(t, item.Errors)
	assert.Contains(t, item.Errors[0].Message, "waiting on create command")
}

func TestRouteOutcomeDependencyAlignsToCreateSchedule(t *testing.T) {
	w := newRoutingWorker()
	now := time.Now().UTC()

	createRetry := now.Add(2 * time.Minute)
	item := &domain.CommandQueueItem{Status: domain.ItemProcessing, RetryCount: 1}
	w.routeOutcome(item, &DependencyError{
		Outcome:    DependencyRetry,
		CreateItem: &domain.CommandQueueItem{NextRetryAfter: &createRetry},
		Detail:     "create command is failed",
	}, now)

	assert.Equal(t, domain.ItemPending, item.Status)
	require.NotNil(t, item.NextRetryAfter)
	assert.Equal(t, createRetry.Add(30*time.Second), *item.NextRetryAfter)
}

func TestRouteOutcomeDependencyBudgetExhausted(t *testing.T) {
	w := newRoutingWorker()
	now := time.Now().UTC()

	// The create never showed up across the whole retry budget.
	item := &domain.CommandQueueItem{Status: domain.ItemProcessing, RetryCount: 5}
	w.routeOutcome(item, &DependencyError{Outcome: DependencyRetry, Detail: "no create_account command yet"}, now)

	assert.Equal(t, domain.ItemDeadLetter, item.Status)
	assert.Nil(t, item.NextRetryAfter)
}

func TestRouteOutcomeFatalDeadLetters(t *testing.T) {
	w := newRoutingWorker()
	now := time.Now().UTC()

	item := &domain.CommandQueueItem{Status: domain.ItemProcessing, RetryCount: 1}
	w.routeOutcome(item, domain.ErrNegativeBalance, now)

	assert.Equal(t, domain.ItemDeadLetter, item.Status)
	assert.Nil(t, item.NextRetryAfter)
}

func TestRouteOutcomeTransientBacksOff(t *testing.T) {
	w := newRoutingWorker()
	now := time.Now().UTC()

	item := &domain.CommandQueueItem{Status: domain.ItemProcessing, RetryCount: 2}
	w.routeOutcome(item, fmt.Errorf("connection reset"), now)

	assert.Equal(t, domain.ItemFailed, item.Status)
	require.NotNil(t, item.NextRetryAfter)
	assert.Equal(t, now.Add(120*time.Second), *item.NextRetryAfter)

	exhausted := &domain.CommandQueueItem{Status: domain.ItemProcessing, RetryCount: 5}
	w.routeOutcome(exhausted, fmt.Errorf("connection reset"), now)
	assert.Equal(t, domain.ItemDeadLetter, exhausted.Status)
}

func TestAppendErrorBounded(t *testing.T) {
	item := &domain.CommandQueueItem{}
	for i := 0; i < 30; i++ {
		item.AppendError(fmt.Sprintf("failure %d", i), time.Now())
	}

	assert.Len(t, item.Errors, 20)
	assert.Equal(t, "failure 29", item.Errors[0].Message, "newest first")
}
