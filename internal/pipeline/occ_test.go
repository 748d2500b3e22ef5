package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openledgerhq/ledgerd/internal/domain"
)

// scriptedRunner returns one scripted outcome per Run call.
type scriptedRunner struct {
	outcomes []error
	calls    int
}

func (r *scriptedRunner) Run(ctx context.Context, p *Pipeline) (Results, error) {
	idx := r.calls
	r.calls++
	if idx >= len(r.outcomes) {
		idx = len(r.outcomes) - 1
	}
	if err := r.outcomes[idx]; err != nil {
		return nil, err
	}
	return Results{StepTransaction: "ok"}, nil
}

func staleErr() error {
	return &StepError{Step: StepTransaction, Err: domain.ErrStaleAccount}
}

func newTestDriver(r Runner, maxRetries int) (*Driver, *[]time.Duration) {
	d := NewDriver(r, maxRetries, 200*time.Millisecond, nil)
	slept := &[]time.Duration{}
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		*slept = append(*slept, dur)
		return nil
	}
	return d, slept
}

func testItem() *domain.CommandQueueItem {
	return &domain.CommandQueueItem{ID: uuid.New(), CommandID: uuid.New(), Status: domain.ItemProcessing}
}

func buildNoop(item *domain.CommandQueueItem) (*Pipeline, error) {
	return New(), nil
}

func TestProcessFirstAttemptSucceeds(t *testing.T) {
	runner := &scriptedRunner{outcomes: []error{nil}}
	d, slept := newTestDriver(runner, 5)
	item := testItem()

	res, err := d.Process(context.Background(), item, buildNoop, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res[StepTransaction])
	assert.Equal(t, 1, runner.calls)
	assert.Empty(t, *slept)
	assert.Zero(t, item.OCCRetryCount)
}

func TestProcessRetriesOnStaleAccount(t *testing.T) {
	runner := &scriptedRunner{outcomes: []error{staleErr(), staleErr(), nil}}
	d, slept := newTestDriver(runner, 5)
	item := testItem()

	res, err := d.Process(context.Background(), item, buildNoop, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res[StepTransaction])
	assert.Equal(t, 3, runner.calls)
	assert.Equal(t, 2, item.OCCRetryCount)
	assert.Len(t, item.Errors, 2)

	// Linear schedule counts down: 5 intervals after the first conflict,
	// 4 after the second.
	assert.Equal(t, []time.Duration{1000 * time.Millisecond, 800 * time.Millisecond}, *slept)
}

func TestProcessExhaustionFlagsOCCTimeout(t *testing.T) {
	runner := &scriptedRunner{outcomes: []error{staleErr()}}
	d, _ := newTestDriver(runner, 3)
	item := testItem()

	persisted := false
	_, err := d.Process(context.Background(), item, buildNoop, func(ctx context.Context, it *domain.CommandQueueItem) error {
		persisted = true
		assert.Equal(t, domain.ItemOCCTimeout, it.Status)
		return nil
	})

	assert.ErrorIs(t, err, domain.ErrOCCTimeout)
	assert.True(t, persisted)
	assert.Equal(t, 3, runner.calls)
	assert.Equal(t, 3, item.OCCRetryCount)
	assert.Equal(t, domain.ItemOCCTimeout, item.Status)
	require.NotNil(t, item.NextRetryAfter)
	assert.WithinDuration(t, time.Now().Add(600*time.Millisecond), *item.NextRetryAfter, time.Second)
}

func TestProcessNoSaveModeSkipsPersistence(t *testing.T) {
	runner := &scriptedRunner{outcomes: []error{staleErr()}}
	d, _ := newTestDriver(runner, 2)
	item := testItem()

	_, err := d.Process(context.Background(), item, buildNoop, nil)
	assert.ErrorIs(t, err, domain.ErrOCCTimeout)
	// Status still flagged on the in-memory item; nothing was written.
	assert.Equal(t, domain.ItemOCCTimeout, item.Status)
}

func TestProcessNonOCCErrorPassesThrough(t *testing.T) {
	cause := &StepError{Step: StepTransactionMap, Err: domain.ErrAccountNotFound}
	runner := &scriptedRunner{outcomes: []error{cause}}
	d, slept := newTestDriver(runner, 5)
	item := testItem()

	_, err := d.Process(context.Background(), item, buildNoop, nil)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	assert.Equal(t, 1, runner.calls, "no retry for non-OCC failures")
	assert.Empty(t, *slept)
	assert.Zero(t, item.OCCRetryCount)
}

func TestProcessStaleOutsideTransactionStepNotRetried(t *testing.T) {
	cause := &StepError{Step: StepEventSuccess, Err: domain.ErrStaleAccount}
	runner := &scriptedRunner{outcomes: []error{cause}}
	d, _ := newTestDriver(runner, 5)

	_, err := d.Process(context.Background(), testItem(), buildNoop, nil)
	assert.ErrorIs(t, err, domain.ErrStaleAccount)
	assert.Equal(t, 1, runner.calls)
}

func TestProcessBuildErrorStopsImmediately(t *testing.T) {
	runner := &scriptedRunner{outcomes: []error{nil}}
	d, _ := newTestDriver(runner, 5)

	buildFail := func(item *domain.CommandQueueItem) (*Pipeline, error) {
		return nil, errors.New("bad action")
	}
	_, err := d.Process(context.Background(), testItem(), buildFail, nil)
	assert.EqualError(t, err, "bad action")
	assert.Zero(t, runner.calls)
}

func TestStepErrorUnwrap(t *testing.T) {
	err := &StepError{Step: StepTransaction, Err: domain.ErrStaleAccount}
	assert.ErrorIs(t, err, domain.ErrStaleAccount)
	assert.Contains(t, err.Error(), StepTransaction)
}
