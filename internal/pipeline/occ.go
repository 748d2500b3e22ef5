package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openledgerhq/ledgerd/internal/domain"
)

// BuildFunc produces a fresh pipeline for one attempt. It is re-invoked on
// every OCC retry so steps re-read account state instead of reusing stale
// snapshots.
type BuildFunc func(item *domain.CommandQueueItem) (*Pipeline, error)

// TimeoutFunc persists the occ_timeout outcome in its own transaction after
// the driver exhausts its attempts. A nil TimeoutFunc selects the
// no-save-on-error mode used by synchronous callers: nothing is persisted
// and the error is returned for the caller to map onto the payload.
type TimeoutFunc func(ctx context.Context, item *domain.CommandQueueItem) error

// Driver retries a pipeline on stale-account conflicts with a linear
// backoff, sleeping between transactions, never inside one.
type Driver struct {
	runner        Runner
	maxRetries    int
	retryInterval time.Duration
	log           *zap.Logger

	// sleep is injectable so tests do not wait out the schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDriver(runner Runner, maxRetries int, retryInterval time.Duration, log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{
		runner:        runner,
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
		log:           log,
		sleep:         sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Process runs build's pipeline up to maxRetries times. A stale account at
// the transaction step appends to the item's error trail, waits out the
// linear backoff and retries; any other failure is returned unchanged for
// the caller to classify. On exhaustion the item is flagged occ_timeout,
// onTimeout (if set) persists it in a separate transaction, and the driver
// returns domain.ErrOCCTimeout.
func (d *Driver) Process(ctx context.Context, item *domain.CommandQueueItem, build BuildFunc, onTimeout TimeoutFunc) (Results, error) {
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		p, err := build(item)
		if err != nil {
			return nil, err
		}

		res, err := d.runner.Run(ctx, p)
		if err == nil {
			return res, nil
		}

		var stepErr *StepError
		if !errors.As(err, &stepErr) || stepErr.Step != StepTransaction || !errors.Is(err, domain.ErrStaleAccount) {
			return nil, err
		}

		item.OCCRetryCount++
		remaining := d.maxRetries - attempt
		item.AppendError(
			fmt.Sprintf("OCC conflict: %v; %d attempts left", stepErr.Err, remaining),
			time.Now().UTC(),
		)
		d.log.Debug("occ conflict",
			zap.String("item_id", item.ID.String()),
			zap.Int("attempt", attempt),
			zap.Int("remaining", remaining),
		)
		if remaining == 0 {
			break
		}

		// Linear schedule: the first conflict waits the longest and each
		// further attempt waits one interval less.
		delay := time.Duration(d.maxRetries-attempt+1) * d.retryInterval
		if err := d.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	retryAfter := now.Add(time.Duration(d.maxRetries) * d.retryInterval)
	item.Status = domain.ItemOCCTimeout
	item.NextRetryAfter = &retryAfter

	if onTimeout != nil {
		if err := onTimeout(ctx, item); err != nil {
			return nil, fmt.Errorf("persisting occ timeout: %w", err)
		}
	}
	return nil, fmt.Errorf("%w after %d attempts", domain.ErrOCCTimeout, d.maxRetries)
}
