// Package worker turns durable commands into ledger state. Each action gets
// a pipeline of named steps run in one database transaction under the OCC
// driver; the worker classifies failures and routes queue items to retry,
// revert-to-pending or dead-letter.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/openledgerhq/ledgerd/internal/config"
	"github.com/openledgerhq/ledgerd/internal/domain"
	"github.com/openledgerhq/ledgerd/internal/ledger"
	"github.com/openledgerhq/ledgerd/internal/pipeline"
	"github.com/openledgerhq/ledgerd/internal/store"
)

type Worker struct {
	store   *store.Store
	applier *ledger.Applier
	driver  *pipeline.Driver
	log     *zap.Logger

	maxRetries     int
	baseRetryDelay time.Duration
	maxRetryDelay  time.Duration
}

func New(st *store.Store, ap *ledger.Applier, drv *pipeline.Driver, cfg *config.Config, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		store:          st,
		applier:        ap,
		driver:         drv,
		log:            log,
		maxRetries:     cfg.MaxRetries,
		baseRetryDelay: cfg.BaseRetryDelay,
		maxRetryDelay:  cfg.MaxRetryDelay,
	}
}

// Submit validates an event map and durably enqueues it: command plus
// pending queue item in one transaction. Duplicate submissions return the
// prior command together with domain.ErrDuplicateCommand.
func (w *Worker) Submit(ctx context.Context, ev domain.EventMap) (*domain.Command, *domain.CommandQueueItem, error) {
	if err := ev.Validate(); err != nil {
		return nil, nil, err
	}
	inst, err := w.store.GetInstanceByAddress(ctx, w.store.Pool(), ev.InstanceAddress)
	if errors.Is(err, domain.ErrInstanceNotFound) {
		return nil, nil, domain.NewFieldError("instance_address", "instance not found")
	}
	if err != nil {
		return nil, nil, err
	}

	cmd := &domain.Command{InstanceID: inst.ID, EventMap: ev}
	tx, err := w.store.Pool().Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	if err := w.store.InsertCommand(ctx, tx, cmd); err != nil {
		if errors.Is(err, domain.ErrDuplicateCommand) {
			prior, lookupErr := w.store.FindCommandByEvent(ctx, w.store.Pool(), inst.ID, ev)
			if lookupErr != nil {
				return nil, nil, err
			}
			item, lookupErr := w.store.GetQueueItemByCommand(ctx, w.store.Pool(), prior.ID)
			if lookupErr != nil {
				return nil, nil, err
			}
			return prior, item, domain.ErrDuplicateCommand
		}
		return nil, nil, err
	}
	item, err := w.store.InsertQueueItem(ctx, tx, cmd.ID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return cmd, item, nil
}

// ProcessItem runs a claimed queue item's pipeline to completion and
// persists the outcome. Success is marked inside the pipeline's own
// transaction; every failure path is classified here.
func (w *Worker) ProcessItem(ctx context.Context, item *domain.CommandQueueItem) error {
	cmd, err := w.store.GetCommand(ctx, w.store.Pool(), item.CommandID)
	if err != nil {
		w.routeFailure(ctx, item, err)
		return err
	}

	_, err = w.driver.Process(ctx, item, w.buildPipeline(cmd, item, false), w.persistTimeout)
	if err == nil {
		w.log.Info("command processed",
			zap.String("command_id", cmd.ID.String()),
			zap.String("action", string(cmd.EventMap.Action)),
		)
		return nil
	}
	if errors.Is(err, domain.ErrOCCTimeout) {
		// Driver already persisted the occ_timeout state and schedule.
		w.log.Warn("command hit occ timeout", zap.String("command_id", cmd.ID.String()))
		return err
	}
	if errors.Is(err, store.ErrClaimLost) {
		// Another holder owns the item now; its version of events stands and
		// ours rolled back. Write nothing.
		w.log.Warn("queue item claim lost mid-pipeline",
			zap.String("item_id", item.ID.String()),
			zap.String("command_id", cmd.ID.String()),
		)
		return err
	}
	w.routeFailure(ctx, item, err)
	return err
}

// SyncResult is what the synchronous submit path hands back to the API.
type SyncResult struct {
	Command     *domain.Command
	Item        *domain.CommandQueueItem
	Account     *domain.Account
	Transaction *domain.Transaction
	Replayed    bool
}

// SubmitSync processes an event map inline in no-save-on-error mode: on any
// failure the transaction rolls back, nothing is persisted (not even the
// command), and the error maps back onto the submitted payload. Duplicates
// replay the prior outcome when it is available.
func (w *Worker) SubmitSync(ctx context.Context, ev domain.EventMap) (*SyncResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	inst, err := w.store.GetInstanceByAddress(ctx, w.store.Pool(), ev.InstanceAddress)
	if errors.Is(err, domain.ErrInstanceNotFound) {
		return nil, domain.NewFieldError("instance_address", "instance not found")
	}
	if err != nil {
		return nil, err
	}

	cmd := &domain.Command{ID: uuid.New(), InstanceID: inst.ID, EventMap: ev}
	item := &domain.CommandQueueItem{ID: uuid.New(), CommandID: cmd.ID, Status: domain.ItemPending}

	res, err := w.driver.Process(ctx, item, w.buildPipeline(cmd, item, true), nil)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateCommand) {
			return w.priorOutcome(ctx, inst.ID, ev)
		}
		return nil, err
	}

	out := &SyncResult{Command: cmd, Item: item}
	switch artifact := res[pipeline.StepTransaction].(type) {
	case *domain.Account:
		out.Account = artifact
	case *domain.Transaction:
		out.Transaction = artifact
	}
	return out, nil
}

// priorOutcome translates a duplicate submission into the earlier
// submission's result if that submission already applied; otherwise the
// duplicate error stands and the caller may retry with the same key.
func (w *Worker) priorOutcome(ctx context.Context, instanceID uuid.UUID, ev domain.EventMap) (*SyncResult, error) {
	cmd, err := w.store.FindCommandByEvent(ctx, w.store.Pool(), instanceID, ev)
	if err != nil {
		return nil, domain.ErrDuplicateCommand
	}
	item, err := w.store.GetQueueItemByCommand(ctx, w.store.Pool(), cmd.ID)
	if err != nil || item.Status != domain.ItemProcessed {
		return nil, domain.ErrDuplicateCommand
	}

	out := &SyncResult{Command: cmd, Item: item, Replayed: true}
	switch ev.Action {
	case domain.ActionCreateAccount, domain.ActionUpdateAccount:
		accountID, err := w.store.GetCommandAccount(ctx, w.store.Pool(), cmd.ID)
		if err != nil {
			return nil, domain.ErrDuplicateCommand
		}
		if out.Account, err = w.store.GetAccountByID(ctx, w.store.Pool(), accountID); err != nil {
			return nil, domain.ErrDuplicateCommand
		}
	default:
		transactionID, err := w.store.GetCommandTransaction(ctx, w.store.Pool(), cmd.ID)
		if err != nil {
			return nil, domain.ErrDuplicateCommand
		}
		if out.Transaction, err = w.store.GetTransaction(ctx, w.store.Pool(), transactionID); err != nil {
			return nil, domain.ErrDuplicateCommand
		}
	}
	return out, nil
}

// buildPipeline dispatches on the command's action. sync selects the
// inline path where the command and queue item rows are inserted by the
// idempotency step instead of pre-existing.
func (w *Worker) buildPipeline(cmd *domain.Command, item *domain.CommandQueueItem, sync bool) pipeline.BuildFunc {
	return func(it *domain.CommandQueueItem) (*pipeline.Pipeline, error) {
		switch cmd.EventMap.Action {
		case domain.ActionCreateAccount:
			return w.createAccountPipeline(cmd, it, sync), nil
		case domain.ActionUpdateAccount:
			return w.updateAccountPipeline(cmd, it, sync), nil
		case domain.ActionCreateTransaction:
			return w.createTransactionPipeline(cmd, it, sync), nil
		case domain.ActionUpdateTransaction:
			return w.updateTransactionPipeline(cmd, it, sync), nil
		default:
			return nil, domain.NewFieldError("action", fmt.Sprintf("unknown action %q", cmd.EventMap.Action))
		}
	}
}

// occableStep resolves and re-verifies the owning instance at the start of
// every attempt.
func (w *Worker) occableStep(cmd *domain.Command) pipeline.StepFunc {
	return func(ctx context.Context, tx pgx.Tx, res pipeline.Results) (any, error) {
		inst, err := w.store.GetInstanceByAddress(ctx, tx, cmd.EventMap.InstanceAddress)
		if err != nil {
			return nil, err
		}
		if inst.ID != cmd.InstanceID {
			return nil, fmt.Errorf("instance %s moved underneath command %s", inst.Address, cmd.ID)
		}
		return inst, nil
	}
}

// idempotencyStep makes the command durable. On the synchronous path it
// inserts the command and queue item rows; on the queue path both already
// exist and the step just passes the command through.
func (w *Worker) idempotencyStep(cmd *domain.Command, item *domain.CommandQueueItem, sync bool) pipeline.StepFunc {
	return func(ctx context.Context, tx pgx.Tx, res pipeline.Results) (any, error) {
		if !sync {
			return cmd, nil
		}
		if err := w.store.InsertCommand(ctx, tx, cmd); err != nil {
			return nil, err
		}
		inserted, err := w.store.InsertQueueItem(ctx, tx, cmd.ID)
		if err != nil {
			return nil, err
		}
		// Keep the driver's working copy aligned with the inserted row but
		// preserve the error trail accumulated across attempts.
		inserted.Errors = item.Errors
		inserted.OCCRetryCount = item.OCCRetryCount
		*item = *inserted
		return cmd, nil
	}
}

// markProcessedStep finishes a pipeline: journal bookkeeping done, flag the
// queue item processed inside the same transaction.
func (w *Worker) markProcessed(ctx context.Context, tx pgx.Tx, item *domain.CommandQueueItem) error {
	now := time.Now().UTC()
	item.Status = domain.ItemProcessed
	item.ProcessingCompletedAt = &now
	item.NextRetryAfter = nil
	return w.store.SaveItemOutcome(ctx, tx, item)
}

// persistTimeout writes the occ_timeout state the driver computed, in its
// own transaction, after the pipeline's transaction has rolled back.
func (w *Worker) persistTimeout(ctx context.Context, item *domain.CommandQueueItem) error {
	return w.store.SaveItemOutcome(ctx, w.store.Pool(), item)
}

// routeFailure classifies a pipeline failure via routeOutcome and persists
// the queue item's next state.
func (w *Worker) routeFailure(ctx context.Context, item *domain.CommandQueueItem, cause error) {
	w.routeOutcome(item, cause, time.Now().UTC())
	if err := w.store.SaveItemOutcome(ctx, w.store.Pool(), item); err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			w.log.Warn("queue item claim lost before outcome write",
				zap.String("item_id", item.ID.String()),
			)
			return
		}
		w.log.Error("failed to persist queue item outcome",
			zap.String("item_id", item.ID.String()),
			zap.Error(err),
		)
	}
}

// routeOutcome mutates the item in place: revert-to-pending for dependency
// misses (until the structural retry budget runs out), dead_letter for
// permanent errors, scheduled retry with exponential backoff for the rest.
func (w *Worker) routeOutcome(item *domain.CommandQueueItem, cause error, now time.Time) {
	var depErr *DependencyError

	switch {
	case errors.As(cause, &depErr) && depErr.Outcome == DependencyRetry:
		item.AppendError("waiting on create command: "+cause.Error(), now)
		if item.RetryCount >= w.maxRetries {
			// The create never arrived (or never applied) across the whole
			// retry budget; stop waiting.
			item.Status = domain.ItemDeadLetter
			item.NextRetryAfter = nil
			return
		}
		item.Status = domain.ItemPending
		retryAt := now.Add(w.baseRetryDelay)
		if ci := depErr.CreateItem; ci != nil && ci.NextRetryAfter != nil {
			retryAt = ci.NextRetryAfter.Add(w.baseRetryDelay)
		}
		item.NextRetryAfter = &retryAt

	case isFatal(cause):
		item.Status = domain.ItemDeadLetter
		item.NextRetryAfter = nil
		item.AppendError(cause.Error(), now)

	default:
		item.AppendError(cause.Error(), now)
		if item.RetryCount >= w.maxRetries {
			item.Status = domain.ItemDeadLetter
			item.NextRetryAfter = nil
		} else {
			item.Status = domain.ItemFailed
			retryAt := now.Add(NextRetryDelay(item.RetryCount, w.baseRetryDelay, w.maxRetryDelay))
			item.NextRetryAfter = &retryAt
		}
	}
}

// NextRetryDelay is the queue-level schedule: exponential in the retry
// count, capped at max. Distinct from the OCC driver's linear in-pipeline
// backoff.
func NextRetryDelay(retryCount int, base, max time.Duration) time.Duration {
	const maxShift = 7
	shift := retryCount
	if shift < 0 {
		shift = 0
	}
	if shift > maxShift {
		shift = maxShift
	}
	d := base << shift
	if d > max {
		d = max
	}
	return d
}

// isFatal reports whether the failure can never succeed on retry.
func isFatal(err error) bool {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return true
	}
	for _, target := range []error{
		domain.ErrDependencyDead,
		domain.ErrNegativeBalance,
		domain.ErrCurrencyMismatch,
		domain.ErrInvalidTransition,
		domain.ErrTooFewEntries,
		domain.ErrUnbalancedEntries,
		domain.ErrEntryTypeImmutable,
		domain.ErrAccountSetChanged,
		domain.ErrImmutableField,
		domain.ErrAccountNotFound,
		domain.ErrAccountCrossInstance,
		domain.ErrInstanceNotFound,
		domain.ErrDuplicateCommand,
		store.ErrAccountExists,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
