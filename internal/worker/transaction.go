package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openledgerhq/ledgerd/internal/domain"
	"github.com/openledgerhq/ledgerd/internal/ledger"
	"github.com/openledgerhq/ledgerd/internal/pipeline"
)

// createTransactionPipeline materializes a create_transaction command. The
// transaction_map step resolves entry addresses to accounts; the transaction
// step is where stale-account conflicts surface and trigger OCC retries.
func (w *Worker) createTransactionPipeline(cmd *domain.Command, item *domain.CommandQueueItem, sync bool) *pipeline.Pipeline {
	return pipeline.New().
		Step(pipeline.StepOccableItem, w.occableStep(cmd)).
		Step(pipeline.StepIdempotency, w.idempotencyStep(cmd, item, sync)).
		Step(pipeline.StepTransactionMap, func(ctx context.Context, tx pgx.Tx, res pipeline.Results) (any, error) {
			entries, err := w.resolveEntries(ctx, tx, cmd.InstanceID, cmd.EventMap.Transaction.Entries)
			if err != nil {
				return nil, err
			}
			return ledger.Input{
				Status:  cmd.EventMap.Transaction.Status,
				Entries: entries,
			}, nil
		}).
		Step(pipeline.StepTransaction, func(ctx context.Context, tx pgx.Tx, res pipeline.Results) (any, error) {
			in := res[pipeline.StepTransactionMap].(ledger.Input)
			t, err := w.applier.Create(ctx, tx, cmd.InstanceID, in)
			if err != nil {
				return nil, err
			}
			if err := w.store.LinkCommandTransaction(ctx, tx, cmd.ID, t.ID); err != nil {
				return nil, err
			}
			return t, nil
		}).
		Step(pipeline.StepEventSuccess, func(ctx context.Context, tx pgx.Tx, res pipeline.Results) (any, error) {
			t := res[pipeline.StepTransaction].(*domain.Transaction)
			journal, err := w.journalCommand(ctx, tx, cmd)
			if err != nil {
				return nil, err
			}
			if err := w.store.LinkJournalEventTransaction(ctx, tx, journal.ID, t.ID); err != nil {
				return nil, err
			}
			// Pending transactions will be targeted by later update commands;
			// the lookup row is how those find their transaction.
			if t.Status == domain.StatusPending {
				lookup := &domain.PendingTransactionLookup{
					Source:         cmd.EventMap.Source,
					SourceIdempk:   cmd.EventMap.SourceIdempk,
					InstanceID:     cmd.InstanceID,
					CommandID:      cmd.ID,
					TransactionID:  t.ID,
					JournalEventID: journal.ID,
				}
				if err := w.store.UpsertPendingLookup(ctx, tx, lookup); err != nil {
					return nil, err
				}
			}
			return journal, w.markProcessed(ctx, tx, item)
		})
}

// updateTransactionPipeline drives a pending transaction to its next state:
// posted, amended pending, or archived. It waits on the create counterpart
// via dependency resolution before touching anything.
func (w *Worker) updateTransactionPipeline(cmd *domain.Command, item *domain.CommandQueueItem, sync bool) *pipeline.Pipeline {
	return pipeline.New().
		Step(pipeline.StepOccableItem, w.occableStep(cmd)).
		Step(pipeline.StepIdempotency, w.idempotencyStep(cmd, item, sync)).
		Step(pipeline.StepTransactionMap, func(ctx context.Context, tx pgx.Tx, res pipeline.Results) (any, error) {
			createCmd, _, err := w.resolveDependency(ctx, tx, cmd)
			if err != nil {
				return nil, err
			}
			transactionID, err := w.targetTransaction(ctx, tx, cmd, createCmd.ID)
			if err != nil {
				return nil, err
			}
			entries, err := w.resolveEntries(ctx, tx, cmd.InstanceID, cmd.EventMap.Transaction.Entries)
			if err != nil {
				return nil, err
			}
			return &updateTarget{
				transactionID: transactionID,
				input: ledger.UpdateInput{
					Status:  cmd.EventMap.Transaction.Status,
					Entries: entries,
				},
			}, nil
		}).
		Step(pipeline.StepTransaction, func(ctx context.Context, tx pgx.Tx, res pipeline.Results) (any, error) {
			target := res[pipeline.StepTransactionMap].(*updateTarget)
			t, err := w.applier.Update(ctx, tx, cmd.InstanceID, target.transactionID, target.input)
			if err != nil {
				return nil, err
			}
			if err := w.store.LinkCommandTransaction(ctx, tx, cmd.ID, t.ID); err != nil {
				return nil, err
			}
			return t, nil
		}).
		Step(pipeline.StepEventSuccess, func(ctx context.Context, tx pgx.Tx, res pipeline.Results) (any, error) {
			t := res[pipeline.StepTransaction].(*domain.Transaction)
			journal, err := w.journalCommand(ctx, tx, cmd)
			if err != nil {
				return nil, err
			}
			if err := w.store.LinkJournalEventTransaction(ctx, tx, journal.ID, t.ID); err != nil {
				return nil, err
			}
			return journal, w.markProcessed(ctx, tx, item)
		})
}

type updateTarget struct {
	transactionID uuid.UUID
	input         ledger.UpdateInput
}

// targetTransaction finds the transaction an update command addresses. The
// pending lookup row is the fast path; the create command's link table is
// the fallback when the transaction was created directly in posted status.
func (w *Worker) targetTransaction(ctx context.Context, tx pgx.Tx, cmd *domain.Command, createCmdID uuid.UUID) (uuid.UUID, error) {
	lookup, err := w.store.GetPendingLookup(ctx, tx, cmd.InstanceID, cmd.EventMap.Source, cmd.EventMap.SourceIdempk)
	if err == nil {
		return lookup.TransactionID, nil
	}
	if !errors.Is(err, domain.ErrTransactionNotFound) {
		return uuid.Nil, err
	}
	return w.store.GetCommandTransaction(ctx, tx, createCmdID)
}

// resolveEntries maps entry account addresses onto account ids inside the
// instance. Unresolved addresses come back as field errors naming the entry.
func (w *Worker) resolveEntries(ctx context.Context, tx pgx.Tx, instanceID uuid.UUID, entries []domain.EntryPayload) ([]ledger.EntryInput, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	addresses := make([]string, len(entries))
	for i, e := range entries {
		addresses[i] = e.AccountAddress
	}
	accounts, err := w.store.GetAccountsByAddresses(ctx, tx, instanceID, addresses)
	if err != nil {
		return nil, err
	}

	verr := &domain.ValidationError{}
	out := make([]ledger.EntryInput, len(entries))
	for i, e := range entries {
		a, ok := accounts[e.AccountAddress]
		if !ok {
			verr.Add(
				fmt.Sprintf("transaction.entries[%d].account_address", i),
				fmt.Sprintf("account %q not found in instance", e.AccountAddress),
			)
			continue
		}
		out[i] = ledger.EntryInput{
			AccountID: a.ID,
			Type:      e.Type,
			Amount:    e.Amount,
			Currency:  e.Currency,
		}
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}
	return out, nil
}
