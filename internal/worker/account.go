package worker

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openledgerhq/ledgerd/internal/domain"
	"github.com/openledgerhq/ledgerd/internal/pipeline"
)

// createAccountPipeline materializes a create_account command: resolve the
// instance, make the command durable (sync path), insert the account, then
// journal the event and flag the item processed, all in one transaction.
func (w *Worker) createAccountPipeline(cmd *domain.Command, item *domain.CommandQueueItem, sync bool) *pipeline.Pipeline {
	return pipeline.New().
		Step(pipeline.StepOccableItem, w.occableStep(cmd)).
		Step(pipeline.StepIdempotency, w.idempotencyStep(cmd, item, sync)).
		Step(pipeline.StepTransaction, func(ctx context.Context, tx pgx.Tx, res pipeline.Results) (any, error) {
			p := cmd.EventMap.Account
			normal := p.NormalBalance
			if normal == "" {
				normal = p.Type.DefaultNormalBalance()
			}
			account := &domain.Account{
				ID:              uuid.New(),
				InstanceID:      cmd.InstanceID,
				Address:         p.Address,
				Name:            p.Name,
				Type:            p.Type,
				NormalBalance:   normal,
				Currency:        p.Currency,
				AllowedNegative: p.AllowedNegative,
				Description:     p.Description,
				Context:         p.Context,
			}
			if err := w.store.InsertAccount(ctx, tx, account); err != nil {
				return nil, err
			}
			if err := w.store.LinkCommandAccount(ctx, tx, cmd.ID, account.ID); err != nil {
				return nil, err
			}
			return account, nil
		}).
		Step(pipeline.StepEventSuccess, func(ctx context.Context, tx pgx.Tx, res pipeline.Results) (any, error) {
			account := res[pipeline.StepTransaction].(*domain.Account)
			journal, err := w.journalCommand(ctx, tx, cmd)
			if err != nil {
				return nil, err
			}
			if err := w.store.LinkJournalEventAccount(ctx, tx, journal.ID, account.ID); err != nil {
				return nil, err
			}
			return journal, w.markProcessed(ctx, tx, item)
		})
}

// updateAccountPipeline applies the mutable subset (description, context)
// once the create counterpart has durably applied.
func (w *Worker) updateAccountPipeline(cmd *domain.Command, item *domain.CommandQueueItem, sync bool) *pipeline.Pipeline {
	return pipeline.New().
		Step(pipeline.StepOccableItem, w.occableStep(cmd)).
		Step(pipeline.StepIdempotency, w.idempotencyStep(cmd, item, sync)).
		Step(pipeline.StepTransactionMap, func(ctx context.Context, tx pgx.Tx, res pipeline.Results) (any, error) {
			createCmd, _, err := w.resolveDependency(ctx, tx, cmd)
			if err != nil {
				return nil, err
			}
			accountID, err := w.store.GetCommandAccount(ctx, tx, createCmd.ID)
			if err != nil {
				return nil, err
			}
			return accountID, nil
		}).
		Step(pipeline.StepTransaction, func(ctx context.Context, tx pgx.Tx, res pipeline.Results) (any, error) {
			accountID := res[pipeline.StepTransactionMap].(uuid.UUID)
			p := cmd.EventMap.Account

			var description *string
			if p.Description != "" {
				description = &p.Description
			}
			if err := w.store.UpdateAccountMutable(ctx, tx, accountID, description, p.Context); err != nil {
				return nil, err
			}
			if err := w.store.LinkCommandAccount(ctx, tx, cmd.ID, accountID); err != nil {
				return nil, err
			}
			return w.store.GetAccountByID(ctx, tx, accountID)
		}).
		Step(pipeline.StepEventSuccess, func(ctx context.Context, tx pgx.Tx, res pipeline.Results) (any, error) {
			account := res[pipeline.StepTransaction].(*domain.Account)
			journal, err := w.journalCommand(ctx, tx, cmd)
			if err != nil {
				return nil, err
			}
			if err := w.store.LinkJournalEventAccount(ctx, tx, journal.ID, account.ID); err != nil {
				return nil, err
			}
			return journal, w.markProcessed(ctx, tx, item)
		})
}

// journalCommand freezes the command's event map as a journal event and links
// the two.
func (w *Worker) journalCommand(ctx context.Context, tx pgx.Tx, cmd *domain.Command) (*domain.JournalEvent, error) {
	journal := &domain.JournalEvent{
		InstanceID: cmd.InstanceID,
		EventMap:   cmd.EventMap,
	}
	if err := w.store.InsertJournalEvent(ctx, tx, journal); err != nil {
		return nil, err
	}
	if err := w.store.LinkJournalEventCommand(ctx, tx, journal.ID, cmd.ID); err != nil {
		return nil, err
	}
	return journal, nil
}
