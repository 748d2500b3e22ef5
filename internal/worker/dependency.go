package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/openledgerhq/ledgerd/internal/domain"
	"github.com/openledgerhq/ledgerd/internal/store"
)

// DependencyOutcome classifies whether an update command may proceed against
// its create counterpart.
type DependencyOutcome int

const (
	// DependencyReady means the create command applied; the update may run.
	DependencyReady DependencyOutcome = iota
	// DependencyRetry means the create command has not applied yet, or has
	// not even arrived; the update returns to pending and waits for it.
	DependencyRetry
	// DependencyDead means the create command is dead-lettered; the update
	// can never apply.
	DependencyDead
)

// ClassifyDependency maps the create counterpart's presence and queue status
// to an outcome. Ordering is causal, not temporal: an update submitted ahead
// of its create is not an error, it just waits. Only a dead-lettered create
// kills the update outright; a create that never arrives runs the update out
// of its structural retry budget instead.
func ClassifyDependency(found bool, status domain.ItemStatus) DependencyOutcome {
	if !found {
		return DependencyRetry
	}
	switch status {
	case domain.ItemProcessed:
		return DependencyReady
	case domain.ItemDeadLetter:
		return DependencyDead
	default:
		// pending, processing, failed, occ_timeout: still in flight.
		return DependencyRetry
	}
}

// DependencyError carries the classification and, for retryable misses, the
// create item whose schedule the update should align with.
type DependencyError struct {
	Outcome    DependencyOutcome
	CreateItem *domain.CommandQueueItem
	Detail     string
}

func (e *DependencyError) Error() string {
	return e.Detail
}

func (e *DependencyError) Unwrap() error {
	if e.Outcome == DependencyRetry {
		return domain.ErrDependencyPending
	}
	return domain.ErrDependencyDead
}

// createActionFor returns the create action an update action depends on.
func createActionFor(a domain.Action) domain.Action {
	if a == domain.ActionUpdateAccount {
		return domain.ActionCreateAccount
	}
	return domain.ActionCreateTransaction
}

// resolveDependency locates the create counterpart of cmd and enforces
// readiness. On success it returns the create command and its queue item.
func (w *Worker) resolveDependency(ctx context.Context, q store.Querier, cmd *domain.Command) (*domain.Command, *domain.CommandQueueItem, error) {
	ev := cmd.EventMap
	createCmd, createItem, err := w.store.FindCreateCommand(ctx, q, cmd.InstanceID, ev.Source, ev.SourceIdempk, createActionFor(ev.Action))
	if errors.Is(err, domain.ErrCommandNotFound) {
		return nil, nil, &DependencyError{
			Outcome: DependencyRetry,
			Detail: fmt.Sprintf("no %s command yet for source=%s source_idempk=%s",
				createActionFor(ev.Action), ev.Source, ev.SourceIdempk),
		}
	}
	if err != nil {
		return nil, nil, err
	}

	switch ClassifyDependency(true, createItem.Status) {
	case DependencyReady:
		return createCmd, createItem, nil
	case DependencyDead:
		return nil, nil, &DependencyError{
			Outcome: DependencyDead,
			Detail:  fmt.Sprintf("create command %s is dead-lettered", createCmd.ID),
		}
	default:
		return nil, nil, &DependencyError{
			Outcome:    DependencyRetry,
			CreateItem: createItem,
			Detail:     fmt.Sprintf("create command %s is %s", createCmd.ID, createItem.Status),
		}
	}
}
