package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openledgerhq/ledgerd/internal/domain"
)

// ErrClaimLost means the item's claim was superseded (recovered or re-claimed)
// while this worker still held a stale copy; the caller must not write its
// outcome.
var ErrClaimLost = errors.New("queue item claim lost")

const queueItemColumns = `id, command_id, status, processor_id, processor_version,
	processing_started_at, processing_completed_at,
	retry_count, next_retry_after, occ_retry_count, errors,
	inserted_at, updated_at`

func scanQueueItem(row pgx.Row) (*domain.CommandQueueItem, error) {
	var i domain.CommandQueueItem
	var processorID *string
	var errorsJSON []byte
	err := row.Scan(
		&i.ID, &i.CommandID, &i.Status, &processorID, &i.ProcessorVersion,
		&i.ProcessingStartedAt, &i.ProcessingCompletedAt,
		&i.RetryCount, &i.NextRetryAfter, &i.OCCRetryCount, &errorsJSON,
		&i.InsertedAt, &i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if processorID != nil {
		i.ProcessorID = *processorID
	}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &i.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal error trail: %w", err)
		}
	}
	return &i, nil
}

// InsertQueueItem creates the pending queue item paired with a command.
func (s *Store) InsertQueueItem(ctx context.Context, q Querier, commandID uuid.UUID) (*domain.CommandQueueItem, error) {
	item := &domain.CommandQueueItem{
		ID:        uuid.New(),
		CommandID: commandID,
		Status:    domain.ItemPending,
	}
	err := q.QueryRow(ctx,
		`INSERT INTO command_queue_items (id, command_id) VALUES ($1, $2)
		 RETURNING inserted_at, updated_at`,
		item.ID, item.CommandID,
	).Scan(&item.InsertedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// GetQueueItem fetches a queue item by id.
func (s *Store) GetQueueItem(ctx context.Context, q Querier, id uuid.UUID) (*domain.CommandQueueItem, error) {
	item, err := scanQueueItem(q.QueryRow(ctx,
		`SELECT `+queueItemColumns+` FROM command_queue_items WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCommandNotFound
	}
	return item, err
}

// GetQueueItemByCommand fetches the queue item paired with a command.
func (s *Store) GetQueueItemByCommand(ctx context.Context, q Querier, commandID uuid.UUID) (*domain.CommandQueueItem, error) {
	item, err := scanQueueItem(q.QueryRow(ctx,
		`SELECT `+queueItemColumns+` FROM command_queue_items WHERE command_id = $1`, commandID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCommandNotFound
	}
	return item, err
}

// DueItems selects items the scheduler may dispatch this tick: retryable
// status and either no schedule or a schedule that has elapsed. Ordered so
// never-scheduled items go first, then oldest.
func (s *Store) DueItems(ctx context.Context, limit int) ([]*domain.CommandQueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	query, args, err := s.sb.Select(queueItemColumns).
		From("command_queue_items").
		Where(sq.Eq{"status": []domain.ItemStatus{domain.ItemPending, domain.ItemFailed, domain.ItemOCCTimeout}}).
		Where(sq.Or{
			sq.Eq{"next_retry_after": nil},
			sq.Expr("next_retry_after <= now()"),
		}).
		OrderBy("next_retry_after NULLS FIRST", "inserted_at").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.CommandQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ClaimItem attempts the at-most-one-worker claim. The UPDATE is predicated
// on the processor_version the scheduler read; zero rows means another
// worker won and the caller backs off quietly. On success the item struct is
// refreshed from the row.
func (s *Store) ClaimItem(ctx context.Context, item *domain.CommandQueueItem, processorID string) (bool, error) {
	row := s.db.QueryRow(ctx,
		`UPDATE command_queue_items
		    SET status = 'processing',
		        processor_id = $1,
		        processing_started_at = now(),
		        next_retry_after = NULL,
		        retry_count = retry_count + 1,
		        processor_version = processor_version + 1,
		        updated_at = now()
		  WHERE id = $2 AND processor_version = $3
		  RETURNING `+queueItemColumns,
		processorID, item.ID, item.ProcessorVersion,
	)
	claimed, err := scanQueueItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	*item = *claimed
	return true, nil
}

// SaveItemOutcome persists the item's post-processing state: status, retry
// schedule, OCC counter, completion time and error trail. The UPDATE is
// fenced on the processor_version the worker claimed at: if recovery or a
// re-claim bumped it since, zero rows come back and the stale worker gets
// ErrClaimLost instead of overwriting the new holder's state. Inside a
// pipeline transaction that aborts the whole commit.
func (s *Store) SaveItemOutcome(ctx context.Context, q Querier, item *domain.CommandQueueItem) error {
	errorsJSON, err := json.Marshal(item.Errors)
	if err != nil {
		return fmt.Errorf("marshal error trail: %w", err)
	}
	tag, err := q.Exec(ctx,
		`UPDATE command_queue_items
		    SET status = $1,
		        processing_completed_at = $2,
		        next_retry_after = $3,
		        occ_retry_count = $4,
		        errors = $5,
		        updated_at = now()
		  WHERE id = $6 AND processor_version = $7`,
		item.Status, item.ProcessingCompletedAt, item.NextRetryAfter,
		item.OCCRetryCount, errorsJSON, item.ID, item.ProcessorVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// RecoverStuck reverts items that have sat in processing longer than the
// threshold and whose processor is not among the live set. The version bump
// fences out the old holder: if it turns out to be alive after all, its
// SaveItemOutcome no longer matches and fails with ErrClaimLost.
func (s *Store) RecoverStuck(ctx context.Context, threshold time.Duration, liveProcessors []string) (int64, error) {
	if liveProcessors == nil {
		liveProcessors = []string{}
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE command_queue_items
		    SET status = 'pending',
		        next_retry_after = NULL,
		        processor_version = processor_version + 1,
		        errors = jsonb_build_array(jsonb_build_object(
		            'message', 'recovered from stale processing claim held by ' || COALESCE(processor_id, 'unknown'),
		            'inserted_at', now())) || errors,
		        updated_at = now()
		  WHERE status = 'processing'
		    AND processing_started_at < now() - $1::interval
		    AND (processor_id IS NULL OR NOT (processor_id = ANY($2)))`,
		fmt.Sprintf("%f seconds", threshold.Seconds()), liveProcessors,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
