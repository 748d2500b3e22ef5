package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openledgerhq/ledgerd/internal/domain"
)

// InsertCommand durably records intent. The partial unique indexes on
// (instance, source, source_idempk[, update_idempk]) turn a duplicate
// submission into domain.ErrDuplicateCommand.
func (s *Store) InsertCommand(ctx context.Context, q Querier, c *domain.Command) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	eventJSON, err := json.Marshal(c.EventMap)
	if err != nil {
		return fmt.Errorf("marshal event map: %w", err)
	}

	err = q.QueryRow(ctx,
		`INSERT INTO commands (id, instance_id, event_map)
		 VALUES ($1, $2, $3)
		 RETURNING inserted_at`,
		c.ID, c.InstanceID, eventJSON,
	).Scan(&c.InsertedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateCommand
	}
	return err
}

func scanCommand(row pgx.Row) (*domain.Command, error) {
	var c domain.Command
	var eventJSON []byte
	if err := row.Scan(&c.ID, &c.InstanceID, &eventJSON, &c.InsertedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(eventJSON, &c.EventMap); err != nil {
		return nil, fmt.Errorf("unmarshal event map: %w", err)
	}
	return &c, nil
}

// GetCommand fetches a command by id.
func (s *Store) GetCommand(ctx context.Context, q Querier, id uuid.UUID) (*domain.Command, error) {
	c, err := scanCommand(q.QueryRow(ctx,
		`SELECT id, instance_id, event_map, inserted_at FROM commands WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCommandNotFound
	}
	return c, err
}

// FindCreateCommand locates the create counterpart an update command depends
// on, together with its queue item, by the shared idempotency key.
func (s *Store) FindCreateCommand(ctx context.Context, q Querier, instanceID uuid.UUID, source, sourceIdempk string, action domain.Action) (*domain.Command, *domain.CommandQueueItem, error) {
	row := q.QueryRow(ctx,
		`SELECT c.id, c.instance_id, c.event_map, c.inserted_at
		   FROM commands c
		  WHERE c.instance_id = $1
		    AND c.event_map->>'source' = $2
		    AND c.event_map->>'source_idempk' = $3
		    AND c.event_map->>'action' = $4`,
		instanceID, source, sourceIdempk, action,
	)
	c, err := scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, domain.ErrCommandNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	item, err := s.GetQueueItemByCommand(ctx, q, c.ID)
	if err != nil {
		return nil, nil, err
	}
	return c, item, nil
}

// FindCommandByEvent locates a previously submitted command with the same
// idempotency identity as ev, for translating duplicates into the prior
// outcome.
func (s *Store) FindCommandByEvent(ctx context.Context, q Querier, instanceID uuid.UUID, ev domain.EventMap) (*domain.Command, error) {
	row := q.QueryRow(ctx,
		`SELECT id, instance_id, event_map, inserted_at
		   FROM commands
		  WHERE instance_id = $1
		    AND event_map->>'action' = $2
		    AND event_map->>'source' = $3
		    AND event_map->>'source_idempk' = $4
		    AND COALESCE(event_map->>'update_idempk', '') = $5`,
		instanceID, ev.Action, ev.Source, ev.SourceIdempk, ev.UpdateIdempk,
	)
	c, err := scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCommandNotFound
	}
	return c, err
}

// GetCommandAccount returns the account a create_account command produced.
func (s *Store) GetCommandAccount(ctx context.Context, q Querier, commandID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := q.QueryRow(ctx,
		`SELECT account_id FROM command_account_links WHERE command_id = $1`, commandID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, domain.ErrAccountNotFound
	}
	return id, err
}

// GetCommandTransaction returns the transaction a create_transaction command
// produced.
func (s *Store) GetCommandTransaction(ctx context.Context, q Querier, commandID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := q.QueryRow(ctx,
		`SELECT transaction_id FROM command_transaction_links WHERE command_id = $1`, commandID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, domain.ErrTransactionNotFound
	}
	return id, err
}

// ListCommands returns commands of one instance, newest first, optionally
// filtered by queue status.
func (s *Store) ListCommands(ctx context.Context, instanceID uuid.UUID, status domain.ItemStatus, limit int) ([]domain.Command, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	b := s.sb.Select("c.id", "c.instance_id", "c.event_map", "c.inserted_at").
		From("commands c").
		Join("command_queue_items i ON i.command_id = c.id").
		Where(sq.Eq{"c.instance_id": instanceID}).
		OrderBy("c.inserted_at DESC").
		Limit(uint64(limit))
	if status != "" {
		b = b.Where(sq.Eq{"i.status": status})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// InsertJournalEvent freezes the event map of a successfully applied command.
func (s *Store) InsertJournalEvent(ctx context.Context, q Querier, ev *domain.JournalEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	eventJSON, err := json.Marshal(ev.EventMap)
	if err != nil {
		return fmt.Errorf("marshal journal event: %w", err)
	}
	return q.QueryRow(ctx,
		`INSERT INTO journal_events (id, instance_id, event_map)
		 VALUES ($1, $2, $3)
		 RETURNING inserted_at`,
		ev.ID, ev.InstanceID, eventJSON,
	).Scan(&ev.InsertedAt)
}

// Link table writes. All append-only; the composite PK makes re-links no-ops
// at the DB level, so callers treat unique violations as success.

func (s *Store) LinkCommandTransaction(ctx context.Context, q Querier, commandID, transactionID uuid.UUID) error {
	_, err := q.Exec(ctx,
		`INSERT INTO command_transaction_links (command_id, transaction_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		commandID, transactionID,
	)
	return err
}

func (s *Store) LinkCommandAccount(ctx context.Context, q Querier, commandID, accountID uuid.UUID) error {
	_, err := q.Exec(ctx,
		`INSERT INTO command_account_links (command_id, account_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		commandID, accountID,
	)
	return err
}

func (s *Store) LinkJournalEventCommand(ctx context.Context, q Querier, journalEventID, commandID uuid.UUID) error {
	_, err := q.Exec(ctx,
		`INSERT INTO journal_event_command_links (journal_event_id, command_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		journalEventID, commandID,
	)
	return err
}

func (s *Store) LinkJournalEventAccount(ctx context.Context, q Querier, journalEventID, accountID uuid.UUID) error {
	_, err := q.Exec(ctx,
		`INSERT INTO journal_event_account_links (journal_event_id, account_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		journalEventID, accountID,
	)
	return err
}

func (s *Store) LinkJournalEventTransaction(ctx context.Context, q Querier, journalEventID, transactionID uuid.UUID) error {
	_, err := q.Exec(ctx,
		`INSERT INTO journal_event_transaction_links (journal_event_id, transaction_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		journalEventID, transactionID,
	)
	return err
}

// UpsertPendingLookup records or refreshes the correlation row an update
// command uses to find its target transaction.
func (s *Store) UpsertPendingLookup(ctx context.Context, q Querier, l *domain.PendingTransactionLookup) error {
	var journalEventID any
	if l.JournalEventID != uuid.Nil {
		journalEventID = l.JournalEventID
	}
	_, err := q.Exec(ctx,
		`INSERT INTO pending_transaction_lookup
		 (source, source_idempk, instance_id, command_id, transaction_id, journal_event_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source, source_idempk, instance_id)
		 DO UPDATE SET command_id = EXCLUDED.command_id,
		               transaction_id = EXCLUDED.transaction_id,
		               journal_event_id = EXCLUDED.journal_event_id`,
		l.Source, l.SourceIdempk, l.InstanceID, l.CommandID, l.TransactionID, journalEventID,
	)
	return err
}

// GetPendingLookup resolves an update command's target transaction.
func (s *Store) GetPendingLookup(ctx context.Context, q Querier, instanceID uuid.UUID, source, sourceIdempk string) (*domain.PendingTransactionLookup, error) {
	var l domain.PendingTransactionLookup
	var journalEventID *uuid.UUID
	err := q.QueryRow(ctx,
		`SELECT source, source_idempk, instance_id, command_id, transaction_id, journal_event_id, inserted_at
		   FROM pending_transaction_lookup
		  WHERE instance_id = $1 AND source = $2 AND source_idempk = $3`,
		instanceID, source, sourceIdempk,
	).Scan(&l.Source, &l.SourceIdempk, &l.InstanceID, &l.CommandID, &l.TransactionID, &journalEventID, &l.InsertedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if journalEventID != nil {
		l.JournalEventID = *journalEventID
	}
	return &l, nil
}
