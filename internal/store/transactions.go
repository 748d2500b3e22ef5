package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openledgerhq/ledgerd/internal/domain"
)

// InsertTransaction writes the transaction row and its entries.
func (s *Store) InsertTransaction(ctx context.Context, q Querier, t *domain.Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := q.QueryRow(ctx,
		`INSERT INTO transactions (id, instance_id, status, posted_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING inserted_at, updated_at`,
		t.ID, t.InstanceID, t.Status, t.PostedAt,
	).Scan(&t.InsertedAt, &t.UpdatedAt)
	if err != nil {
		return err
	}

	for i := range t.Entries {
		e := &t.Entries[i]
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.TransactionID = t.ID
		err := q.QueryRow(ctx,
			`INSERT INTO entries (id, transaction_id, account_id, type, amount, currency)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING inserted_at, updated_at`,
			e.ID, e.TransactionID, e.AccountID, e.Type, e.Amount, e.Currency,
		).Scan(&e.InsertedAt, &e.UpdatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetTransaction loads a transaction with its entries.
func (s *Store) GetTransaction(ctx context.Context, q Querier, id uuid.UUID) (*domain.Transaction, error) {
	var t domain.Transaction
	err := q.QueryRow(ctx,
		`SELECT id, instance_id, status, posted_at, inserted_at, updated_at
		   FROM transactions WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.InstanceID, &t.Status, &t.PostedAt, &t.InsertedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx,
		`SELECT id, transaction_id, account_id, type, amount, currency, inserted_at, updated_at
		   FROM entries WHERE transaction_id = $1
		  ORDER BY inserted_at, id`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e domain.Entry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Type, &e.Amount, &e.Currency, &e.InsertedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		t.Entries = append(t.Entries, e)
	}
	return &t, rows.Err()
}

// UpdateTransactionStatus moves a transaction through its state machine and
// stamps posted_at on the pending -> posted edge.
func (s *Store) UpdateTransactionStatus(ctx context.Context, q Querier, id uuid.UUID, status domain.TransactionStatus, postedAt *time.Time) error {
	tag, err := q.Exec(ctx,
		`UPDATE transactions SET status = $1, posted_at = $2, updated_at = now() WHERE id = $3`,
		status, postedAt, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

// UpdateEntryAmount changes an entry's amount in place. Only legal while the
// owning transaction is pending; the applier enforces that.
func (s *Store) UpdateEntryAmount(ctx context.Context, q Querier, entryID uuid.UUID, amount int64) error {
	_, err := q.Exec(ctx,
		`UPDATE entries SET amount = $1, updated_at = now() WHERE id = $2`,
		amount, entryID,
	)
	return err
}
