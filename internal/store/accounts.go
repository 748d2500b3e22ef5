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

var ErrAccountExists = errors.New("account address or name already taken in instance")

const accountColumns = `id, instance_id, address, name, type, normal_balance, currency,
	allowed_negative, description, context, available,
	posted_amount, posted_debit, posted_credit,
	pending_amount, pending_debit, pending_credit,
	lock_version, inserted_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	var ctxJSON []byte
	err := row.Scan(
		&a.ID, &a.InstanceID, &a.Address, &a.Name, &a.Type, &a.NormalBalance, &a.Currency,
		&a.AllowedNegative, &a.Description, &ctxJSON, &a.Available,
		&a.Posted.Amount, &a.Posted.Debit, &a.Posted.Credit,
		&a.Pending.Amount, &a.Pending.Debit, &a.Pending.Credit,
		&a.LockVersion, &a.InsertedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &a.Context); err != nil {
			return nil, fmt.Errorf("unmarshal account context: %w", err)
		}
	}
	return &a, nil
}

// InsertAccount creates an account row with zeroed balances.
func (s *Store) InsertAccount(ctx context.Context, q Querier, a *domain.Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	ctxJSON, err := json.Marshal(orEmptyMap(a.Context))
	if err != nil {
		return fmt.Errorf("marshal account context: %w", err)
	}

	err = q.QueryRow(ctx,
		`INSERT INTO accounts (id, instance_id, address, name, type, normal_balance,
		                       currency, allowed_negative, description, context)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING inserted_at, updated_at`,
		a.ID, a.InstanceID, a.Address, a.Name, a.Type, a.NormalBalance,
		a.Currency, a.AllowedNegative, a.Description, ctxJSON,
	).Scan(&a.InsertedAt, &a.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAccountExists
	}
	return err
}

// GetAccount fetches one account by instance and address.
func (s *Store) GetAccount(ctx context.Context, q Querier, instanceID uuid.UUID, address string) (*domain.Account, error) {
	a, err := scanAccount(q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE instance_id = $1 AND address = $2`,
		instanceID, address,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	return a, err
}

// GetAccountByID fetches one account by primary key.
func (s *Store) GetAccountByID(ctx context.Context, q Querier, id uuid.UUID) (*domain.Account, error) {
	a, err := scanAccount(q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	return a, err
}

// GetAccountsByAddresses resolves a set of addresses inside one instance.
// Addresses that do not exist are simply absent from the result map; the
// caller decides how to report them.
func (s *Store) GetAccountsByAddresses(ctx context.Context, q Querier, instanceID uuid.UUID, addresses []string) (map[string]*domain.Account, error) {
	rows, err := q.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE instance_id = $1 AND address = ANY($2)`,
		instanceID, addresses,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*domain.Account, len(addresses))
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[a.Address] = a
	}
	return out, rows.Err()
}

// GetAccountsByIDs loads the accounts a stored transaction references.
func (s *Store) GetAccountsByIDs(ctx context.Context, q Querier, ids []uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	rows, err := q.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]*domain.Account, len(ids))
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

// UpdateAccountBalances persists balances computed by the applier under the
// optimistic lock. A zero-row update means the account moved on since we
// read it and surfaces as ErrStaleAccount, which aborts the pipeline's
// transaction and triggers an OCC retry.
func (s *Store) UpdateAccountBalances(ctx context.Context, q Querier, a *domain.Account, readVersion int64) error {
	tag, err := q.Exec(ctx,
		`UPDATE accounts
		    SET available = $1,
		        posted_amount = $2, posted_debit = $3, posted_credit = $4,
		        pending_amount = $5, pending_debit = $6, pending_credit = $7,
		        lock_version = $8,
		        updated_at = now()
		  WHERE id = $9 AND lock_version = $10`,
		a.Available,
		a.Posted.Amount, a.Posted.Debit, a.Posted.Credit,
		a.Pending.Amount, a.Pending.Debit, a.Pending.Credit,
		a.LockVersion,
		a.ID, readVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s at version %d", domain.ErrStaleAccount, a.Address, readVersion)
	}
	return nil
}

// UpdateAccountMutable applies the fields update_account may touch.
func (s *Store) UpdateAccountMutable(ctx context.Context, q Querier, id uuid.UUID, description *string, context map[string]any) error {
	if description != nil {
		if _, err := q.Exec(ctx,
			`UPDATE accounts SET description = $1, updated_at = now() WHERE id = $2`,
			*description, id,
		); err != nil {
			return err
		}
	}
	if context != nil {
		ctxJSON, err := json.Marshal(context)
		if err != nil {
			return fmt.Errorf("marshal account context: %w", err)
		}
		if _, err := q.Exec(ctx,
			`UPDATE accounts SET context = $1, updated_at = now() WHERE id = $2`,
			ctxJSON, id,
		); err != nil {
			return err
		}
	}
	return nil
}

// InsertBalanceHistory appends one immutable balance snapshot.
func (s *Store) InsertBalanceHistory(ctx context.Context, q Querier, h *domain.BalanceHistoryEntry) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	var entryID any
	if h.EntryID != uuid.Nil {
		entryID = h.EntryID
	}
	return q.QueryRow(ctx,
		`INSERT INTO balance_history_entries
		 (id, account_id, entry_id, posted_amount, posted_debit, posted_credit,
		  pending_amount, pending_debit, pending_credit, available)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING inserted_at`,
		h.ID, h.AccountID, entryID,
		h.Posted.Amount, h.Posted.Debit, h.Posted.Credit,
		h.Pending.Amount, h.Pending.Debit, h.Pending.Credit,
		h.Available,
	).Scan(&h.InsertedAt)
}

// ListBalanceHistory returns an account's snapshots oldest first, the order
// in which they replay to the current balance.
func (s *Store) ListBalanceHistory(ctx context.Context, accountID uuid.UUID) ([]domain.BalanceHistoryEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, account_id, COALESCE(entry_id, '00000000-0000-0000-0000-000000000000'::uuid),
		        posted_amount, posted_debit, posted_credit,
		        pending_amount, pending_debit, pending_credit, available, inserted_at
		   FROM balance_history_entries
		  WHERE account_id = $1
		  ORDER BY inserted_at ASC`,
		accountID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BalanceHistoryEntry
	for rows.Next() {
		var h domain.BalanceHistoryEntry
		if err := rows.Scan(
			&h.ID, &h.AccountID, &h.EntryID,
			&h.Posted.Amount, &h.Posted.Debit, &h.Posted.Credit,
			&h.Pending.Amount, &h.Pending.Debit, &h.Pending.Credit,
			&h.Available, &h.InsertedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ListAccounts returns the accounts of one instance, optionally filtered by
// type, ordered by address.
func (s *Store) ListAccounts(ctx context.Context, instanceID uuid.UUID, accountType string) ([]domain.Account, error) {
	b := s.sb.Select(accountColumns).
		From("accounts").
		Where(sq.Eq{"instance_id": instanceID}).
		OrderBy("address")
	if accountType != "" {
		b = b.Where(sq.Eq{"type": accountType})
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

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
