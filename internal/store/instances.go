package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openledgerhq/ledgerd/internal/domain"
)

var ErrInstanceExists = errors.New("instance address already taken")

// InsertInstance creates a new tenancy boundary.
func (s *Store) InsertInstance(ctx context.Context, inst *domain.Instance) error {
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	cfg, err := json.Marshal(orEmptyMap(inst.Config))
	if err != nil {
		return fmt.Errorf("marshal instance config: %w", err)
	}

	err = s.db.QueryRow(ctx,
		`INSERT INTO instances (id, address, description, config)
		 VALUES ($1, $2, $3, $4)
		 RETURNING inserted_at, updated_at`,
		inst.ID, inst.Address, inst.Description, cfg,
	).Scan(&inst.InsertedAt, &inst.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrInstanceExists
	}
	return err
}

// GetInstanceByAddress resolves the tenancy boundary a command names.
func (s *Store) GetInstanceByAddress(ctx context.Context, q Querier, address string) (*domain.Instance, error) {
	var inst domain.Instance
	var cfg []byte
	err := q.QueryRow(ctx,
		`SELECT id, address, description, config, inserted_at, updated_at
		   FROM instances WHERE address = $1`,
		address,
	).Scan(&inst.ID, &inst.Address, &inst.Description, &cfg, &inst.InsertedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &inst.Config); err != nil {
		return nil, fmt.Errorf("unmarshal instance config: %w", err)
	}
	return &inst, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
