// Package pipeline composes multi-step database transactions and runs them
// under optimistic-concurrency retry.
package pipeline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Reserved step names. StepTransaction is the only step at which a stale
// account may be raised; the OCC driver keys its retry decision on it.
// Failure handling has no step of its own: by the time a failure is routed
// the pipeline's transaction has already rolled back.
const (
	StepOccableItem    = "occable_item"
	StepIdempotency    = "idempotency"
	StepTransactionMap = "transaction_map"
	StepTransaction    = "transaction"
	StepEventSuccess   = "event_success"
)

// Results holds each completed step's output, keyed by step name. Later
// steps read earlier results from it.
type Results map[string]any

// StepFunc is one named unit of work inside the pipeline's transaction.
type StepFunc func(ctx context.Context, tx pgx.Tx, res Results) (any, error)

type step struct {
	name string
	fn   StepFunc
}

// Pipeline is an ordered list of named steps executed inside a single
// database transaction: either every step's effect commits or none does.
type Pipeline struct {
	steps []step
}

func New() *Pipeline {
	return &Pipeline{}
}

// Step appends a named step and returns the pipeline for chaining.
func (p *Pipeline) Step(name string, fn StepFunc) *Pipeline {
	p.steps = append(p.steps, step{name: name, fn: fn})
	return p
}

// StepError wraps a failure with the name of the step that produced it, so
// callers can classify by step as well as by cause.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Runner executes a pipeline. The transactional implementation is TxRunner;
// tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, p *Pipeline) (Results, error)
}

// TxRunner runs every step of a pipeline inside one pgx transaction.
type TxRunner struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

func (r *TxRunner) Run(ctx context.Context, p *Pipeline) (Results, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline begin: %w", err)
	}
	defer tx.Rollback(ctx)

	res := Results{}
	for _, st := range p.steps {
		out, err := st.fn(ctx, tx, res)
		if err != nil {
			return nil, &StepError{Step: st.name, Err: err}
		}
		res[st.name] = out
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pipeline commit: %w", err)
	}
	return res, nil
}
