// The worker binary runs the queue scheduler without an HTTP surface. Any
// number of workers may point at the same database; the claim protocol keeps
// each queue item on exactly one of them.
package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/openledgerhq/ledgerd/internal/config"
	"github.com/openledgerhq/ledgerd/internal/ledger"
	"github.com/openledgerhq/ledgerd/internal/pipeline"
	"github.com/openledgerhq/ledgerd/internal/scheduler"
	"github.com/openledgerhq/ledgerd/internal/store"
	"github.com/openledgerhq/ledgerd/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewStore(cfg.DBSource)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer st.Close()

	applier := ledger.NewApplier(st)
	runner := pipeline.NewTxRunner(st.Pool())
	driver := pipeline.NewDriver(runner, cfg.MaxRetries, cfg.RetryInterval, logger)
	w := worker.New(st, applier, driver, cfg, logger)

	sched := scheduler.New(st, w, cfg, logger)
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("scheduler failed", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
