package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openledgerhq/ledgerd/internal/api"
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

	// The API binary also runs a scheduler so a single process is a complete
	// deployment; additional worker binaries scale processing out.
	sched := scheduler.New(st, w, cfg, logger)
	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler exited", zap.Error(err))
		}
	}()

	handler := api.NewHandler(st, w, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("server starting",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.String("processor_id", sched.ProcessorID()),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
