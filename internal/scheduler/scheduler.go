// Package scheduler polls the durable command queue and dispatches due items
// to the worker with bounded concurrency. Exactly-one-worker execution comes
// from the claim protocol, not from coordination between schedulers, so any
// number of processes may run this loop against the same database.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/openledgerhq/ledgerd/internal/config"
	"github.com/openledgerhq/ledgerd/internal/domain"
	"github.com/openledgerhq/ledgerd/internal/store"
	"github.com/openledgerhq/ledgerd/internal/worker"
)

var (
	itemsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerd_queue_items_dispatched_total",
		Help: "Queue items claimed and dispatched to the worker, by outcome.",
	}, []string{"outcome"})

	itemsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerd_queue_items_recovered_total",
		Help: "Items reverted to pending after a stale processing claim.",
	})

	pollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledgerd_scheduler_poll_seconds",
		Help:    "Duration of one scheduler poll cycle.",
		Buckets: prometheus.DefBuckets,
	})
)

type Scheduler struct {
	store  *store.Store
	worker *worker.Worker
	log    *zap.Logger

	processorID    string
	pollInterval   time.Duration
	stuckThreshold time.Duration
	concurrency    int

	// sem bounds in-flight pipelines; the poll loop stops claiming when it
	// is saturated rather than queueing work it cannot start.
	sem chan struct{}
	wg  sync.WaitGroup
}

func New(st *store.Store, w *worker.Worker, cfg *config.Config, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Scheduler{
		store:          st,
		worker:         w,
		log:            log,
		processorID:    fmt.Sprintf("%s@%s/%d", cfg.ProcessorName, host, os.Getpid()),
		pollInterval:   cfg.PollInterval,
		stuckThreshold: cfg.StuckThreshold,
		concurrency:    cfg.WorkerConcurrency,
		sem:            make(chan struct{}, cfg.WorkerConcurrency),
	}
}

// ProcessorID identifies this scheduler in queue item claims.
func (s *Scheduler) ProcessorID() string {
	return s.processorID
}

// Run polls until ctx is cancelled, then waits for in-flight pipelines to
// drain before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		zap.String("processor_id", s.processorID),
		zap.Duration("poll_interval", s.pollInterval),
		zap.Int("concurrency", s.concurrency),
	)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		s.poll(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("scheduler stopped", zap.String("processor_id", s.processorID))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	start := time.Now()
	defer func() { pollDuration.Observe(time.Since(start).Seconds()) }()

	recovered, err := s.store.RecoverStuck(ctx, s.stuckThreshold, []string{s.processorID})
	if err != nil {
		s.log.Error("stuck recovery failed", zap.Error(err))
	} else if recovered > 0 {
		itemsRecovered.Add(float64(recovered))
		s.log.Warn("recovered stale processing claims", zap.Int64("count", recovered))
	}

	items, err := s.store.DueItems(ctx, s.concurrency*2)
	if err != nil {
		s.log.Error("due item query failed", zap.Error(err))
		return
	}

	for _, item := range items {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		claimed, err := s.store.ClaimItem(ctx, item, s.processorID)
		if err != nil {
			<-s.sem
			s.log.Error("claim failed", zap.String("item_id", item.ID.String()), zap.Error(err))
			continue
		}
		if !claimed {
			// Another scheduler won the version race; nothing to do.
			<-s.sem
			itemsDispatched.WithLabelValues("lost_claim").Inc()
			continue
		}

		s.wg.Add(1)
		go func(item *domain.CommandQueueItem) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			if err := s.worker.ProcessItem(ctx, item); err != nil {
				itemsDispatched.WithLabelValues("failed").Inc()
				s.log.Warn("item processing failed",
					zap.String("item_id", item.ID.String()),
					zap.String("status", string(item.Status)),
					zap.Error(err),
				)
				return
			}
			itemsDispatched.WithLabelValues("processed").Inc()
		}(item)
	}
}
