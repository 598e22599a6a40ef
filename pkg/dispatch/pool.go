// Package dispatch runs one task per entity id on a bounded worker pool.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Sternrassler/bulkfetch/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bulkfetch_dispatch_active_workers",
		Help: "Number of running pool workers",
	})

	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkfetch_dispatch_tasks_total",
		Help: "Total number of entity tasks by outcome status",
	}, []string{"status"})

	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bulkfetch_dispatch_task_duration_seconds",
		Help:    "Wall time to process one entity",
		Buckets: prometheus.DefBuckets,
	})

	panicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulkfetch_dispatch_panics_total",
		Help: "Total number of recovered task panics",
	})
)

// Task processes one entity. It must not retain ctx after returning.
type Task func(ctx context.Context, id string) record.Outcome

// Config holds pool configuration.
type Config struct {
	// Concurrency is the maximum number of tasks in flight.
	Concurrency int

	// OnOutcome, if set, is called from the worker goroutine as each
	// outcome is produced. It must be safe for concurrent use.
	OnOutcome func(record.Outcome)
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{Concurrency: 30}
}

// Pool fans ids out to at most Concurrency workers.
type Pool struct {
	config Config
	logger zerolog.Logger
}

// New creates a pool. Concurrency below 1 is raised to 1.
func New(config Config) *Pool {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Pool{
		config: config,
		logger: log.With().Str("component", "dispatch").Logger(),
	}
}

// Workers returns the number of workers a run over n ids starts.
func (p *Pool) Workers(n int) int {
	if n <= 0 {
		return 0
	}
	return min(p.config.Concurrency, n)
}

// Run processes every id and returns exactly one outcome per id, in input
// order. It returns only after every worker has exited.
//
// Ids not yet started when ctx ends are reported as failed without running
// the task. A panicking task is reported as failed; siblings keep running.
func (p *Pool) Run(ctx context.Context, ids []string, task Task) []record.Outcome {
	outcomes := make([]record.Outcome, len(ids))
	workers := p.Workers(len(ids))
	if workers == 0 {
		return outcomes
	}

	start := time.Now()
	p.logger.Info().
		Int("entities", len(ids)).
		Int("workers", workers).
		Msg("Starting worker pool")

	queue := make(chan int, len(ids))
	for i := range ids {
		queue <- i
	}
	close(queue)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			p.worker(ctx, w, ids, queue, outcomes, task)
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info().
		Int("entities", len(ids)).
		Dur("duration", time.Since(start)).
		Msg("Worker pool drained")

	return outcomes
}

// worker drains the queue. Each index is owned by exactly one worker, so
// writes to outcomes need no lock.
func (p *Pool) worker(ctx context.Context, workerID int, ids []string, queue <-chan int, outcomes []record.Outcome, task Task) {
	activeWorkers.Inc()
	defer activeWorkers.Dec()

	processed := 0
	for i := range queue {
		var o record.Outcome
		if err := ctx.Err(); err != nil {
			o = record.Failed(ids[i], fmt.Errorf("not started: %w", err))
		} else {
			o = p.runTask(ctx, ids[i], task)
			processed++
		}

		outcomes[i] = o
		tasksTotal.WithLabelValues(string(o.Status)).Inc()
		if p.config.OnOutcome != nil {
			p.config.OnOutcome(o)
		}
	}

	p.logger.Debug().
		Int("worker_id", workerID).
		Int("processed", processed).
		Msg("Worker completed")
}

// runTask isolates a single task so a panic affects only its entity.
func (p *Pool) runTask(ctx context.Context, id string, task Task) (o record.Outcome) {
	start := time.Now()
	defer func() {
		taskDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			panicsTotal.Inc()
			p.logger.Error().
				Str("entity_id", id).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Task panicked")
			o = record.Failed(id, fmt.Errorf("panic: %v", r))
		}
	}()

	o = task(ctx, id)
	if o.ID == "" {
		o.ID = id
	}
	return o
}
