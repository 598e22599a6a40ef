// Package aggregate collects entity outcomes from concurrent workers.
//
// Successes and failures live in separate collections, each behind its own
// mutex; the completion counter is atomic so progress can be read at any
// time without blocking writers.
package aggregate

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Sternrassler/bulkfetch/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	entitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkfetch_entities_total",
		Help: "Total number of entities aggregated by status",
	}, []string{"status"})

	rowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulkfetch_rows_total",
		Help: "Total number of output rows aggregated",
	})
)

// Config holds aggregator configuration.
type Config struct {
	// Total is the number of entities expected, used for progress percentages.
	Total int

	// ProgressEvery logs progress after every N completions. 0 disables it.
	ProgressEvery int

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// Counts is a snapshot of the entity tallies.
type Counts struct {
	Total     int
	Succeeded int
	Invalid   int
	Failed    int
	Rows      int
}

// Progress is a point-in-time view of a running job.
type Progress struct {
	Completed int64
	Total     int
	Percent   float64
}

// Aggregator is safe for concurrent use by all workers.
type Aggregator struct {
	config Config
	logger zerolog.Logger

	completed atomic.Int64

	successMu sync.Mutex
	successes []record.Outcome
	rows      int

	failureMu sync.Mutex
	failures  []record.Outcome
	invalid   int
}

// New creates an aggregator.
func New(config Config) *Aggregator {
	logger := log.With().Str("component", "aggregate").Logger()
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Aggregator{
		config: config,
		logger: logger,
	}
}

// Record files one outcome. Each entity must be recorded exactly once.
func (a *Aggregator) Record(o record.Outcome) {
	entitiesTotal.WithLabelValues(string(o.Status)).Inc()

	if o.OK() {
		a.successMu.Lock()
		a.successes = append(a.successes, o)
		a.rows += len(o.Rows)
		a.successMu.Unlock()
		rowsTotal.Add(float64(len(o.Rows)))
	} else {
		a.failureMu.Lock()
		a.failures = append(a.failures, o)
		if o.Status == record.StatusInvalid {
			a.invalid++
		}
		a.failureMu.Unlock()

		a.logger.Warn().
			Str("entity_id", o.ID).
			Str("status", string(o.Status)).
			Str("reason", o.Reason).
			Msg("Entity not processed")
	}

	n := a.completed.Add(1)
	if every := int64(a.config.ProgressEvery); every > 0 && n%every == 0 {
		p := a.Progress()
		a.logger.Info().
			Int64("completed", p.Completed).
			Int("total", p.Total).
			Float64("progress_pct", p.Percent).
			Msg("Fetch progress")
	}
}

// Progress returns the current completion snapshot.
func (a *Aggregator) Progress() Progress {
	n := a.completed.Load()
	p := Progress{Completed: n, Total: a.config.Total}
	if a.config.Total > 0 {
		p.Percent = float64(n) / float64(a.config.Total) * 100
	}
	return p
}

// Succeeded returns the successful outcomes ordered by entity id.
func (a *Aggregator) Succeeded() []record.Outcome {
	a.successMu.Lock()
	out := make([]record.Outcome, len(a.successes))
	copy(out, a.successes)
	a.successMu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Failures returns invalid and failed entities ordered by id.
func (a *Aggregator) Failures() []record.FailureEntry {
	a.failureMu.Lock()
	out := make([]record.FailureEntry, len(a.failures))
	for i, o := range a.failures {
		out[i] = record.FailureEntry{ID: o.ID, Reason: o.Reason}
	}
	a.failureMu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Records flattens the rows of all successes, entities ordered by id and
// rows in extractor order within an entity.
func (a *Aggregator) Records() []record.Record {
	succeeded := a.Succeeded()

	var rows []record.Record
	for _, o := range succeeded {
		rows = append(rows, o.Rows...)
	}
	return rows
}

// Counts returns the entity tallies.
func (a *Aggregator) Counts() Counts {
	a.successMu.Lock()
	c := Counts{Succeeded: len(a.successes), Rows: a.rows}
	a.successMu.Unlock()

	a.failureMu.Lock()
	c.Invalid = a.invalid
	c.Failed = len(a.failures) - a.invalid
	a.failureMu.Unlock()

	c.Total = c.Succeeded + c.Invalid + c.Failed
	return c
}
