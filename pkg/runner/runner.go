// Package runner wires one bulk fetch run: read ids, fetch and extract them
// on the worker pool, aggregate outcomes and write the output tables.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/bulkfetch/pkg/aggregate"
	"github.com/Sternrassler/bulkfetch/pkg/cache"
	"github.com/Sternrassler/bulkfetch/pkg/client"
	"github.com/Sternrassler/bulkfetch/pkg/config"
	"github.com/Sternrassler/bulkfetch/pkg/dispatch"
	"github.com/Sternrassler/bulkfetch/pkg/extract"
	"github.com/Sternrassler/bulkfetch/pkg/idsource"
	"github.com/Sternrassler/bulkfetch/pkg/ratelimit"
	"github.com/Sternrassler/bulkfetch/pkg/record"
	"github.com/Sternrassler/bulkfetch/pkg/table"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrInterrupted is returned when the caller's context ends the run early.
// The tables are still written; ids that were never started are listed in
// the failure table.
var ErrInterrupted = errors.New("run interrupted")

// Summary reports the result of a run.
// Succeeded + Invalid + Failed == Total.
type Summary struct {
	RunID         string
	Total         int
	Succeeded     int
	Invalid       int
	Failed        int
	Rows          int
	Workers       int
	Elapsed       time.Duration
	Output        string
	FailureOutput string
	Interrupted   bool
}

// Option customizes a Runner.
type Option func(*Runner)

// WithCache serves and stores API responses through m.
func WithCache(m *cache.Manager) Option {
	return func(r *Runner) { r.cache = m }
}

// WithSleep replaces the backoff sleep (for testing).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = sleep }
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

// Runner executes one configured run.
type Runner struct {
	cfg   config.Config
	ex    extract.Extractor
	cache *cache.Manager
	sleep func(ctx context.Context, d time.Duration) error
	runID string
}

// New creates a runner for cfg using ex to interpret responses.
func New(cfg config.Config, ex extract.Extractor, opts ...Option) *Runner {
	r := &Runner{cfg: cfg, ex: ex}
	for _, opt := range opts {
		opt(r)
	}
	if r.runID == "" {
		r.runID = uuid.NewString()
	}
	return r
}

// Run processes every id in the configured range. Per-entity failures are
// reported in the summary and the failure table; the returned error is
// reserved for configuration errors (*config.ConfigError) and output
// failures (table.ErrWrite).
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	logger := log.With().
		Str("component", "runner").
		Str("run_id", r.runID).
		Str("extractor", r.ex.Name()).
		Logger()

	summary := Summary{RunID: r.runID}

	ids, err := idsource.Read(r.cfg.Input, r.cfg.Start, r.cfg.End, idsource.Options{Dedupe: r.cfg.Dedupe})
	if err != nil {
		return summary, &config.ConfigError{Field: "input", Err: err}
	}
	if len(ids) == 0 {
		logger.Info().
			Int("start", r.cfg.Start).
			Int("end", r.cfg.End).
			Msg("No ids in range, nothing to do")
		return summary, nil
	}

	writer := table.NewWriter(table.Options{})
	if err := writer.Check(r.cfg.Output); err != nil {
		return summary, &config.ConfigError{Field: "output", Err: err}
	}

	agg := aggregate.New(aggregate.Config{
		Total:         len(ids),
		ProgressEvery: r.cfg.ProgressEvery,
		Logger:        &logger,
	})
	pool := dispatch.New(dispatch.Config{
		Concurrency: r.cfg.Concurrency,
		OnOutcome:   agg.Record,
	})
	summary.Workers = pool.Workers(len(ids))

	c, err := client.New(r.clientConfig(summary.Workers))
	if err != nil {
		return summary, &config.ConfigError{Field: "client", Err: err}
	}
	defer c.Close()

	logger.Info().
		Str("input", r.cfg.Input).
		Int("start", r.cfg.Start).
		Int("end", r.cfg.End).
		Int("entities", len(ids)).
		Int("workers", summary.Workers).
		Bool("cache", r.cache != nil).
		Float64("rate_limit", r.cfg.RateLimit).
		Msg("Starting run")

	runCtx := ctx
	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}

	pool.Run(runCtx, ids, func(ctx context.Context, id string) record.Outcome {
		return r.process(ctx, c, id)
	})

	summary.Interrupted = ctx.Err() != nil

	counts := agg.Counts()
	summary.Total = counts.Total
	summary.Succeeded = counts.Succeeded
	summary.Invalid = counts.Invalid
	summary.Failed = counts.Failed
	summary.Rows = counts.Rows

	if err := writer.Write(agg.Records(), r.cfg.Output, r.cfg.Append); err != nil {
		logger.Error().Err(err).Msg("Failed to write output table")
		return summary, err
	}
	if counts.Rows > 0 {
		summary.Output = r.cfg.Output
	}

	failurePath, err := writer.WriteFailures(agg.Failures(), r.cfg.Output, r.cfg.Append)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to write failure table")
		return summary, err
	}
	summary.FailureOutput = failurePath

	summary.Elapsed = time.Since(start)
	logSummary(logger, summary)

	if summary.Interrupted {
		logger.Warn().
			Err(ctx.Err()).
			Msg("Run interrupted before all entities were processed")
		return summary, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
	return summary, nil
}

// process fetches and extracts a single entity.
func (r *Runner) process(ctx context.Context, c *client.Client, id string) record.Outcome {
	url := r.ex.URL(id)

	resp, err := c.Get(ctx, url, nil)
	if err != nil {
		log.Debug().
			Str("entity_id", id).
			Str("url", client.RedactURL(url)).
			Err(err).
			Msg("Primary request failed")
		return record.Failed(id, err)
	}

	rows, err := r.ex.Extract(ctx, id, resp, c)
	o := extract.Classify(id, rows, err)
	if o.OK() {
		if err := extract.CheckRows(r.ex, rows); err != nil {
			return record.Failed(id, err)
		}
	}
	return o
}

func (r *Runner) clientConfig(poolSize int) client.Config {
	cfg := client.DefaultConfig()
	cfg.PoolSize = poolSize
	cfg.RequestTimeout = r.cfg.RequestTimeout
	cfg.Token = r.cfg.Token
	cfg.AuthScheme = client.AuthScheme(r.cfg.AuthScheme)
	if r.cfg.UserAgent != "" {
		cfg.UserAgent = r.cfg.UserAgent
	}
	cfg.Retry = client.Policy{
		MaxAttempts: r.cfg.MaxAttempts,
		BaseDelay:   r.cfg.BackoffBase,
		Factor:      r.cfg.BackoffFactor,
		MaxDelay:    r.cfg.BackoffMax,
		Jitter:      r.cfg.BackoffJitter,
		Sleep:       r.sleep,
	}
	cfg.Limiter = ratelimit.New(r.cfg.RateLimit, r.cfg.RateBurst)
	cfg.Cache = r.cache
	return cfg
}

func logSummary(logger zerolog.Logger, s Summary) {
	ev := logger.Info()
	if s.Invalid+s.Failed > 0 {
		ev = logger.Warn()
	}
	ev.
		Int("total", s.Total).
		Int("succeeded", s.Succeeded).
		Int("invalid", s.Invalid).
		Int("failed", s.Failed).
		Int("rows", s.Rows).
		Dur("elapsed", s.Elapsed).
		Str("output", s.Output).
		Str("failure_output", s.FailureOutput).
		Bool("interrupted", s.Interrupted).
		Msg("Run complete")
}

// ExitCode maps a Run error to the process exit status: 0 for a completed
// run regardless of per-entity failures, 2 for configuration errors, 130
// for an interrupted run and 1 for anything else, such as output write
// failures.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case config.IsConfigError(err):
		return 2
	case errors.Is(err, ErrInterrupted):
		return 130
	default:
		return 1
	}
}

// NewExtractor builds the extractor named by cfg.Extractor.
func NewExtractor(cfg config.Config) (extract.Extractor, error) {
	switch cfg.Extractor {
	case "billing":
		return extract.NewBilling(extract.BillingConfig{
			BaseURL:         cfg.APIBaseURL,
			Home:            cfg.Billing.Home,
			T0:              cfg.Billing.T0,
			T1:              cfg.Billing.T1,
			RequiredCharges: cfg.Billing.Charges,
		}), nil
	case "notifications":
		return extract.NewNotifications(extract.NotificationsConfig{
			BaseURL:   cfg.APIBaseURL,
			Types:     cfg.Notifications.Types,
			ElementID: cfg.Notifications.ElementID,
			From:      cfg.Notifications.From,
			To:        cfg.Notifications.To,
		}), nil
	default:
		return nil, &config.ConfigError{Field: "extractor", Err: fmt.Errorf("unknown extractor %q", cfg.Extractor)}
	}
}
