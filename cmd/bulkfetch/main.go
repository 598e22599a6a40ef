// Command bulkfetch fetches one API resource per entity id in a slice of an
// id file and writes the extracted rows to a CSV or XLSX table.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/bulkfetch/pkg/cache"
	"github.com/Sternrassler/bulkfetch/pkg/config"
	"github.com/Sternrassler/bulkfetch/pkg/logging"
	"github.com/Sternrassler/bulkfetch/pkg/metrics"
	"github.com/Sternrassler/bulkfetch/pkg/runner"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one invocation and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("bulkfetch", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(stderr, "bulkfetch: %v\n", err)
		return runner.ExitCode(err)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: stderr,
	})

	ex, err := runner.NewExtractor(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid extractor")
		return runner.ExitCode(err)
	}

	var opts []runner.Option
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			err = &config.ConfigError{Field: "redis-addr", Err: err}
			logger.Error().Err(err).Msg("Failed to connect to Redis")
			return runner.ExitCode(err)
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
		opts = append(opts, runner.WithCache(cache.NewManager(redisClient, cfg.CacheTTL)))
	}

	var g errgroup.Group
	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	if cfg.MetricsAddr != "" {
		ln, err := metrics.Listen(cfg.MetricsAddr)
		if err != nil {
			err = &config.ConfigError{Field: "metrics-addr", Err: err}
			logger.Error().Err(err).Msg("Failed to bind metrics address")
			return runner.ExitCode(err)
		}
		srv := metrics.NewServer(cfg.MetricsAddr)
		// A metrics failure is logged; it never cancels the run.
		g.Go(func() error {
			if err := metrics.Serve(serveCtx, srv, ln); err != nil {
				logger.Warn().Err(err).Msg("Metrics server stopped")
			}
			return nil
		})
	}

	summary, err := runner.New(cfg, ex, opts...).Run(ctx)
	stopServing()
	g.Wait()

	switch {
	case errors.Is(err, runner.ErrInterrupted):
		logger.Warn().Err(err).Msg("Run interrupted")
	case err != nil:
		logger.Error().Err(err).Msg("Run failed")
		return runner.ExitCode(err)
	}

	status := "complete"
	if summary.Interrupted {
		status = "interrupted"
	}
	fmt.Fprintf(stdout, "run %s %s: %d entities, %d succeeded, %d invalid, %d failed, %d rows in %s\n",
		summary.RunID, status, summary.Total, summary.Succeeded, summary.Invalid, summary.Failed,
		summary.Rows, summary.Elapsed.Round(time.Millisecond))
	return runner.ExitCode(err)
}
