// Package metrics exposes the Prometheus registry used by bulkfetch.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, dispatch, aggregate) and registered through promauto.
//
// This package serves them over HTTP and documents what is available.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by bulkfetch.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer returns a server exposing /metrics on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Listen binds addr for the metrics server. Binding up front lets callers
// reject an unusable address before any other work starts.
func Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// Serve runs srv on ln until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - bulkfetch_requests_total{status} (Counter): Requests by HTTP status, "network_error" or "cache_hit"
//   - bulkfetch_request_duration_seconds (Histogram): Duration of single attempts
//   - bulkfetch_requests_in_flight (Gauge): Attempts currently on the wire
//   - bulkfetch_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - bulkfetch_retries_total{error_class} (Counter): Retry attempts by error class
//   - bulkfetch_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - bulkfetch_retry_exhausted_total{error_class} (Counter): Requests that exhausted max attempts
//
// Rate Limit Metrics (pkg/ratelimit):
//   - bulkfetch_rate_limit_throttles_total (Counter): Requests delayed by the client-side cap
//   - bulkfetch_rate_limit_wait_seconds (Histogram): Time spent waiting for a token
//
// Cache Metrics (pkg/cache):
//   - bulkfetch_cache_hits_total (Counter): Responses served from Redis
//   - bulkfetch_cache_misses_total (Counter): Cache misses
//   - bulkfetch_cache_errors_total{operation} (Counter): Cache operation errors
//
// Pool Metrics (pkg/dispatch):
//   - bulkfetch_dispatch_active_workers (Gauge): Running workers
//   - bulkfetch_dispatch_tasks_total{status} (Counter): Entities processed by outcome
//   - bulkfetch_dispatch_task_duration_seconds (Histogram): Wall time per entity
//   - bulkfetch_dispatch_panics_total (Counter): Recovered task panics
//
// Aggregation Metrics (pkg/aggregate):
//   - bulkfetch_entities_total{status} (Counter): Entities aggregated by status
//   - bulkfetch_rows_total (Counter): Output rows aggregated
//
// Example Prometheus Queries:
//
//   # Entity failure ratio
//   sum(bulkfetch_entities_total{status!="success"}) / sum(bulkfetch_entities_total)
//
//   # Retry rate by class
//   sum by (error_class) (rate(bulkfetch_retries_total[5m]))
//
//   # P95 attempt latency
//   histogram_quantile(0.95, rate(bulkfetch_request_duration_seconds_bucket[5m]))
//
//   # Cache hit rate
//   sum(rate(bulkfetch_cache_hits_total[5m])) /
//   (sum(rate(bulkfetch_cache_hits_total[5m])) + sum(rate(bulkfetch_cache_misses_total[5m])))
