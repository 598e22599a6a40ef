// Package client provides the pooled, retrying HTTP client used for every
// API call of a run.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/bulkfetch/pkg/cache"
	"github.com/Sternrassler/bulkfetch/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AuthScheme selects how the access credential is attached to requests.
type AuthScheme string

const (
	// AuthBearer sends "Authorization: bearer <token>".
	AuthBearer AuthScheme = "bearer"

	// AuthQuery appends "access_token=<token>" to the query string.
	AuthQuery AuthScheme = "query"

	// AuthNone sends no credential.
	AuthNone AuthScheme = "none"
)

// Response is a fully read API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
}

// Config holds the client configuration.
type Config struct {
	// PoolSize bounds idle and open connections per host.
	// Set it to the worker pool concurrency.
	PoolSize int

	// RequestTimeout bounds a single attempt.
	RequestTimeout time.Duration

	// Token is the API access credential.
	Token string

	// AuthScheme selects how Token is sent.
	AuthScheme AuthScheme

	// UserAgent header value.
	UserAgent string

	// Retry is the retry policy.
	Retry Policy

	// Limiter optionally caps the request rate.
	Limiter *ratelimit.Limiter

	// Cache optionally serves and stores 200 responses.
	Cache *cache.Manager
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		PoolSize:       30,
		RequestTimeout: 30 * time.Second,
		AuthScheme:     AuthBearer,
		UserAgent:      "bulkfetch/1.0",
		Retry:          DefaultPolicy(),
	}
}

// Client is safe for concurrent use by all workers of a run.
type Client struct {
	httpClient *http.Client
	transport  *http.Transport
	config     Config
	logger     zerolog.Logger
}

// New creates a client with a connection pool sized to cfg.PoolSize.
func New(cfg Config) (*Client, error) {
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be > 0 (got %d)", cfg.PoolSize)
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request timeout must be > 0 (got %s)", cfg.RequestTimeout)
	}
	switch cfg.AuthScheme {
	case "":
		cfg.AuthScheme = AuthBearer
	case AuthBearer, AuthQuery, AuthNone:
	default:
		return nil, fmt.Errorf("unknown auth scheme %q", cfg.AuthScheme)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultConfig().UserAgent
	}
	cfg.Retry = cfg.Retry.withDefaults()

	transport := newTransport(cfg.PoolSize)

	return &Client{
		httpClient: &http.Client{Transport: transport},
		transport:  transport,
		config:     cfg,
		logger:     log.With().Str("component", "api-client").Logger(),
	}, nil
}

// newTransport builds a transport whose pool never exceeds size connections per host.
func newTransport(size int) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          size,
		MaxIdleConnsPerHost:   size,
		MaxConnsPerHost:       size,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Get performs a GET with retry, optional rate limiting and caching.
// Non-retryable statuses fail immediately with *APIError; exhausted retries
// fail with an error matching ErrRetryExhausted.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	var key cache.CacheKey
	if c.config.Cache != nil {
		key = cache.KeyFromURL(u)
		if entry, err := c.config.Cache.Get(ctx, key); err == nil {
			requestsTotal.WithLabelValues("cache_hit").Inc()
			c.logger.Debug().Str("path", u.Path).Msg("Served from cache")
			return &Response{
				StatusCode: entry.StatusCode,
				Header:     entry.Headers,
				Body:       entry.Data,
				FromCache:  true,
			}, nil
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("path", u.Path).Msg("Cache get error")
		}
	}

	c.authorize(u)

	var resp *Response
	err = c.config.Retry.Do(ctx, func(attempt int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.config.Limiter.Wait(ctx); err != nil {
			return err
		}

		r, err := c.do(ctx, u, header)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.config.Cache != nil && resp.StatusCode == http.StatusOK {
		entry := &cache.CacheEntry{
			Data:       resp.Body,
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
		}
		if err := c.config.Cache.Set(ctx, key, entry); err != nil {
			c.logger.Warn().Err(err).Str("path", u.Path).Msg("Failed to cache response")
		}
	}

	return resp, nil
}

// do executes a single attempt bounded by the request timeout.
func (c *Client) do(ctx context.Context, u *url.URL, header http.Header) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if c.config.AuthScheme == AuthBearer && c.config.Token != "" {
		req.Header.Set("Authorization", "bearer "+c.config.Token)
	}

	requestsInFlight.Inc()
	defer requestsInFlight.Dec()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		// the caller's context ending is not a transport failure
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = RedactURL(urlErr.URL)
		}
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Debug().Err(err).Str("path", u.Path).Msg("HTTP request failed")
		return nil, networkError("request failed", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 64*1024))

		apiErr := statusError(httpResp)
		errorsTotal.WithLabelValues(string(apiErr.ErrorClass)).Inc()
		requestsTotal.WithLabelValues(strconv.Itoa(httpResp.StatusCode)).Inc()
		c.logger.Debug().
			Str("path", u.Path).
			Int("status", httpResp.StatusCode).
			Str("error_class", string(apiErr.ErrorClass)).
			Msg("API request error")
		return nil, apiErr
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues("network_error").Inc()
		return nil, networkError("read body", err)
	}

	requestsTotal.WithLabelValues(strconv.Itoa(httpResp.StatusCode)).Inc()
	c.logger.Debug().
		Str("path", u.Path).
		Int("status", httpResp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("API request complete")

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       body,
	}, nil
}

// authorize attaches the credential for query-parameter auth.
func (c *Client) authorize(u *url.URL) {
	if c.config.AuthScheme != AuthQuery || c.config.Token == "" {
		return
	}
	q := u.Query()
	q.Set("access_token", c.config.Token)
	u.RawQuery = q.Encode()
}

// Close releases pooled connections.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// RedactURL removes credential query parameters from a URL for logging.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for k := range q {
		if strings.EqualFold(k, "access_token") || strings.EqualFold(k, "token") {
			q.Set(k, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
