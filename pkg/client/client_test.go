package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/bulkfetch/internal/testutil"
	"github.com/Sternrassler/bulkfetch/pkg/cache"
	"github.com/Sternrassler/bulkfetch/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T, mutate func(*Config)) (*Client, *recordingSleep) {
	t.Helper()

	rec := &recordingSleep{}
	cfg := DefaultConfig()
	cfg.PoolSize = 4
	cfg.RequestTimeout = 2 * time.Second
	cfg.Retry = testPolicy(rec)
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, rec
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{"valid config", func(*Config) {}, ""},
		{"empty auth scheme defaults", func(c *Config) { c.AuthScheme = "" }, ""},
		{"zero pool", func(c *Config) { c.PoolSize = 0 }, "pool size must be > 0 (got 0)"},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, "request timeout must be > 0 (got 0s)"},
		{"bad auth scheme", func(c *Config) { c.AuthScheme = "basic" }, `unknown auth scheme "basic"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			c, err := New(cfg)
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				if c.config.AuthScheme != AuthBearer {
					t.Errorf("AuthScheme = %q, want bearer", c.config.AuthScheme)
				}
				return
			}
			if err == nil || err.Error() != tt.errorMsg {
				t.Errorf("Error = %v, want %q", err, tt.errorMsg)
			}
		})
	}
}

func TestNew_TransportPoolSized(t *testing.T) {
	c, _ := newTestClient(t, func(cfg *Config) { cfg.PoolSize = 17 })

	if c.transport.MaxConnsPerHost != 17 {
		t.Errorf("MaxConnsPerHost = %d, want 17", c.transport.MaxConnsPerHost)
	}
	if c.transport.MaxIdleConnsPerHost != 17 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 17", c.transport.MaxIdleConnsPerHost)
	}
	if c.transport.MaxIdleConns != 17 {
		t.Errorf("MaxIdleConns = %d, want 17", c.transport.MaxIdleConns)
	}
}

func TestGet_Success(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/users/u-1", testutil.JSON(`{"ok":true}`))

	c, _ := newTestClient(t, nil)
	resp, err := c.Get(context.Background(), mock.URL()+"/users/u-1", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("Body = %q", resp.Body)
	}
	if resp.FromCache {
		t.Error("FromCache should be false")
	}
}

func TestGet_RetriesServiceUnavailable(t *testing.T) {
	for k := 1; k < 5; k++ {
		mock := testutil.NewMockAPI()

		script := make([]testutil.MockResponse, 0, k+1)
		for i := 0; i < k; i++ {
			script = append(script, testutil.NewServerErrorResponse())
		}
		script = append(script, testutil.JSON(`{}`))
		mock.SetScript("/e", script...)

		c, rec := newTestClient(t, nil)
		_, err := c.Get(context.Background(), mock.URL()+"/e", nil)
		if err != nil {
			t.Fatalf("k=%d: Get() error = %v", k, err)
		}
		if got := mock.RequestCount(); got != k+1 {
			t.Errorf("k=%d: requests = %d, want %d", k, got, k+1)
		}
		for i := 1; i < len(rec.delays); i++ {
			if rec.delays[i] <= rec.delays[i-1] {
				t.Errorf("k=%d: delays not strictly increasing: %v", k, rec.delays)
			}
		}
		mock.Close()
	}
}

func TestGet_RetryOnRateLimit(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetScript("/e", testutil.NewRateLimitResponse(), testutil.JSON(`{}`))

	c, rec := newTestClient(t, nil)
	if _, err := c.Get(context.Background(), mock.URL()+"/e", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("requests = %d, want 2", mock.RequestCount())
	}
	if len(rec.delays) != 1 {
		t.Errorf("sleeps = %d, want 1", len(rec.delays))
	}
}

func TestGet_NoRetryOnNotFound(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/e", testutil.Status(http.StatusNotFound))

	c, rec := newTestClient(t, nil)
	_, err := c.Get(context.Background(), mock.URL()+"/e", nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.ErrorClass != ErrorClassClient {
		t.Errorf("APIError = %+v", apiErr)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("404 must not be reported as retry exhaustion")
	}
	if mock.RequestCount() != 1 {
		t.Errorf("requests = %d, want 1", mock.RequestCount())
	}
	if len(rec.delays) != 0 {
		t.Errorf("sleeps = %d, want 0", len(rec.delays))
	}
}

func TestGet_RetryExhausted(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/e", testutil.Status(http.StatusBadGateway))

	c, _ := newTestClient(t, nil)
	_, err := c.Get(context.Background(), mock.URL()+"/e", nil)

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	if mock.RequestCount() != 5 {
		t.Errorf("requests = %d, want 5", mock.RequestCount())
	}
}

func TestGet_NetworkErrorRetried(t *testing.T) {
	mock := testutil.NewMockAPI()
	url := mock.URL() + "/e"
	mock.Close()

	c, rec := newTestClient(t, func(cfg *Config) { cfg.Retry.MaxAttempts = 3 })
	_, err := c.Get(context.Background(), url, nil)

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	if errorClassOf(err) != ErrorClassNetwork {
		t.Errorf("error class = %q, want network", errorClassOf(err))
	}
	if len(rec.delays) != 2 {
		t.Errorf("sleeps = %d, want 2", len(rec.delays))
	}
}

func TestGet_RequestTimeoutRetried(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetScript("/slow",
		testutil.MockResponse{StatusCode: 200, Body: "{}", Delay: 300 * time.Millisecond},
		testutil.JSON(`{"fast":true}`),
	)

	c, _ := newTestClient(t, func(cfg *Config) { cfg.RequestTimeout = 50 * time.Millisecond })
	resp, err := c.Get(context.Background(), mock.URL()+"/slow", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(resp.Body) != `{"fast":true}` {
		t.Errorf("Body = %q", resp.Body)
	}
}

func TestGet_ParentContextCancelledNotRetried(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/e", testutil.JSON(`{}`))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, rec := newTestClient(t, nil)
	_, err := c.Get(ctx, mock.URL()+"/e", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if len(rec.delays) != 0 {
		t.Errorf("sleeps = %d, want 0", len(rec.delays))
	}
}

func TestGet_Headers(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/e", testutil.JSON(`{}`))

	c, _ := newTestClient(t, func(cfg *Config) {
		cfg.Token = "tok-123"
		cfg.AuthScheme = AuthBearer
		cfg.UserAgent = "bulkfetch-test/1.0"
	})

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if _, err := c.Get(context.Background(), mock.URL()+"/e", header); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	got := mock.LastHeader()
	if got.Get("Authorization") != "bearer tok-123" {
		t.Errorf("Authorization = %q", got.Get("Authorization"))
	}
	if got.Get("User-Agent") != "bulkfetch-test/1.0" {
		t.Errorf("User-Agent = %q", got.Get("User-Agent"))
	}
	if got.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", got.Get("Content-Type"))
	}
	if got.Get("Accept") != "application/json" {
		t.Errorf("Accept = %q", got.Get("Accept"))
	}
	if _, ok := mock.LastQuery()["access_token"]; ok {
		t.Error("bearer auth must not add access_token query parameter")
	}
}

func TestGet_QueryAuth(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/e", testutil.JSON(`{}`))

	c, _ := newTestClient(t, func(cfg *Config) {
		cfg.Token = "tok-456"
		cfg.AuthScheme = AuthQuery
	})

	if _, err := c.Get(context.Background(), mock.URL()+"/e?x=1", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	q := mock.LastQuery()
	if got := q["access_token"]; len(got) != 1 || got[0] != "tok-456" {
		t.Errorf("access_token = %v", got)
	}
	if got := q["x"]; len(got) != 1 || got[0] != "1" {
		t.Errorf("x = %v", got)
	}
	if mock.LastHeader().Get("Authorization") != "" {
		t.Error("query auth must not set Authorization")
	}
}

func TestGet_RateLimited(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/e", testutil.JSON(`{}`))

	c, _ := newTestClient(t, func(cfg *Config) { cfg.Limiter = ratelimit.New(20, 1) })

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.Get(context.Background(), mock.URL()+"/e", nil); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 requests at 20 rps took %v", elapsed)
	}
}

// fakeStore is an in-memory cache.Store.
type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (s *fakeStore) Get(ctx context.Context, key string) *redis.StringCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (s *fakeStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (s *fakeStore) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestGet_Cache(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/users/u-1", testutil.JSON(`{"cached":1}`))
	mock.SetResponse("/users/missing", testutil.Status(http.StatusNotFound))

	store := &fakeStore{data: map[string]string{}}
	c, _ := newTestClient(t, func(cfg *Config) {
		cfg.Cache = cache.NewManager(store, time.Minute)
		cfg.Token = "secret-token"
		cfg.AuthScheme = AuthQuery
	})
	ctx := context.Background()

	first, err := c.Get(ctx, mock.URL()+"/users/u-1", nil)
	if err != nil {
		t.Fatalf("first Get() error = %v", err)
	}
	second, err := c.Get(ctx, mock.URL()+"/users/u-1", nil)
	if err != nil {
		t.Fatalf("second Get() error = %v", err)
	}

	if first.FromCache || !second.FromCache {
		t.Errorf("FromCache = %v, %v; want false, true", first.FromCache, second.FromCache)
	}
	if string(second.Body) != `{"cached":1}` {
		t.Errorf("cached Body = %q", second.Body)
	}
	if mock.PathCount("/users/u-1") != 1 {
		t.Errorf("requests = %d, want 1", mock.PathCount("/users/u-1"))
	}

	for key := range store.data {
		if strings.Contains(key, "secret-token") {
			t.Errorf("credential leaked into cache key %q", key)
		}
	}

	// failures are not cached
	for i := 0; i < 2; i++ {
		if _, err := c.Get(ctx, mock.URL()+"/users/missing", nil); err == nil {
			t.Fatal("expected 404 error")
		}
	}
	if mock.PathCount("/users/missing") != 2 {
		t.Errorf("404 requests = %d, want 2", mock.PathCount("/users/missing"))
	}
}

func TestGet_InvalidURL(t *testing.T) {
	c, _ := newTestClient(t, nil)
	if _, err := c.Get(context.Background(), "://bad", nil); err == nil {
		t.Error("expected parse error")
	}
}

func TestRedactURL(t *testing.T) {
	got := RedactURL("https://api.example.com/u?access_token=abc&x=1")
	if strings.Contains(got, "abc") {
		t.Errorf("RedactURL() leaked token: %q", got)
	}
	if !strings.Contains(got, "x=1") {
		t.Errorf("RedactURL() dropped params: %q", got)
	}
}

func TestGet_NetworkErrorRedactsToken(t *testing.T) {
	mock := testutil.NewMockAPI()
	url := mock.URL() + "/e"
	mock.Close()

	c, _ := newTestClient(t, func(cfg *Config) {
		cfg.Retry.MaxAttempts = 1
		cfg.Token = "very-secret"
		cfg.AuthScheme = AuthQuery
	})
	_, err := c.Get(context.Background(), url, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "very-secret") {
		t.Errorf("token leaked into error: %v", err)
	}
}
