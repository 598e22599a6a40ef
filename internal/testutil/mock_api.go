// Package testutil provides a configurable mock API server for tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines one canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockAPI is a configurable mock API server.
// It records request counts per path and the peak number of concurrent requests.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	scripts  map[string][]MockResponse
	fallback http.HandlerFunc

	requests    int
	perPath     map[string]int
	inFlight    int
	maxInFlight int
	lastHeader  http.Header
	lastQuery   map[string][]string
}

// NewMockAPI creates and starts a mock server.
// Unconfigured paths answer 404.
func NewMockAPI() *MockAPI {
	m := &MockAPI{
		handlers: make(map[string]http.HandlerFunc),
		scripts:  make(map[string][]MockResponse),
		perPath:  make(map[string]int),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests++
		m.perPath[r.URL.Path]++
		m.inFlight++
		if m.inFlight > m.maxInFlight {
			m.maxInFlight = m.inFlight
		}
		m.lastHeader = r.Header.Clone()
		m.lastQuery = r.URL.Query()
		call := m.perPath[r.URL.Path]
		handler, hasHandler := m.handlers[r.URL.Path]
		script, hasScript := m.scripts[r.URL.Path]
		fallback := m.fallback
		m.mu.Unlock()

		defer func() {
			m.mu.Lock()
			m.inFlight--
			m.mu.Unlock()
		}()

		switch {
		case hasHandler:
			handler(w, r)
		case hasScript:
			idx := call - 1
			if idx >= len(script) {
				idx = len(script) - 1
			}
			writeResponse(w, script[idx])
		case fallback != nil:
			fallback(w, r)
		default:
			http.NotFound(w, r)
		}
	}))

	return m
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a path.
func (m *MockAPI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetFallback handles every path without a handler or script.
func (m *MockAPI) SetFallback(handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = handler
}

// SetResponse answers every request to path with resp.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetScript(path, resp)
}

// SetScript answers the n-th request to path with the n-th response;
// the last response repeats once the script runs out.
func (m *MockAPI) SetScript(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[path] = responses
}

// RequestCount returns the total number of requests served.
func (m *MockAPI) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// PathCount returns the number of requests served for path.
func (m *MockAPI) PathCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perPath[path]
}

// MaxInFlight returns the peak number of concurrently served requests.
func (m *MockAPI) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// LastHeader returns the headers of the most recent request.
func (m *MockAPI) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

// LastQuery returns the query of the most recent request.
func (m *MockAPI) LastQuery() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQuery
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// JSON creates a 200 OK JSON response.
func JSON(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// Status creates an empty response with the given status.
func Status(code int) MockResponse {
	return MockResponse{StatusCode: code, Body: `{"error":"` + http.StatusText(code) + `"}`}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return Status(http.StatusTooManyRequests)
}

// NewServerErrorResponse creates a 503 Service Unavailable response.
func NewServerErrorResponse() MockResponse {
	return Status(http.StatusServiceUnavailable)
}
