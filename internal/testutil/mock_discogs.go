// Package testutil provides testing utilities for the Discogs batch client.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior of a mock Discogs endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockDiscogs is a configurable mock Discogs API server.
type MockDiscogs struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	requestCount      int
	requestsByPath    map[string]int
	lastRequestHeader http.Header
}

// NewMockDiscogs creates a new mock Discogs server.
func NewMockDiscogs() *MockDiscogs {
	mock := &MockDiscogs{
		handlers:       make(map[string]func(w http.ResponseWriter, r *http.Request)),
		requestsByPath: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.requestsByPath[r.URL.Path]++
		mock.lastRequestHeader = r.Header.Clone()
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockDiscogs) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockDiscogs) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockDiscogs) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.requestsByPath = make(map[string]int)
	m.lastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockDiscogs) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetReleaseResponse configures the response for one release endpoint.
func (m *MockDiscogs) SetReleaseResponse(releaseID int64, resp MockResponse) {
	m.SetHandler(fmt.Sprintf("/releases/%d", releaseID), func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// FailThenSucceed configures a release endpoint that fails with failStatus
// for the first failures requests, then serves body with 200.
func (m *MockDiscogs) FailThenSucceed(releaseID int64, failStatus, failures int, body string) {
	var mu sync.Mutex
	attempts := 0

	m.SetHandler(fmt.Sprintf("/releases/%d", releaseID), func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		current := attempts
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if current <= failures {
			w.WriteHeader(failStatus)
			w.Write([]byte(`{"message": "simulated failure"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	})
}

// RequestCount returns the total number of requests made to the server.
func (m *MockDiscogs) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// ReleaseRequestCount returns the number of requests for one release.
func (m *MockDiscogs) ReleaseRequestCount(releaseID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestsByPath[fmt.Sprintf("/releases/%d", releaseID)]
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockDiscogs) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader
}

// defaultHandler serves a minimal valid release payload.
func (m *MockDiscogs) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(ReleaseBody("Default Release", "Default Artist")))
}

// ReleaseBody builds a minimal Discogs release JSON payload.
func ReleaseBody(title, artist string) string {
	return fmt.Sprintf(`{
		"title": %q,
		"artists": [{"name": %q}],
		"labels": [{"name": "Test Label", "catno": "TL-001"}],
		"country": "US",
		"year": 1999,
		"genres": ["Electronic"],
		"styles": ["Techno"],
		"lowest_price": 9.99,
		"uri": "https://www.discogs.com/release/1"
	}`, title, artist)
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message": "You are making requests too quickly."}`,
		Headers: map[string]string{
			"Retry-After":  "2",
			"Content-Type": "application/json",
		},
	}
}

// NewNotFoundResponse creates a 404 response for a missing release.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"message": "Release not found."}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"message": "Internal server error."}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}
