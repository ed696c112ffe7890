// Package testutil provides testing utilities for the Onyphe client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// TestAPIKey is the key mock servers accept by default.
const TestAPIKey = "test-api-key-0123456789"

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockOnyphe is a configurable mock Onyphe API server for testing.
type MockOnyphe struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	// Tracking
	requestCount      int
	requestedPages    []int
	lastRequestHeader http.Header
	lastRequestURL    *url.URL

	// RequireAPIKey rejects requests without "Authorization: apikey TestAPIKey".
	RequireAPIKey bool
}

// NewMockOnyphe creates a new mock server.
func NewMockOnyphe() *MockOnyphe {
	mock := &MockOnyphe{
		handlers: make(map[string]http.HandlerFunc),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.lastRequestHeader = r.Header.Clone()
		u := *r.URL
		mock.lastRequestURL = &u
		if page, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil {
			mock.requestedPages = append(mock.requestedPages, page)
		}
		handler, exists := mock.handlers[r.URL.Path]
		requireKey := mock.RequireAPIKey
		mock.mu.Unlock()

		if requireKey && r.Header.Get("Authorization") != "apikey "+TestAPIKey {
			writeJSON(w, http.StatusUnauthorized, envelope{Status: "nok", Error: 1, Text: "invalid api key"})
			return
		}

		if exists {
			handler(w, r)
			return
		}

		writeJSON(w, http.StatusNotFound, envelope{Status: "nok", Error: 1, Text: "not found: " + r.URL.Path})
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockOnyphe) URL() string {
	return m.server.URL
}

// HostPort splits the server address for transport configuration.
func (m *MockOnyphe) HostPort() (string, int) {
	u, _ := url.Parse(m.server.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Server exposes the underlying httptest server (for connection-state hooks).
func (m *MockOnyphe) Server() *httptest.Server {
	return m.server
}

// Close shuts down the mock server.
func (m *MockOnyphe) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockOnyphe) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.requestedPages = nil
	m.lastRequestHeader = nil
	m.lastRequestURL = nil
}

// SetHandler sets a custom handler for an unescaped request path such as "/api/v2/user".
func (m *MockOnyphe) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockOnyphe) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			_, _ = w.Write([]byte(resp.Body))
		}
	})
}

// SetSearchPages serves a paged search for oql. pages[i] holds the results of
// page i+1; maxPage is reported as max_page on every page.
func (m *MockOnyphe) SetSearchPages(oql string, maxPage int, pages ...[]map[string]any) {
	m.SetHandler("/api/v2/search/"+oql, PagedHandler(maxPage, pages...))
}

// RequestCount returns the number of requests made to the server.
func (m *MockOnyphe) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// RequestedPages returns the page query parameters seen, in arrival order.
func (m *MockOnyphe) RequestedPages() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.requestedPages...)
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockOnyphe) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader
}

// LastRequestURL returns the URL of the most recent request.
func (m *MockOnyphe) LastRequestURL() *url.URL {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestURL
}

type envelope struct {
	Status  string           `json:"status"`
	Error   int              `json:"error"`
	Text    string           `json:"text,omitempty"`
	Page    int              `json:"page,omitempty"`
	MaxPage int              `json:"max_page,omitempty"`
	Total   int              `json:"total,omitempty"`
	Count   int              `json:"count"`
	MyIP    string           `json:"myip,omitempty"`
	Results []map[string]any `json:"results"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// PagedHandler serves pages[page-1] for the page query parameter.
// Pages beyond len(pages) are served empty.
func PagedHandler(maxPage int, pages ...[]map[string]any) http.HandlerFunc {
	total := 0
	for _, p := range pages {
		total += len(p)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if v := r.URL.Query().Get("page"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeJSON(w, http.StatusBadRequest, envelope{Status: "nok", Error: 3, Text: "invalid page"})
				return
			}
			page = n
		}

		results := []map[string]any{}
		if page <= len(pages) {
			results = pages[page-1]
		}
		writeJSON(w, http.StatusOK, envelope{
			Status:  "ok",
			Page:    page,
			MaxPage: maxPage,
			Total:   total,
			Count:   len(results),
			MyIP:    "192.0.2.10",
			Results: results,
		})
	}
}

// StreamHandler writes each object as one NDJSON line, flushing after each.
func StreamHandler(objects ...map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)
		for _, obj := range objects {
			_ = enc.Encode(obj)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// RawStreamHandler writes chunks verbatim, flushing after each.
func RawStreamHandler(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, chunk := range chunks {
			_, _ = w.Write([]byte(chunk))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// Records builds n distinct result objects tagged with a sequence number.
func Records(prefix string, n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{
			"@category": "synscan",
			"ip":        fmt.Sprintf("%s.%d", prefix, i),
			"seq":       i,
		}
	}
	return out
}

// NewErrorResponse creates an Onyphe-style error envelope response.
func NewErrorResponse(status, code int, text string) MockResponse {
	body, _ := json.Marshal(envelope{Status: "nok", Error: code, Text: text})
	return MockResponse{
		StatusCode: status,
		Body:       string(body),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := NewErrorResponse(http.StatusTooManyRequests, 429, "rate limit exceeded")
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `internal server error`,
		Headers:    map[string]string{"Content-Type": "text/plain"},
	}
}
