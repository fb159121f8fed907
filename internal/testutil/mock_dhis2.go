// Package testutil provides testing utilities for the DHIS2 extractor.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Default credentials accepted by MockDHIS2.
const (
	MockUsername = "admin"
	MockPassword = "district"
)

// MockResponse defines the behavior for a mock DHIS2 endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// WithHeader returns a copy of r with the header set.
func (r MockResponse) WithHeader(key, value string) MockResponse {
	headers := make(map[string]string, len(r.Headers)+1)
	for k, v := range r.Headers {
		headers[k] = v
	}
	headers[key] = value
	r.Headers = headers
	return r
}

// MockDHIS2 is a configurable mock DHIS2 server rooted at /api.
type MockDHIS2 struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	requestCount     int
	conditionalCount int
	lastRequest      *http.Request
}

// NewMockDHIS2 creates a new mock DHIS2 server that enforces basic auth with
// MockUsername / MockPassword.
func NewMockDHIS2() *MockDHIS2 {
	mock := &MockDHIS2{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.lastRequest = r.Clone(r.Context())
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.conditionalCount++
		}
		mock.mu.Unlock()

		user, pass, ok := r.BasicAuth()
		if !ok || user != MockUsername || pass != MockPassword {
			writeJSON(w, http.StatusUnauthorized, `{"httpStatus":"Unauthorized","httpStatusCode":401,"status":"ERROR","message":"Unauthorized"}`)
			return
		}

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		writeJSON(w, http.StatusNotFound, `{"httpStatus":"Not Found","httpStatusCode":404,"status":"ERROR","message":"Resource not found"}`)
	}))

	return mock
}

// URL returns the server root (without /api).
func (m *MockDHIS2) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockDHIS2) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockDHIS2) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.conditionalCount = 0
	m.lastRequest = nil
}

// SetHandler sets a custom handler for a path such as "/api/analytics".
func (m *MockDHIS2) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockDHIS2) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
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

// SetAnalyticsResponse configures the /api/analytics response.
func (m *MockDHIS2) SetAnalyticsResponse(resp MockResponse) {
	m.SetResponse("/api/analytics", resp)
}

// SetSequence answers successive requests on path with the given responses;
// the last one repeats.
func (m *MockDHIS2) SetSequence(path string, responses ...MockResponse) {
	var mu sync.Mutex
	next := 0
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[next]
		if next < len(responses)-1 {
			next++
		}
		mu.Unlock()

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		w.Write([]byte(resp.Body))
	})
}

// RequestCount returns the number of requests made to the server.
func (m *MockDHIS2) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// ConditionalCount returns the number of conditional requests.
func (m *MockDHIS2) ConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conditionalCount
}

// LastRequest returns a copy of the most recent request.
func (m *MockDHIS2) LastRequest() *http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequest
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// AnalyticsRow is one long-format row of a mock analytics response.
type AnalyticsRow struct {
	DataElement string
	Period      string
	OrgUnit     string
	Value       string
}

// AnalyticsBody builds an analytics JSON body with dx, pe, ou, value headers.
func AnalyticsBody(rows ...AnalyticsRow) string {
	type header struct {
		Name      string `json:"name"`
		Column    string `json:"column"`
		ValueType string `json:"valueType"`
		Type      string `json:"type"`
		Hidden    bool   `json:"hidden"`
		Meta      bool   `json:"meta"`
	}
	body := struct {
		Headers []header   `json:"headers"`
		Rows    [][]string `json:"rows"`
		Width   int        `json:"width"`
		Height  int        `json:"height"`
	}{
		Headers: []header{
			{Name: "dx", Column: "Data", ValueType: "TEXT", Type: "java.lang.String", Meta: true},
			{Name: "pe", Column: "Period", ValueType: "TEXT", Type: "java.lang.String", Meta: true},
			{Name: "ou", Column: "Organisation unit", ValueType: "TEXT", Type: "java.lang.String", Meta: true},
			{Name: "value", Column: "Value", ValueType: "NUMBER", Type: "java.lang.Double"},
		},
		Rows:  make([][]string, 0, len(rows)),
		Width: 4,
	}
	for _, r := range rows {
		body.Rows = append(body.Rows, []string{r.DataElement, r.Period, r.OrgUnit, r.Value})
	}
	body.Height = len(body.Rows)

	data, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// NewAnalyticsResponse creates a 200 OK analytics response. DHIS2 marks
// analytics no-cache by default, so clients must not serve it from cache.
func NewAnalyticsResponse(rows ...AnalyticsRow) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       AnalyticsBody(rows...),
		Headers: map[string]string{
			"Content-Type":  "application/json;charset=UTF-8",
			"Cache-Control": "no-cache, private",
		},
	}
}

// NewConflictResponse creates the 409 DHIS2 sends for invalid dimensions.
func NewConflictResponse(message string) MockResponse {
	body, _ := json.Marshal(map[string]any{
		"httpStatus":     "Conflict",
		"httpStatusCode": http.StatusConflict,
		"status":         "ERROR",
		"message":        message,
		"errorCode":      "E7124",
	})
	return MockResponse{
		StatusCode: http.StatusConflict,
		Body:       string(body),
		Headers:    map[string]string{"Content-Type": "application/json;charset=UTF-8"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"httpStatus":"Internal Server Error","httpStatusCode":500,"status":"ERROR","message":"Analytics engine failure"}`,
		Headers:    map[string]string{"Content-Type": "application/json;charset=UTF-8"},
	}
}

// NewConditionalHandler answers 304 when If-None-Match matches etag.
func NewConditionalHandler(etag string, body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json;charset=UTF-8")
		if strings.TrimSpace(r.Header.Get("If-None-Match")) == etag {
			w.Header().Set("Cache-Control", "max-age=1")
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", "max-age=1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}
}
