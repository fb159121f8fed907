// Package client provides an authenticated DHIS2 Web API client with optional
// response caching, retries and Prometheus instrumentation.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/dhis2-extract/pkg/cache"
	"github.com/Sternrassler/dhis2-extract/pkg/connection"
	"github.com/Sternrassler/dhis2-extract/pkg/reshape"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for DHIS2 client operations.
var (
	dhis2RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhis2_requests_total",
		Help: "Total DHIS2 requests by endpoint and status",
	}, []string{"endpoint", "status"})

	dhis2RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dhis2_request_duration_seconds",
		Help:    "DHIS2 request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"endpoint"})

	dhis2ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhis2_errors_total",
		Help: "Total DHIS2 errors by class",
	}, []string{"class"})
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors (bad dimension, unknown UID).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassAuth represents 401/403 responses.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// AnalyticsEndpoint is the aggregate analytics resource.
const AnalyticsEndpoint = "analytics"

// Client talks to one DHIS2 instance with one set of credentials.
type Client struct {
	httpClient *http.Client
	baseURL    string
	conn       connection.Connection
	cache      *cache.Manager
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// User-Agent header sent with every request
	UserAgent string

	// Timeout for a single HTTP attempt
	Timeout time.Duration

	// MaxRetries is the number of extra attempts for server, rate limit and
	// network errors. 0 sends one request only.
	MaxRetries int

	// AllowNonSuccess returns non-2xx bodies instead of a RemoteRequestError.
	AllowNonSuccess bool

	// Cache enables the Redis response cache when set
	Cache *cache.Manager

	// CacheTTL applies when the response has no freshness headers
	CacheTTL time.Duration

	// Logger is the parent logger; the global logger when nil
	Logger *zerolog.Logger
}

// DefaultConfig returns a default configuration: one attempt, 60s timeout, no cache.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent:  userAgent,
		Timeout:    60 * time.Second,
		MaxRetries: 0,
		CacheTTL:   cache.DefaultTTL,
	}
}

// AppendAPIToURL strips trailing slashes and appends "/api" unless the URL
// path already contains it. A host such as api.example.org does not count.
func AppendAPIToURL(rawURL string) string {
	u := strings.TrimRight(rawURL, "/")
	path := u
	if parsed, err := url.Parse(u); err == nil && parsed.Host != "" {
		path = parsed.Path
	}
	if !strings.Contains(path, "/api") {
		u += "/api"
	}
	return u
}

// New creates a client for a resolved connection.
func New(conn connection.Connection, cfg Config) (*Client, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}

	baseURL := AppendAPIToURL(conn.URL)
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("connection url must be http or https (got %q)", parsed.Scheme)
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	parent := log.Logger
	if cfg.Logger != nil {
		parent = *cfg.Logger
	}
	logger := parent.With().
		Str("component", "dhis2-client").
		Str("base_url", baseURL).
		Logger()

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: baseURL,
		conn:    conn,
		cache:   cfg.Cache,
		config:  cfg,
		logger:  logger,
	}, nil
}

// BaseURL returns the normalized API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do performs a GET request with caching, basic auth and retries.
// Non-2xx responses are returned as is; callers decide how to treat them.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := strings.TrimPrefix(req.URL.Path, basePath(c.baseURL))

	startTime := time.Now()
	defer func() {
		dhis2RequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Check Cache
	cacheKey := cache.CacheKey{
		Host:        c.baseURL,
		Username:    c.conn.Username,
		Endpoint:    endpoint,
		QueryParams: req.URL.Query(),
	}

	var cachedEntry *cache.CacheEntry
	if c.cache != nil {
		entry, err := c.cache.Get(ctx, cacheKey)
		switch {
		case err == nil:
			c.logger.Debug().Str("endpoint", endpoint).Msg("Serving response from cache")
			dhis2RequestsTotal.WithLabelValues(endpoint, "cached").Inc()
			return cache.EntryToResponse(entry), nil
		case errors.Is(err, cache.ErrStale):
			cachedEntry = entry
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}
	}

	// Step 2: Make Conditional Request for a stale entry
	if cachedEntry != nil {
		cache.AddConditionalHeaders(req, cachedEntry)
		cache.ConditionalRequestsSent.Inc()
		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("etag", cachedEntry.ETag).
			Msg("Making conditional request")
	}

	// Step 3: Auth and headers
	req.SetBasicAuth(c.conn.Username, c.conn.Password)
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	// Step 4: Execute HTTP Request with Retry Logic
	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("query", req.URL.RawQuery).
		Msg("Executing DHIS2 request")

	var resp *http.Response
	retryErr := retryWithBackoff(ctx, c.config.MaxRetries+1, func() error {
		var reqErr error
		resp, reqErr = c.httpClient.Do(req)
		if reqErr != nil {
			c.logger.Error().Err(reqErr).Str("endpoint", endpoint).Msg("HTTP request failed")
			dhis2ErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			dhis2RequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			return reqErr
		}

		dhis2RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		errClass := classifyStatus(resp.StatusCode)
		if errClass == "" {
			return nil
		}
		dhis2ErrorsTotal.WithLabelValues(string(errClass)).Inc()

		if !shouldRetry(errClass) || c.config.MaxRetries == 0 {
			// Let the caller read the body
			return nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return &RemoteRequestError{
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Endpoint:   endpoint,
			Message:    errorMessage(resp.StatusCode, body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}, classifyError)

	if retryErr != nil {
		return nil, retryErr
	}

	// Step 5: Handle 304 Not Modified
	if resp.StatusCode == http.StatusNotModified && cachedEntry != nil {
		c.logger.Info().Str("endpoint", endpoint).Msg("304 Not Modified - using cache")
		cache.NotModifiedResponses.Inc()

		newExpires := cache.ParseExpires(resp.Header, c.config.CacheTTL)
		if err := c.cache.UpdateTTL(ctx, cacheKey, newExpires); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update cache TTL")
		}

		resp.Body.Close()
		return cache.EntryToResponse(cachedEntry), nil
	}

	// Step 6: Update Cache on success
	if c.cache != nil && resp.StatusCode == http.StatusOK {
		entry, err := cache.ResponseToEntry(resp, c.config.CacheTTL)
		if errors.Is(err, cache.ErrNoStore) {
			c.logger.Debug().Str("endpoint", endpoint).Msg("Response marked no-store, not cached")
		} else if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to create cache entry")
		} else if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		} else {
			c.logger.Debug().
				Str("endpoint", endpoint).
				Dur("ttl", entry.TTL()).
				Msg("Cached response")
		}
	}

	return resp, nil
}

// Get sends one GET to {base}/{endpoint} and returns the JSON body.
//
// A non-2xx status yields a *RemoteRequestError unless AllowNonSuccess is
// set, in which case a warning is logged and the body is returned anyway.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	endpoint = strings.Trim(endpoint, "/")
	target := c.baseURL + "/" + endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errClass := classifyStatus(resp.StatusCode)
		if !c.config.AllowNonSuccess {
			return nil, &RemoteRequestError{
				StatusCode: resp.StatusCode,
				ErrorClass: errClass,
				Endpoint:   endpoint,
				Message:    errorMessage(resp.StatusCode, body),
			}
		}
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("GET request failed, returning body anyway")
	} else {
		c.logger.Info().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Int("bytes", len(body)).
			Msg("GET request successful")
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("%s returned invalid JSON (status %d)", endpoint, resp.StatusCode)
	}
	return json.RawMessage(body), nil
}

// Analytics queries the aggregate analytics resource. Each dimension is sent
// as its own "dimension" query parameter.
func (c *Client) Analytics(ctx context.Context, dimensions []string) (*reshape.Table, error) {
	params := url.Values{"dimension": dimensions}

	body, err := c.Get(ctx, AnalyticsEndpoint, params)
	if err != nil {
		return nil, err
	}
	return reshape.Decode(body)
}

// classifyStatus maps a status code to an error class; "" means success.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorClassAuth
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// classifyError categorizes an error returned from a request attempt.
func classifyError(err error) ErrorClass {
	var remoteErr *RemoteRequestError
	if errors.As(err, &remoteErr) {
		return remoteErr.ErrorClass
	}
	return ErrorClassNetwork
}

func basePath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimRight(u.Path, "/") + "/"
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
