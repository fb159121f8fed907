//go:build integration

package integration

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/dhis2-extract/internal/testutil"
	"github.com/Sternrassler/dhis2-extract/pkg/cache"
	"github.com/Sternrassler/dhis2-extract/pkg/client"
	"github.com/Sternrassler/dhis2-extract/pkg/config"
	"github.com/Sternrassler/dhis2-extract/pkg/connection"
	"github.com/Sternrassler/dhis2-extract/pkg/history"
	"github.com/Sternrassler/dhis2-extract/pkg/pipeline"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

func mockConnection(mock *testutil.MockDHIS2) connection.Connection {
	return connection.Connection{
		URL:      mock.URL(),
		Username: testutil.MockUsername,
		Password: testutil.MockPassword,
	}
}

func extraction(t *testing.T) config.Pipeline {
	t.Helper()
	cfg := config.Default()
	cfg.Vars = "nAQnroqvf3T,B9KO90o3CSH"
	cfg.YearBegin, cfg.YearEnd = 2024, 2024
	cfg.MonthBegin, cfg.MonthEnd = 1, 3
	cfg.ConnectionID = "play"
	cfg.Workspace = config.Workspace{FilesPath: t.TempDir()}
	return cfg
}

var analyticsRows = []testutil.AnalyticsRow{
	{DataElement: "nAQnroqvf3T", Period: "202401", OrgUnit: "O6uvpzGd5pu", Value: "112"},
	{DataElement: "B9KO90o3CSH", Period: "202401", OrgUnit: "O6uvpzGd5pu", Value: "9"},
	{DataElement: "nAQnroqvf3T", Period: "202402", OrgUnit: "O6uvpzGd5pu", Value: "98"},
	{DataElement: "nAQnroqvf3T", Period: "202401", OrgUnit: "fdc6uOvgoji", Value: "47"},
}

// TestFullPipelineFlow runs the extraction twice against the mock: the
// second run is answered from Redis without reaching DHIS2.
func TestFullPipelineFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockDHIS2()
	defer mock.Close()
	mock.SetAnalyticsResponse(testutil.NewAnalyticsResponse(analyticsRows...).
		WithHeader("Cache-Control", "private, max-age=3600"))

	ctx := context.Background()
	cfg := extraction(t)

	store, err := history.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Failed to open history: %v", err)
	}
	defer store.Close()

	clientCfg := client.DefaultConfig("dhis2-extract-test/1.0")
	clientCfg.Cache = cache.NewManager(redisClient)
	deps := pipeline.Deps{
		Resolver: connection.Static{"play": mockConnection(mock)},
		Client:   clientCfg,
		History:  store,
	}

	first, err := pipeline.Run(ctx, cfg, deps)
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	firstCSV, err := os.ReadFile(first.OutputPath)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}

	want := "pe,ou,nAQnroqvf3T,B9KO90o3CSH\n" +
		"202401,O6uvpzGd5pu,112,9\n" +
		"202402,O6uvpzGd5pu,98,\n" +
		"202401,fdc6uOvgoji,47,\n"
	if string(firstCSV) != want {
		t.Errorf("CSV =\n%s\nwant\n%s", firstCSV, want)
	}

	second, err := pipeline.Run(ctx, cfg, deps)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	secondCSV, _ := os.ReadFile(second.OutputPath)
	if string(secondCSV) != string(firstCSV) {
		t.Error("cached run produced a different CSV")
	}

	if mock.RequestCount() != 1 {
		t.Errorf("DHIS2 requests = %d, want 1 (second run from cache)", mock.RequestCount())
	}

	runs, err := store.List(ctx, "play", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	for _, r := range runs {
		if r.Status != history.StatusSucceeded || r.Rows != 3 {
			t.Errorf("run %s: status=%s rows=%d", r.ID, r.Status, r.Rows)
		}
	}
}

// TestNotModified revalidates an expired entry with If-None-Match.
func TestNotModified(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockDHIS2()
	defer mock.Close()
	mock.SetHandler("/api/analytics", testutil.NewConditionalHandler(`"analytics-v1"`, testutil.AnalyticsBody(analyticsRows...)))

	cfg := client.DefaultConfig("dhis2-extract-test/1.0")
	cfg.Cache = cache.NewManager(redisClient)
	c, err := client.New(mockConnection(mock), cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx := context.Background()
	dims := []string{"dx:nAQnroqvf3T;B9KO90o3CSH", "pe:202401;202402", "ou:LEVEL-2"}

	first, err := c.Analytics(ctx, dims)
	if err != nil {
		t.Fatalf("First request failed: %v", err)
	}

	// max-age=1
	time.Sleep(1500 * time.Millisecond)

	second, err := c.Analytics(ctx, dims)
	if err != nil {
		t.Fatalf("Conditional request failed: %v", err)
	}

	if mock.ConditionalCount() != 1 {
		t.Errorf("conditional requests = %d, want 1", mock.ConditionalCount())
	}
	if len(second.Rows) != len(first.Rows) {
		t.Errorf("rows after 304 = %d, want %d", len(second.Rows), len(first.Rows))
	}

	// The refreshed entry is fresh again: no third request.
	if _, err := c.Analytics(ctx, dims); err != nil {
		t.Fatalf("Third request failed: %v", err)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("DHIS2 requests = %d, want 2", mock.RequestCount())
	}
}

// TestCacheExpiration drops expired entries that cannot be revalidated.
func TestCacheExpiration(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockDHIS2()
	defer mock.Close()
	mock.SetHandler("/api/analytics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Expires", time.Now().Add(1*time.Second).Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(testutil.AnalyticsBody(analyticsRows...)))
	})

	cfg := client.DefaultConfig("dhis2-extract-test/1.0")
	manager := cache.NewManager(redisClient)
	cfg.Cache = manager
	c, err := client.New(mockConnection(mock), cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx := context.Background()
	dims := []string{"dx:nAQnroqvf3T", "pe:202401", "ou:LEVEL-2"}
	if _, err := c.Analytics(ctx, dims); err != nil {
		t.Fatalf("First request failed: %v", err)
	}

	time.Sleep(2500 * time.Millisecond)

	if _, err := c.Analytics(ctx, dims); err != nil {
		t.Fatalf("Second request failed: %v", err)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("DHIS2 requests = %d, want 2 (expired entry not reused)", mock.RequestCount())
	}
	if mock.ConditionalCount() != 0 {
		t.Errorf("conditional requests = %d, want 0 without validators", mock.ConditionalCount())
	}
}

// TestNoCacheAlwaysRefetched keeps DHIS2's default no-cache analytics out of Redis.
func TestNoCacheAlwaysRefetched(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockDHIS2()
	defer mock.Close()
	mock.SetAnalyticsResponse(testutil.NewAnalyticsResponse(analyticsRows...))

	cfg := client.DefaultConfig("dhis2-extract-test/1.0")
	cfg.Cache = cache.NewManager(redisClient)
	cfg.CacheTTL = time.Hour
	c, err := client.New(mockConnection(mock), cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx := context.Background()
	dims := []string{"dx:nAQnroqvf3T", "pe:202401", "ou:LEVEL-2"}
	for i := 0; i < 2; i++ {
		if _, err := c.Analytics(ctx, dims); err != nil {
			t.Fatalf("Request %d failed: %v", i, err)
		}
	}

	if mock.RequestCount() != 2 {
		t.Errorf("DHIS2 requests = %d, want 2 (no-cache response reused)", mock.RequestCount())
	}
	keys, err := redisClient.Keys(ctx, "*").Result()
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("cached keys = %v, want none", keys)
	}
}

// TestCachePurge removes the entries of one connection only.
func TestCachePurge(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockDHIS2()
	defer mock.Close()
	mock.SetAnalyticsResponse(testutil.NewAnalyticsResponse(analyticsRows...).
		WithHeader("Cache-Control", "private, max-age=3600"))

	manager := cache.NewManager(redisClient)
	cfg := client.DefaultConfig("dhis2-extract-test/1.0")
	cfg.Cache = manager
	c, err := client.New(mockConnection(mock), cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx := context.Background()
	for _, pe := range []string{"pe:202401", "pe:202402"} {
		if _, err := c.Analytics(ctx, []string{"dx:nAQnroqvf3T", pe, "ou:LEVEL-2"}); err != nil {
			t.Fatalf("Request failed: %v", err)
		}
	}

	removed, err := manager.Purge(ctx, c.BaseURL(), testutil.MockUsername)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	if _, err := c.Analytics(ctx, []string{"dx:nAQnroqvf3T", "pe:202401", "ou:LEVEL-2"}); err != nil {
		t.Fatalf("Request after purge failed: %v", err)
	}
	if mock.RequestCount() != 3 {
		t.Errorf("DHIS2 requests = %d, want 3", mock.RequestCount())
	}
}

// TestRetry5xxErrors retries server errors when retries are enabled.
func TestRetry5xxErrors(t *testing.T) {
	mock := testutil.NewMockDHIS2()
	defer mock.Close()
	mock.SetSequence("/api/analytics",
		testutil.NewServerErrorResponse(),
		testutil.NewAnalyticsResponse(analyticsRows...),
	)

	cfg := client.DefaultConfig("dhis2-extract-test/1.0")
	cfg.MaxRetries = 2
	c, err := client.New(mockConnection(mock), cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	table, err := c.Analytics(context.Background(), []string{"dx:nAQnroqvf3T", "pe:202401", "ou:LEVEL-2"})
	if err != nil {
		t.Fatalf("Request failed after retry: %v", err)
	}
	if len(table.Rows) != len(analyticsRows) {
		t.Errorf("rows = %d, want %d", len(table.Rows), len(analyticsRows))
	}
	if mock.RequestCount() != 2 {
		t.Errorf("DHIS2 requests = %d, want 2", mock.RequestCount())
	}
}

// TestNoRetry4xxErrors fails fast on client errors.
func TestNoRetry4xxErrors(t *testing.T) {
	mock := testutil.NewMockDHIS2()
	defer mock.Close()
	mock.SetAnalyticsResponse(testutil.NewConflictResponse("Dimension ou is present in query without any valid dimension options"))

	cfg := client.DefaultConfig("dhis2-extract-test/1.0")
	cfg.MaxRetries = 3
	c, err := client.New(mockConnection(mock), cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = c.Analytics(context.Background(), []string{"dx:nAQnroqvf3T", "pe:202401", "ou:nope"})
	var remoteErr *client.RemoteRequestError
	if !errors.As(err, &remoteErr) || remoteErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 RemoteRequestError, got %v", err)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("DHIS2 requests = %d, want 1 (no retries for 4xx)", mock.RequestCount())
	}
}
