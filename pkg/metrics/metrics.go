// Package metrics documents the extractor's Prometheus metrics and delivers
// them to a Pushgateway at the end of a batch run.
// All metrics are defined in their respective packages (client, cache, pipeline)
// to maintain modularity and avoid circular dependencies.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Gatherer collects what Push sends. The client, cache and pipeline metrics
// register with the default registry through promauto.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// Push sends every gathered metric to the Pushgateway at url under job,
// grouped by the given label pairs. An extraction is a short batch job, so
// there is nothing for Prometheus to scrape once it exits.
func Push(ctx context.Context, url, job string, grouping map[string]string) error {
	if url == "" {
		return fmt.Errorf("pushgateway url is required")
	}

	pusher := push.New(url, job).Gatherer(Gatherer)
	for name, value := range grouping {
		pusher = pusher.Grouping(name, value)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

// Metrics Documentation
//
// Pipeline Metrics (pkg/pipeline):
//   - dhis2_pipeline_runs_total{status} (Counter): Runs by outcome (succeeded, failed)
//   - dhis2_pipeline_duration_seconds (Histogram): End-to-end run duration
//   - dhis2_pipeline_rows (Gauge): Rows written by the last run
//
// Cache Metrics (pkg/cache):
//   - dhis2_cache_hits_total{layer="redis"} (Counter): Cache hits by layer
//   - dhis2_cache_misses_total (Counter): Cache misses
//   - dhis2_cache_size_bytes{layer="redis"} (Gauge): Bytes written to the cache
//   - dhis2_304_responses_total (Counter): 304 Not Modified responses
//   - dhis2_conditional_requests_total (Counter): Conditional requests sent
//   - dhis2_cache_errors_total{operation} (Counter): Cache operation errors
//
// Request Metrics (pkg/client):
//   - dhis2_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - dhis2_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - dhis2_errors_total{class} (Counter): Errors by class (client, auth, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - dhis2_retries_total{error_class} (Counter): Retry attempts by error class
//   - dhis2_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - dhis2_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Example Prometheus Queries:
//
//   # Failed runs per connection over a day
//   sum by (connection_id) (increase(dhis2_pipeline_runs_total{status="failed"}[1d]))
//
//   # Cache Hit Rate
//   sum(rate(dhis2_cache_hits_total[1d])) /
//   (sum(rate(dhis2_cache_hits_total[1d])) + sum(rate(dhis2_cache_misses_total[1d])))
//
//   # P95 analytics latency
//   histogram_quantile(0.95, rate(dhis2_request_duration_seconds_bucket{endpoint="analytics"}[1d]))
