// Package cache stores DHIS2 API responses in Redis so repeated extractions
// over the same dimensions do not hit the analytics engine again.
//
// Entries live until the expiry derived from the response (Cache-Control
// max-age, then Expires, then the configured fallback TTL). Stored ETag and
// Last-Modified values are replayed as If-None-Match / If-Modified-Since so a
// server that supports revalidation can answer 304 Not Modified.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	key := cache.CacheKey{
//		Host:        "https://dhis2.example.org/api",
//		Username:    "admin",
//		Endpoint:    "analytics",
//		QueryParams: url.Values{"dimension": {"dx:a;b", "pe:202301", "ou:LEVEL-1"}},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if err == cache.ErrCacheMiss {
//		// fetch from DHIS2, then cache.ResponseToEntry + manager.Set
//	}
//
// # Metrics
//
//   - dhis2_cache_hits_total{layer="redis"}
//   - dhis2_cache_misses_total
//   - dhis2_cache_size_bytes{layer="redis"}
//   - dhis2_304_responses_total
//   - dhis2_conditional_requests_total
//   - dhis2_cache_errors_total{operation}
package cache
