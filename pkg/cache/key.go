package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix namespaces every cache key in Redis.
const KeyPrefix = "dhis2"

// CacheKey identifies a cached DHIS2 response.
type CacheKey struct {
	// Host is the normalized API base URL (e.g., "https://dhis2.example.org/api")
	Host string

	// Username scopes the entry to the credentials that fetched it;
	// DHIS2 filters analytics by the user's data sharing.
	Username string

	// Endpoint is the API endpoint relative to Host (e.g., "analytics")
	Endpoint string

	// QueryParams are the query parameters; repeated values are all kept
	QueryParams url.Values
}

// String generates a deterministic cache key string.
// Format: dhis2:host:user:endpoint:query1=a,b:query2=c
//
// Example:
//
//	dhis2:https://play.dhis2.org/api:admin:analytics:dimension=dx:a;b,pe:202301,ou:LEVEL-1
func (k CacheKey) String() string {
	parts := []string{KeyPrefix}

	if k.Host != "" {
		parts = append(parts, strings.TrimRight(k.Host, "/"))
	}
	if k.Username != "" {
		parts = append(parts, k.Username)
	}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	// Keys sorted for determinism; value order is significant for DHIS2
	// (dimension order shapes the response) so it is kept as given.
	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(k.QueryParams[key], ",")))
		}
	}

	return strings.Join(parts, ":")
}
