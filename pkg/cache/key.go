package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// credentialParams are query parameters never written into a cache key.
var credentialParams = map[string]bool{
	"access_token": true,
	"token":        true,
}

// CacheKey identifies a cached API response.
type CacheKey struct {
	// Host is the API host (e.g., "api.example.com")
	Host string

	// Endpoint is the request path (e.g., "/billingdata/users/abc/homes/1/utilitydata")
	Endpoint string

	// QueryParams are the query parameters, credentials excluded
	QueryParams url.Values
}

// KeyFromURL builds a key from a request URL, dropping credential parameters.
func KeyFromURL(u *url.URL) CacheKey {
	query := url.Values{}
	for k, v := range u.Query() {
		if credentialParams[strings.ToLower(k)] {
			continue
		}
		query[k] = v
	}
	return CacheKey{
		Host:        u.Host,
		Endpoint:    u.Path,
		QueryParams: query,
	}
}

// String generates a deterministic cache key string.
// Format: bulkfetch:host:endpoint:query1=val1:query2=val2
//
// Example:
//
//	bulkfetch:api.example.com:billingdata/users/abc/homes/1/utilitydata:t0=1:t1=2110163358
func (k CacheKey) String() string {
	parts := []string{"bulkfetch"}

	if k.Host != "" {
		parts = append(parts, k.Host)
	}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.QueryParams.Get(key)))
		}
	}

	return strings.Join(parts, ":")
}
