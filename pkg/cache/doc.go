// Package cache provides an optional Redis-backed cache for successful API
// GET responses.
//
// When a run is repeated over overlapping line ranges, cached bodies are
// served without touching the remote API. Only 200 responses are stored,
// each with a fixed TTL. Credentials never appear in keys: the access_token
// query parameter is stripped before the key is built.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient, 10*time.Minute)
//
//	key := cache.KeyFromURL(u)
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the API, then manager.Set(ctx, key, entry)
//	}
//
// # Metrics
//
//   - bulkfetch_cache_hits_total - Cache hits
//   - bulkfetch_cache_misses_total - Cache misses
//   - bulkfetch_cache_errors_total{operation} - Cache operation errors
package cache
