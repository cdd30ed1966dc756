// Package cache provides concurrent caches with TTL-based expiration.
// This package implements:
//   - TTLCache: seen-set over sync.Map with atomic check-and-add
//   - Periodic sweeping of expired entries
package cache
