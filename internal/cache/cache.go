// Package cache implements the opt-in trial detail cache. Registry
// entries change rarely, so repeated matching runs against the same
// conditions can skip refetching details. The cache is disabled by
// default: within a single request, records are owned by that request.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache is a byte-level TTL cache
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// Key derives the cache key for a trial identifier. Hashing keeps keys
// filename-safe for the disk layer regardless of what the registry hands
// back as an identifier.
func Key(nctID string) string {
	hash := sha256.Sum256([]byte(nctID))
	return "trialmatch:v1:" + hex.EncodeToString(hash[:])
}
