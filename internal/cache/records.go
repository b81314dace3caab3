package cache

import (
	"encoding/json"
	"time"

	"github.com/clinharbor/trialmatch/internal/model"
)

// RecordCache stores decoded trial records on top of a byte cache
type RecordCache struct {
	cache Cache
	ttl   time.Duration
}

// NewRecordCache wraps a byte cache for TrialRecord storage. Built from
// CacheConfig: memory-only unless a directory is configured.
func NewRecordCache(cfg model.CacheConfig) *RecordCache {
	var c Cache
	if cfg.Dir != "" {
		c = NewLayeredCache(cfg.TTL, cfg.Dir, cfg.TTL)
	} else {
		c = NewMemoryCache(cfg.TTL)
	}
	return &RecordCache{cache: c, ttl: cfg.TTL}
}

// Get retrieves a cached record by trial identifier
func (r *RecordCache) Get(nctID string) (*model.TrialRecord, bool) {
	data, found := r.cache.Get(Key(nctID))
	if !found {
		return nil, false
	}
	var record model.TrialRecord
	if err := json.Unmarshal(data, &record); err != nil {
		// Corrupt entry; drop it and refetch
		_ = r.cache.Delete(Key(nctID))
		return nil, false
	}
	return &record, true
}

// Set stores a record under its trial identifier
func (r *RecordCache) Set(nctID string, record *model.TrialRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return r.cache.Set(Key(nctID), data, r.ttl)
}
