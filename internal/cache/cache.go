// Package cache holds derived, expiring values such as the cluster
// snapshot and aggregate statistics. Entries stay readable after they
// expire so callers can serve a stale value when a refresh fails.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned when a key has no entry, fresh or stale.
var ErrMiss = errors.New("cache miss")

// Entry is a stored value with its freshness window.
type Entry struct {
	Value     []byte
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Fresh reports whether the entry has not yet expired at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Store is a key-value cache with per-entry TTL.
type Store interface {
	// Get returns the entry for key, expired or not, or ErrMiss.
	Get(ctx context.Context, key string) (Entry, error)
	// Set stores value under key, fresh for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GetJSON reads key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) (Entry, error) {
	entry, err := s.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal(entry.Value, v); err != nil {
		return Entry{}, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	return entry, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}
