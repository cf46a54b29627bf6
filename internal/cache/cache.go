// Package cache defines the fast cache contract and its backends.
//
// The cache is a volatile key-value tier in front of the durable store.
// Entries carry their value timestamp so freshness is always derivable,
// and every entry expires by TTL. Entries may vanish at any time (expiry
// or eviction under memory pressure); read paths must treat a vanished
// entry exactly like a cold miss.
package cache

import (
	"context"
	"time"

	"github.com/xtxerr/featstore/internal/types"
)

// FeatureCache is the logical contract of the fast cache tier.
// Keys are "entityID:featureName".
type FeatureCache interface {
	// Get returns the entry for key, or ok=false on miss.
	Get(ctx context.Context, key string) (*types.CacheEntry, bool, error)

	// GetMany returns entries for keys in order; nil marks a miss.
	GetMany(ctx context.Context, keys []string) ([]*types.CacheEntry, error)

	// Set stores an entry under key with the given TTL.
	Set(ctx context.Context, key string, entry *types.CacheEntry, ttl time.Duration) error

	// SetMany stores several entries with one TTL.
	SetMany(ctx context.Context, entries map[string]*types.CacheEntry, ttl time.Duration) error

	// Delete evicts a single key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// DeleteEntity evicts every key belonging to an entity and returns
	// how many were removed.
	DeleteEntity(ctx context.Context, entityID string) (int, error)

	Close() error
}

// Key builds the cache key for an (entity, feature) pair.
func Key(entityID, featureName string) string {
	return entityID + ":" + featureName
}
