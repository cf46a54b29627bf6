package cache

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/xtxerr/featstore/internal/logging"
	"github.com/xtxerr/featstore/internal/validation"
)

// Invalidator is the explicit invalidation controller. Passive TTL
// expiry and pressure eviction belong to the cache backend; this
// controller only handles out-of-band corrections.
type Invalidator struct {
	cache FeatureCache
	log   *slog.Logger

	entitiesInvalidated atomic.Int64
	keysInvalidated     atomic.Int64
}

// NewInvalidator creates an invalidation controller over the cache.
func NewInvalidator(c FeatureCache) *Invalidator {
	return &Invalidator{
		cache: c,
		log:   logging.Component("invalidator"),
	}
}

// InvalidateEntity immediately evicts every cached key for the entity.
func (i *Invalidator) InvalidateEntity(ctx context.Context, entityID string) (int, error) {
	if err := validation.ValidateEntityID(entityID); err != nil {
		return 0, err
	}

	n, err := i.cache.DeleteEntity(ctx, entityID)
	if err != nil {
		return 0, err
	}

	i.entitiesInvalidated.Add(1)
	i.keysInvalidated.Add(int64(n))
	i.log.Info("entity invalidated", "entity_id", entityID, "keys", n)
	return n, nil
}

// Stats returns invalidation counters.
func (i *Invalidator) Stats() InvalidatorStats {
	return InvalidatorStats{
		EntitiesInvalidated: i.entitiesInvalidated.Load(),
		KeysInvalidated:     i.keysInvalidated.Load(),
	}
}

// InvalidatorStats holds invalidation counters.
type InvalidatorStats struct {
	EntitiesInvalidated int64
	KeysInvalidated     int64
}
