// Package serving implements the two read paths over the store and cache
// tiers: low-latency online reads for inference and point-in-time batch
// reads for training, plus the service facade that wires every component
// together.
package serving

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/featstore/internal/cache"
	"github.com/xtxerr/featstore/internal/errors"
	"github.com/xtxerr/featstore/internal/logging"
	"github.com/xtxerr/featstore/internal/registry"
	"github.com/xtxerr/featstore/internal/store"
	"github.com/xtxerr/featstore/internal/types"
	"github.com/xtxerr/featstore/internal/validation"
)

// Status classifies the per-feature outcome of an online read.
type Status string

const (
	// StatusOK means a value was served, from cache or store.
	StatusOK Status = "ok"

	// StatusNotFound means the feature is unregistered or the entity has
	// no value yet. An expected outcome, not a failure.
	StatusNotFound Status = "not_found"

	// StatusUnavailable means the durable store could not answer in time.
	StatusUnavailable Status = "unavailable"
)

// FeatureResult is the per-feature outcome of an online read.
type FeatureResult struct {
	FeatureName string
	Status      Status

	// Value and TimestampMs are set only when Status is StatusOK.
	Value       types.Value
	TimestampMs int64

	// Freshness is the data age: time since the value's timestamp,
	// not time since it was cached.
	Freshness time.Duration

	// CacheHit reports whether the cache answered without a store read.
	CacheHit bool
}

// OnlineStats are cumulative counters for the online read path.
type OnlineStats struct {
	Requests     int64
	CacheHits    int64
	CacheMisses  int64
	StoreLookups int64
	NotFound     int64
	Unavailable  int64
	CacheErrors  int64
}

// OnlineReader serves single-entity reads cache-aside: cache first, the
// durable store on a miss, and a best-effort cache fill after the fetch.
// Concurrent misses for the same key coalesce into one store lookup.
type OnlineReader struct {
	reg   *registry.Registry
	store store.DurableStore
	cache cache.FeatureCache

	fetchTimeout time.Duration

	group singleflight.Group

	// clock allows tests to control freshness without sleeping.
	clock func() time.Time

	requests     atomic.Int64
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	storeLookups atomic.Int64
	notFound     atomic.Int64
	unavailable  atomic.Int64
	cacheErrors  atomic.Int64
}

// NewOnlineReader creates the online read path.
func NewOnlineReader(reg *registry.Registry, st store.DurableStore, c cache.FeatureCache, fetchTimeout time.Duration) *OnlineReader {
	return &OnlineReader{
		reg:          reg,
		store:        st,
		cache:        c,
		fetchTimeout: fetchTimeout,
		clock:        time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (o *OnlineReader) SetClock(clock func() time.Time) {
	o.clock = clock
}

// GetOnline returns the latest value of each requested feature for one
// entity. The response always covers every distinct requested name; a
// degraded backend or an unknown feature shows up as that key's status,
// never as a whole-request failure.
func (o *OnlineReader) GetOnline(ctx context.Context, entityID string, featureNames []string) (map[string]*FeatureResult, error) {
	if err := validation.ValidateEntityID(entityID); err != nil {
		return nil, err
	}
	if len(featureNames) == 0 {
		return nil, errors.NewMissingField("feature names")
	}

	// Scope the request's log lines to the entity being served.
	ctx = logging.ContextWithEntityID(ctx, entityID)

	o.requests.Add(1)

	names := dedupe(featureNames)
	results := make(map[string]*FeatureResult, len(names))

	// Resolve names up front so unknown features never hit the backends.
	defs := make(map[string]*types.FeatureDefinition, len(names))
	var cacheKeys []string
	var cacheNames []string
	for _, name := range names {
		def, err := o.reg.Get(name, 0)
		if err != nil {
			o.notFound.Add(1)
			results[name] = &FeatureResult{FeatureName: name, Status: StatusNotFound}
			continue
		}
		defs[name] = def
		cacheKeys = append(cacheKeys, cache.Key(entityID, name))
		cacheNames = append(cacheNames, name)
	}

	entries := o.lookupCache(ctx, cacheKeys)
	now := o.clock()

	for i, name := range cacheNames {
		if entries != nil && entries[i] != nil {
			entry := entries[i]
			o.cacheHits.Add(1)
			results[name] = &FeatureResult{
				FeatureName: name,
				Status:      StatusOK,
				Value:       entry.Value,
				TimestampMs: entry.TimestampMs,
				Freshness:   entry.Freshness(now),
				CacheHit:    true,
			}
			continue
		}

		o.cacheMisses.Add(1)
		results[name] = o.fetchAndFill(ctx, entityID, name, defs[name])
	}

	return results, nil
}

// lookupCache reads the cache, degrading to all-misses when the cache
// tier is unreachable. A cache outage slows reads down, it never fails
// them.
func (o *OnlineReader) lookupCache(ctx context.Context, keys []string) []*types.CacheEntry {
	if len(keys) == 0 {
		return nil
	}
	entries, err := o.cache.GetMany(ctx, keys)
	if err != nil {
		o.cacheErrors.Add(1)
		logging.WithContext(ctx).Warn("cache lookup failed, falling through to store", "error", err)
		return nil
	}
	return entries
}

// fetchAndFill loads one value from the durable store and fills the
// cache best-effort. Concurrent callers for the same key share a single
// store lookup.
func (o *OnlineReader) fetchAndFill(ctx context.Context, entityID, name string, def *types.FeatureDefinition) *FeatureResult {
	key := cache.Key(entityID, name)

	v, err, _ := o.group.Do(key, func() (interface{}, error) {
		o.storeLookups.Add(1)

		fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
		defer cancel()

		fv, err := o.store.GetLatestAsOf(fetchCtx, def.ID, entityID, o.clock().UnixMilli())
		if err != nil {
			if fetchCtx.Err() == context.DeadlineExceeded {
				return nil, errors.Wrap(errors.ErrTimeout, "store fetch")
			}
			return nil, err
		}
		return fv, nil
	})

	if err != nil {
		if errors.IsNotFound(err) {
			// Negative results are never cached: the next write must be
			// visible immediately.
			o.notFound.Add(1)
			return &FeatureResult{FeatureName: name, Status: StatusNotFound}
		}
		o.unavailable.Add(1)
		logging.WithContext(ctx).Warn("store fetch failed",
			"feature", name, "error", err)
		return &FeatureResult{FeatureName: name, Status: StatusUnavailable}
	}

	fv := v.(*types.FeatureValue)
	now := o.clock()

	entry := &types.CacheEntry{
		Value:       fv.Value,
		TimestampMs: fv.TimestampMs,
		CachedAtMs:  now.UnixMilli(),
	}
	if err := o.cache.Set(ctx, key, entry, def.TTL); err != nil {
		o.cacheErrors.Add(1)
		logging.WithContext(ctx).Warn("cache fill failed", "key", key, "error", err)
	}

	return &FeatureResult{
		FeatureName: name,
		Status:      StatusOK,
		Value:       fv.Value,
		TimestampMs: fv.TimestampMs,
		Freshness:   entry.Freshness(now),
	}
}

// Stats returns a snapshot of the online path counters.
func (o *OnlineReader) Stats() OnlineStats {
	return OnlineStats{
		Requests:     o.requests.Load(),
		CacheHits:    o.cacheHits.Load(),
		CacheMisses:  o.cacheMisses.Load(),
		StoreLookups: o.storeLookups.Load(),
		NotFound:     o.notFound.Load(),
		Unavailable:  o.unavailable.Load(),
		CacheErrors:  o.cacheErrors.Load(),
	}
}

// dedupe returns the distinct names in first-seen order.
func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
