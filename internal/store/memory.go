package store

import (
	"context"
	"sort"
	"sync"

	"github.com/xtxerr/featstore/internal/errors"
	"github.com/xtxerr/featstore/internal/types"
)

// Memory is an in-process DurableStore keeping each series as a slice
// sorted by timestamp. It backs tests and the embedded deployment mode.
type Memory struct {
	mu sync.RWMutex

	// series maps "featureID/entityID" to its time-ordered values.
	series map[string][]types.FeatureValue

	rows int64
}

var _ DurableStore = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		series: make(map[string][]types.FeatureValue),
	}
}

// Put upserts values into their series, keeping timestamp order.
func (m *Memory) Put(ctx context.Context, values []types.FeatureValue) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range values {
		key := v.SeriesKey()
		s := m.series[key]

		idx := sort.Search(len(s), func(i int) bool {
			return s[i].TimestampMs >= v.TimestampMs
		})

		if idx < len(s) && s[idx].TimestampMs == v.TimestampMs {
			// Idempotent upsert: same key overwrites in place.
			s[idx] = v
			continue
		}

		s = append(s, types.FeatureValue{})
		copy(s[idx+1:], s[idx:])
		s[idx] = v
		m.series[key] = s
		m.rows++
	}

	return nil
}

// GetLatestAsOf returns the newest value of the series not after tsMs.
func (m *Memory) GetLatestAsOf(ctx context.Context, featureID int64, entityID string, tsMs int64) (*types.FeatureValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	v := m.latestAsOfLocked(featureID, entityID, tsMs)
	if v == nil {
		return nil, errors.ErrValueNotFound
	}
	return v, nil
}

// RangeAsOf answers the point-in-time lookup for many entities at once.
func (m *Memory) RangeAsOf(ctx context.Context, featureID int64, entityIDs []string, tsMs int64) (map[string]*types.FeatureValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*types.FeatureValue, len(entityIDs))
	for _, entityID := range entityIDs {
		if v := m.latestAsOfLocked(featureID, entityID, tsMs); v != nil {
			out[entityID] = v
		}
	}
	return out, nil
}

// History returns the values of a series within [fromMs, toMs].
func (m *Memory) History(ctx context.Context, featureID int64, entityID string, fromMs, toMs int64) ([]types.FeatureValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	fv := types.FeatureValue{FeatureID: featureID, EntityID: entityID}
	s := m.series[fv.SeriesKey()]

	lo := sort.Search(len(s), func(i int) bool { return s[i].TimestampMs >= fromMs })
	hi := sort.Search(len(s), func(i int) bool { return s[i].TimestampMs > toMs })

	if lo >= hi {
		return nil, nil
	}
	out := make([]types.FeatureValue, hi-lo)
	copy(out, s[lo:hi])
	return out, nil
}

// Count returns the total number of stored rows.
func (m *Memory) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rows, nil
}

// Close is a no-op for the memory backend.
func (m *Memory) Close() error { return nil }

// latestAsOfLocked finds the newest value with timestamp <= tsMs.
// Caller holds m.mu.
func (m *Memory) latestAsOfLocked(featureID int64, entityID string, tsMs int64) *types.FeatureValue {
	fv := types.FeatureValue{FeatureID: featureID, EntityID: entityID}
	s := m.series[fv.SeriesKey()]
	if len(s) == 0 {
		return nil
	}

	// First index with timestamp > tsMs; the answer is the one before it.
	idx := sort.Search(len(s), func(i int) bool { return s[i].TimestampMs > tsMs })
	if idx == 0 {
		return nil
	}
	v := s[idx-1]
	return &v
}
