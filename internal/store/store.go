// Package store defines the durable store contract and its backends.
//
// The durable store is append-only and time-ordered: rows are keyed by
// (feature_id, entity_id, timestamp), never updated or deleted, and a
// re-applied write upserts under the identical key. Point-in-time reads
// select the row with the greatest timestamp not exceeding the reference,
// which makes historical answers deterministic regardless of when the
// query runs.
package store

import (
	"context"

	"github.com/xtxerr/featstore/internal/types"
)

// DurableStore is the logical contract both read paths and the pipeline
// depend on. Implementations must preserve (feature_id, entity_id,
// timestamp) uniqueness and per-series timestamp ordering.
type DurableStore interface {
	// Put upserts a batch of feature values. Re-applying a value with an
	// existing key overwrites it; equal payloads leave the store
	// indistinguishable from a single write.
	Put(ctx context.Context, values []types.FeatureValue) error

	// GetLatestAsOf returns the value with the greatest timestamp <= tsMs
	// for the series, or ErrValueNotFound when the series has no value at
	// or before the reference.
	GetLatestAsOf(ctx context.Context, featureID int64, entityID string, tsMs int64) (*types.FeatureValue, error)

	// RangeAsOf answers GetLatestAsOf for many entities of one feature in
	// a single query. Entities without a value at or before the reference
	// are simply absent from the result; per-entity answers are
	// independent of the other entities in the batch.
	RangeAsOf(ctx context.Context, featureID int64, entityIDs []string, tsMs int64) (map[string]*types.FeatureValue, error)

	// History returns all values of a series within [fromMs, toMs],
	// ordered by ascending timestamp.
	History(ctx context.Context, featureID int64, entityID string, fromMs, toMs int64) ([]types.FeatureValue, error)

	// Count returns the total number of stored rows. Primarily for
	// idempotency verification and stats.
	Count(ctx context.Context) (int64, error)

	Close() error
}
