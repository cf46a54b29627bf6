package serving

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/featstore/internal/errors"
	"github.com/xtxerr/featstore/internal/logging"
	"github.com/xtxerr/featstore/internal/registry"
	"github.com/xtxerr/featstore/internal/store"
	"github.com/xtxerr/featstore/internal/types"
	"github.com/xtxerr/featstore/internal/validation"
)

// BatchValue is one cell of a point-in-time matrix.
type BatchValue struct {
	Value       types.Value
	TimestampMs int64

	// Found is false when the entity had no value at or before the
	// reference. Absent cells are explicit so training code can
	// distinguish "no data" from a zero value.
	Found bool

	// Unavailable is true when the store could not answer for this
	// feature. An unavailable cell is never Found.
	Unavailable bool
}

// BatchResult is the entity-by-feature matrix of a point-in-time read.
// Every requested entity has a row and every requested feature a column.
type BatchResult struct {
	// ReferenceMs is the resolved reference timestamp the matrix answers
	// for. Rows never contain a value with a timestamp after it.
	ReferenceMs int64

	// FeatureNames is the column order, matching the request after
	// deduplication.
	FeatureNames []string

	// Rows maps entity ID to its feature cells.
	Rows map[string]map[string]BatchValue

	// Unavailable lists the features whose store fetch failed, in column
	// order. Their cells are marked Unavailable instead of failing the
	// whole request.
	Unavailable []string
}

// BatchStats are cumulative counters for the point-in-time path.
type BatchStats struct {
	Requests         int64
	CellsFilled      int64
	CellsAbsent      int64
	CellsUnavailable int64
}

// BatchReader serves point-in-time reads against the durable store only.
// The cache is deliberately bypassed: historical answers must depend on
// the reference timestamp alone, never on what happens to be cached.
type BatchReader struct {
	reg   *registry.Registry
	store store.DurableStore

	maxEntities int
	concurrency int

	log *slog.Logger

	requests         atomic.Int64
	cellsFilled      atomic.Int64
	cellsAbsent      atomic.Int64
	cellsUnavailable atomic.Int64
}

// NewBatchReader creates the point-in-time read path.
func NewBatchReader(reg *registry.Registry, st store.DurableStore, maxEntities, concurrency int) *BatchReader {
	return &BatchReader{
		reg:         reg,
		store:       st,
		maxEntities: maxEntities,
		concurrency: concurrency,
		log:         logging.Component("batch"),
	}
}

// GetBatch returns, for every (entity, feature) pair, the latest value
// with timestamp at or before the reference. A zero reference means now.
// Features are fetched concurrently. A store error degrades per feature:
// its column is marked unavailable and the remaining features are still
// served. Only validation failures and a cancelled context fail the
// request.
func (b *BatchReader) GetBatch(ctx context.Context, entityIDs, featureNames []string, reference time.Time) (*BatchResult, error) {
	if len(entityIDs) == 0 {
		return nil, errors.NewMissingField("entity ids")
	}
	if len(featureNames) == 0 {
		return nil, errors.NewMissingField("feature names")
	}
	if len(entityIDs) > b.maxEntities {
		return nil, errors.NewValidation("entity ids",
			"batch exceeds max entities")
	}
	entityIDs = dedupe(entityIDs)
	for _, id := range entityIDs {
		if err := validation.ValidateEntityID(id); err != nil {
			return nil, err
		}
	}

	names := dedupe(featureNames)
	defs := make([]*types.FeatureDefinition, len(names))
	for i, name := range names {
		def, err := b.reg.Get(name, 0)
		if err != nil {
			return nil, err
		}
		defs[i] = def
	}

	if reference.IsZero() {
		reference = time.Now()
	}
	refMs := reference.UnixMilli()

	b.requests.Add(1)

	result := &BatchResult{
		ReferenceMs:  refMs,
		FeatureNames: names,
		Rows:         make(map[string]map[string]BatchValue, len(entityIDs)),
	}
	for _, id := range entityIDs {
		row := make(map[string]BatchValue, len(names))
		for _, name := range names {
			row[name] = BatchValue{}
		}
		result.Rows[id] = row
	}

	var mu sync.Mutex
	unavailable := make(map[string]bool, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for i, name := range names {
		def := defs[i]
		name := name
		g.Go(func() error {
			values, err := b.store.RangeAsOf(gctx, def.ID, entityIDs, refMs)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logging.WithContext(gctx).Warn("batch feature fetch failed",
					"feature", name, "error", err)
				mu.Lock()
				unavailable[name] = true
				mu.Unlock()
				return nil
			}
			mu.Lock()
			for id, fv := range values {
				result.Rows[id][name] = BatchValue{
					Value:       fv.Value,
					TimestampMs: fv.TimestampMs,
					Found:       true,
				}
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, name := range names {
		if !unavailable[name] {
			continue
		}
		result.Unavailable = append(result.Unavailable, name)
		for _, row := range result.Rows {
			row[name] = BatchValue{Unavailable: true}
		}
	}

	for _, row := range result.Rows {
		for _, cell := range row {
			switch {
			case cell.Found:
				b.cellsFilled.Add(1)
			case cell.Unavailable:
				b.cellsUnavailable.Add(1)
			default:
				b.cellsAbsent.Add(1)
			}
		}
	}

	b.log.Debug("batch read served",
		"entities", len(entityIDs), "features", len(names), "reference_ms", refMs)

	return result, nil
}

// History returns the raw time series of one feature for one entity
// within [from, to].
func (b *BatchReader) History(ctx context.Context, featureName string, version int, entityID string, from, to time.Time) ([]types.FeatureValue, error) {
	if err := validation.ValidateEntityID(entityID); err != nil {
		return nil, err
	}
	def, err := b.reg.Get(featureName, version)
	if err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, errors.NewValidation("time range", "to precedes from")
	}
	return b.store.History(ctx, def.ID, entityID, from.UnixMilli(), to.UnixMilli())
}

// Stats returns a snapshot of the point-in-time path counters.
func (b *BatchReader) Stats() BatchStats {
	return BatchStats{
		Requests:         b.requests.Load(),
		CellsFilled:      b.cellsFilled.Load(),
		CellsAbsent:      b.cellsAbsent.Load(),
		CellsUnavailable: b.cellsUnavailable.Load(),
	}
}
