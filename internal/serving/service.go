package serving

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xtxerr/featstore/internal/cache"
	"github.com/xtxerr/featstore/internal/config"
	"github.com/xtxerr/featstore/internal/errors"
	"github.com/xtxerr/featstore/internal/export"
	"github.com/xtxerr/featstore/internal/logging"
	"github.com/xtxerr/featstore/internal/pipeline"
	"github.com/xtxerr/featstore/internal/registry"
	"github.com/xtxerr/featstore/internal/store"
	"github.com/xtxerr/featstore/internal/types"
)

// Service is the feature store facade: it owns the registry, wires the
// read paths, the invalidation controller and the pipeline over the
// store and cache tiers, and exposes the operations callers use.
type Service struct {
	cfg *config.Config

	reg   *registry.Registry
	store store.DurableStore
	cache cache.FeatureCache

	online      *OnlineReader
	batch       *BatchReader
	invalidator *cache.Invalidator
	pipeline    *pipeline.Service

	log     *slog.Logger
	running bool

	// reqID numbers read requests so their log lines can be correlated.
	reqID atomic.Uint64
}

// ServiceStats aggregates the counters of every component.
type ServiceStats struct {
	Online      OnlineStats
	Batch       BatchStats
	Invalidator cache.InvalidatorStats
	Pipeline    pipeline.Stats
	StoreRows   int64
	Features    int
}

// New creates a service over the given backends. A nil source disables
// the pipeline; reads and registration still work.
func New(cfg *config.Config, st store.DurableStore, c cache.FeatureCache, src pipeline.EventSource) *Service {
	reg := registry.New(cfg.Serving.DefaultTTL)

	s := &Service{
		cfg:         cfg,
		reg:         reg,
		store:       st,
		cache:       c,
		online:      NewOnlineReader(reg, st, c, cfg.Serving.FetchTimeout),
		batch:       NewBatchReader(reg, st, cfg.Serving.MaxBatchEntities, cfg.Serving.BatchConcurrency),
		invalidator: cache.NewInvalidator(c),
		log:         logging.Component("service"),
	}
	if src != nil {
		s.pipeline = pipeline.NewService(cfg.Pipeline, src, reg, st, c)
	}
	return s
}

// Registry exposes the feature registry.
func (s *Service) Registry() *registry.Registry { return s.reg }

// Pipeline exposes the aggregation pipeline, nil when no source is wired.
func (s *Service) Pipeline() *pipeline.Service { return s.pipeline }

// Start launches the pipeline when one is wired.
func (s *Service) Start(ctx context.Context) error {
	if s.running {
		return errors.ErrAlreadyRunning
	}
	if s.pipeline != nil {
		if err := s.pipeline.Start(ctx); err != nil {
			return err
		}
	}
	s.running = true
	s.log.Info("service started",
		"store", s.cfg.Store.Backend, "cache", s.cfg.Cache.Backend,
		"pipeline", s.pipeline != nil)
	return nil
}

// Stop halts the pipeline and closes the backends.
func (s *Service) Stop() error {
	if !s.running {
		return errors.ErrNotRunning
	}
	s.running = false

	if s.pipeline != nil {
		if err := s.pipeline.Stop(); err != nil {
			s.log.Warn("pipeline stop failed", "error", err)
		}
	}
	if err := s.cache.Close(); err != nil {
		s.log.Warn("cache close failed", "error", err)
	}
	if err := s.store.Close(); err != nil {
		return err
	}
	s.log.Info("service stopped")
	return nil
}

// RegisterFeature registers a new feature definition.
func (s *Service) RegisterFeature(def *types.FeatureDefinition) (*types.FeatureDefinition, error) {
	return s.reg.Register(def)
}

// GetFeatureMeta returns a feature definition. Version 0 means latest.
func (s *Service) GetFeatureMeta(name string, version int) (*types.FeatureDefinition, error) {
	return s.reg.Get(name, version)
}

// ListFeatures returns definitions matching the filter.
func (s *Service) ListFeatures(filter registry.Filter) []*types.FeatureDefinition {
	var out []*types.FeatureDefinition
	for def := range s.reg.List(filter) {
		out = append(out, def)
	}
	return out
}

// UpdateFeature patches the mutable fields of a definition.
func (s *Service) UpdateFeature(name string, version int, patch registry.Patch) (*types.FeatureDefinition, error) {
	return s.reg.UpdateMutableFields(name, version, patch)
}

// PutValue writes one feature value: durable store first, then a cache
// refresh. The value must match the feature's declared dtype. A failed
// cache refresh evicts the key so readers fall back to the store.
func (s *Service) PutValue(ctx context.Context, featureName string, version int, entityID string, value types.Value, ts time.Time) error {
	def, err := s.reg.Get(featureName, version)
	if err != nil {
		return err
	}
	if err := value.Validate(def.Dtype); err != nil {
		return errors.Wrapf(err, "feature %s", def.Name)
	}

	tsMs := ts.UnixMilli()
	err = s.store.Put(ctx, []types.FeatureValue{{
		FeatureID:   def.ID,
		EntityID:    entityID,
		TimestampMs: tsMs,
		Value:       value,
	}})
	if err != nil {
		return err
	}

	key := cache.Key(entityID, def.Name)
	entry := &types.CacheEntry{
		Value:       value,
		TimestampMs: tsMs,
		CachedAtMs:  time.Now().UnixMilli(),
	}
	if cerr := s.cache.Set(ctx, key, entry, def.TTL); cerr != nil {
		s.log.Warn("cache refresh failed, evicting key", "key", key, "error", cerr)
		if derr := s.cache.Delete(ctx, key); derr != nil {
			s.log.Warn("cache evict failed", "key", key, "error", derr)
		}
	}
	return nil
}

// GetOnline serves the latest values of the requested features for one
// entity, cache-aside.
func (s *Service) GetOnline(ctx context.Context, entityID string, featureNames []string) (map[string]*FeatureResult, error) {
	ctx = logging.ContextWithRequestID(ctx, s.reqID.Add(1))
	return s.online.GetOnline(ctx, entityID, featureNames)
}

// GetBatch serves a point-in-time matrix for training.
func (s *Service) GetBatch(ctx context.Context, entityIDs, featureNames []string, reference time.Time) (*BatchResult, error) {
	ctx = logging.ContextWithRequestID(ctx, s.reqID.Add(1))
	return s.batch.GetBatch(ctx, entityIDs, featureNames, reference)
}

// History returns the raw series of one feature for one entity.
func (s *Service) History(ctx context.Context, featureName string, version int, entityID string, from, to time.Time) ([]types.FeatureValue, error) {
	return s.batch.History(ctx, featureName, version, entityID, from, to)
}

// InvalidateEntity evicts every cached value of an entity.
func (s *Service) InvalidateEntity(ctx context.Context, entityID string) (int, error) {
	return s.invalidator.InvalidateEntity(ctx, entityID)
}

// ExportTrainingSet materializes a point-in-time matrix as a Parquet
// file at path and returns the number of rows written.
func (s *Service) ExportTrainingSet(ctx context.Context, path string, entityIDs, featureNames []string, reference time.Time) (int64, error) {
	ctx = logging.ContextWithRequestID(ctx, s.reqID.Add(1))
	result, err := s.batch.GetBatch(ctx, entityIDs, featureNames, reference)
	if err != nil {
		return 0, err
	}
	// An export with silently missing columns would poison training data.
	if len(result.Unavailable) > 0 {
		return 0, errors.Wrapf(errors.ErrStoreUnavailable,
			"export aborted, %d features unavailable", len(result.Unavailable))
	}

	writer, err := export.NewTrainingWriter(path, export.Options{
		Compression: export.ParseCompressionType(s.cfg.Export.Compression),
	})
	if err != nil {
		return 0, err
	}

	rows := make([]export.TrainingRow, 0, len(result.Rows)*len(result.FeatureNames))
	for entityID, row := range result.Rows {
		for _, name := range result.FeatureNames {
			cell := row[name]
			rows = append(rows, export.CellToRow(
				entityID, name, result.ReferenceMs,
				cell.Value, cell.TimestampMs, cell.Found))
		}
	}

	if err := writer.Write(rows); err != nil {
		writer.Close()
		return 0, err
	}
	if err := writer.Close(); err != nil {
		return 0, err
	}

	s.log.Info("training set exported",
		"path", path, "rows", writer.RowCount(),
		"entities", len(result.Rows), "features", len(result.FeatureNames))
	return writer.RowCount(), nil
}

// Stats aggregates counters across all components.
func (s *Service) Stats(ctx context.Context) ServiceStats {
	stats := ServiceStats{
		Online:      s.online.Stats(),
		Batch:       s.batch.Stats(),
		Invalidator: s.invalidator.Stats(),
		Features:    s.reg.Count(),
	}
	if s.pipeline != nil {
		stats.Pipeline = s.pipeline.Stats()
	}
	if rows, err := s.store.Count(ctx); err == nil {
		stats.StoreRows = rows
	}
	return stats
}
