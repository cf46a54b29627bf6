package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/featstore/internal/cache"
	"github.com/xtxerr/featstore/internal/config"
	"github.com/xtxerr/featstore/internal/errors"
	"github.com/xtxerr/featstore/internal/logging"
	"github.com/xtxerr/featstore/internal/registry"
	"github.com/xtxerr/featstore/internal/store"
	"github.com/xtxerr/featstore/internal/types"
)

// Stats are cumulative pipeline counters.
type Stats struct {
	EventsConsumed   int64
	EventsSkipped    int64
	EventsLate       int64
	WindowsEmitted   int64
	ValuesWritten    int64
	CacheWriteErrors int64
	StoreWriteErrors int64
	Restarts         int64
}

// outputSpec is the resolved emission plan for one event type.
type outputSpec struct {
	entityType string
	ttl        time.Duration

	// features maps aggregate name (avg, min, ...) to the registered
	// output feature definition.
	features map[string]*types.FeatureDefinition
}

// windowKey identifies one window of one (entity, event type) pair.
type windowKey struct {
	entityID  string
	eventType string
	startMs   int64
}

// batchMark remembers where a polled batch ended so its offset can be
// committed once every window its events joined has been emitted.
type batchMark struct {
	endOffset int64
	maxTs     int64
}

// Service consumes the event stream and materializes sliding-window
// aggregates as feature values.
//
// Each partition is consumed by one worker. The worker folds events
// into overlapping windows, tracks a watermark at max seen event time
// minus the allowed lateness, and emits a window once the watermark
// passes its end. Emitted aggregates are written to the durable store
// first and to the cache second; the consumer offset is committed only
// after the durable write, so a crash replays events instead of losing
// them, and the (feature, entity, window end) upsert key makes the
// replayed writes idempotent.
type Service struct {
	cfg    config.PipelineConfig
	source EventSource
	reg    *registry.Registry
	store  store.DurableStore
	cache  cache.FeatureCache
	dead   *DeadLetter
	log    *slog.Logger

	outputs map[string]*outputSpec

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// committed offsets and max seen event timestamps per partition,
	// persisted to the checkpoint together. The max seen timestamp is
	// the watermark driver; losing it across a restart would reopen
	// windows that were already emitted.
	offsetMu sync.Mutex
	offsets  map[int]int64
	maxSeen  map[int]int64

	eventsConsumed   atomic.Int64
	eventsSkipped    atomic.Int64
	windowsEmitted   atomic.Int64
	valuesWritten    atomic.Int64
	cacheWriteErrors atomic.Int64
	storeWriteErrors atomic.Int64
	restarts         int64
}

// NewService creates the pipeline over the given source and tiers.
func NewService(cfg config.PipelineConfig, src EventSource, reg *registry.Registry, st store.DurableStore, c cache.FeatureCache) *Service {
	return &Service{
		cfg:     cfg,
		source:  src,
		reg:     reg,
		store:   st,
		cache:   c,
		dead:    NewDeadLetter(cfg.DeadLetterRetain),
		log:     logging.Component("pipeline"),
		outputs: make(map[string]*outputSpec),
		offsets: make(map[int]int64),
		maxSeen: make(map[int]int64),
	}
}

// DeadLetter exposes the late-event collector.
func (s *Service) DeadLetter() *DeadLetter { return s.dead }

// Start registers the output features, restores the checkpoint and
// launches one consumer per partition.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.ErrAlreadyRunning
	}

	if err := s.registerOutputs(); err != nil {
		return err
	}

	if s.cfg.CheckpointPath != "" {
		offsets, maxSeen, restarts, err := LoadCheckpoint(s.cfg.CheckpointPath)
		if err != nil {
			return err
		}
		s.offsetMu.Lock()
		if offsets != nil {
			s.offsets = offsets
		}
		if maxSeen != nil {
			s.maxSeen = maxSeen
		}
		s.offsetMu.Unlock()
		s.restarts = restarts + 1
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	partitions := s.source.Partitions()
	for p := 0; p < partitions; p++ {
		s.wg.Add(1)
		go s.consumePartition(runCtx, p)
	}

	s.log.Info("pipeline started",
		"partitions", partitions,
		"window", s.cfg.Window, "slide", s.cfg.Slide, "watermark", s.cfg.Watermark)
	return nil
}

// Stop halts the consumers and persists a final checkpoint.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return errors.ErrNotRunning
	}

	s.cancel()
	s.wg.Wait()
	s.running = false

	if s.cfg.CheckpointPath != "" {
		if err := s.saveCheckpoint(); err != nil {
			return err
		}
	}

	s.log.Info("pipeline stopped")
	return nil
}

// Stats returns a snapshot of the pipeline counters.
func (s *Service) Stats() Stats {
	return Stats{
		EventsConsumed:   s.eventsConsumed.Load(),
		EventsSkipped:    s.eventsSkipped.Load(),
		EventsLate:       s.dead.Total(),
		WindowsEmitted:   s.windowsEmitted.Load(),
		ValuesWritten:    s.valuesWritten.Load(),
		CacheWriteErrors: s.cacheWriteErrors.Load(),
		StoreWriteErrors: s.storeWriteErrors.Load(),
		Restarts:         s.restarts,
	}
}

// CommittedOffset returns the committed offset of a partition.
func (s *Service) CommittedOffset(partition int) int64 {
	s.offsetMu.Lock()
	defer s.offsetMu.Unlock()
	return s.offsets[partition]
}

// registerOutputs resolves the configured outputs into registered
// feature definitions. Already-registered definitions from a previous
// run are reused as-is.
func (s *Service) registerOutputs() error {
	suffix := windowSuffix(s.cfg.Window)

	for _, out := range s.cfg.Outputs {
		spec := &outputSpec{
			entityType: out.EntityType,
			ttl:        out.TTL,
			features:   make(map[string]*types.FeatureDefinition),
		}

		aggs := out.Aggregates
		if s.cfg.Percentile.Enabled {
			aggs = append(append([]string{}, aggs...), "p50", "p95", "p99")
		}

		for _, agg := range aggs {
			name := out.EventType + "_" + agg + "_" + suffix
			def, err := s.reg.Register(&types.FeatureDefinition{
				Name:        name,
				Version:     1,
				Dtype:       types.ValueTypeFloat64,
				EntityType:  out.EntityType,
				TTL:         out.TTL,
				Description: fmt.Sprintf("%s of %s events over %s", agg, out.EventType, s.cfg.Window),
				Tags:        []string{"pipeline"},
			})
			if errors.IsConflict(err) {
				def, err = s.reg.Get(name, 1)
			}
			if err != nil {
				return errors.Wrapf(err, "register output %s", name)
			}
			spec.features[agg] = def
		}

		s.outputs[out.EventType] = spec
	}
	return nil
}

// partitionState is the in-memory consumer state of one partition.
// It is rebuilt from the source on restart.
type partitionState struct {
	partition int
	offset    int64
	maxSeenTs int64
	windows   map[windowKey]*WindowAggregate
	marks     []batchMark
}

func (s *Service) consumePartition(ctx context.Context, partition int) {
	defer s.wg.Done()

	s.offsetMu.Lock()
	p := &partitionState{
		partition: partition,
		offset:    s.offsets[partition],
		maxSeenTs: s.maxSeen[partition],
		windows:   make(map[windowKey]*WindowAggregate),
	}
	s.offsetMu.Unlock()

	log := s.log.With("partition", partition)
	log.Debug("consumer started", "offset", p.offset, "max_seen_ts", p.maxSeenTs)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, next, err := s.source.Poll(ctx, partition, p.offset, s.cfg.PollBatch)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errors.ErrSourceClosed) {
				return
			}
			log.Warn("poll failed", "offset", p.offset, "error", err)
			s.sleep(ctx)
			continue
		}

		if len(batch) == 0 {
			s.sleep(ctx)
			continue
		}

		s.foldBatch(p, batch, next)

		if err := s.emitClosed(ctx, p); err != nil {
			// The durable write failed: windows stay in memory and the
			// offset stays uncommitted, the next loop retries.
			s.storeWriteErrors.Add(1)
			log.Warn("emit failed, will retry", "error", err)
			s.sleep(ctx)
			continue
		}

		p.offset = next
		s.commitCoveredMarks(p)
	}
}

// foldBatch folds a polled batch into the partition's windows and
// records a mark at the batch boundary for later offset commit.
func (s *Service) foldBatch(p *partitionState, batch []types.Event, endOffset int64) {
	for i := range batch {
		ev := &batch[i]
		s.eventsConsumed.Add(1)

		if _, ok := s.outputs[ev.EventType]; !ok {
			s.eventsSkipped.Add(1)
			continue
		}

		if ev.TimestampMs > p.maxSeenTs {
			p.maxSeenTs = ev.TimestampMs
		}
		wm := s.watermark(p)

		folded := false
		for _, start := range WindowStarts(ev.TimestampMs, s.cfg.Window, s.cfg.Slide) {
			end := start + s.cfg.Window.Milliseconds()
			if end <= wm {
				continue // window already emitted
			}
			key := windowKey{ev.EntityID, ev.EventType, start}
			agg, ok := p.windows[key]
			if !ok {
				accuracy := 0.0
				if s.cfg.Percentile.Enabled {
					accuracy = s.cfg.Percentile.Accuracy
				}
				agg = NewWindowAggregate(ev.EntityID, ev.EventType, start, end, accuracy)
				p.windows[key] = agg
			}
			agg.Add(ev.Value)
			folded = true
		}

		if !folded {
			s.dead.Add(*ev, wm)
		}
	}

	p.marks = append(p.marks, batchMark{endOffset: endOffset, maxTs: p.maxSeenTs})

	s.offsetMu.Lock()
	if p.maxSeenTs > s.maxSeen[p.partition] {
		s.maxSeen[p.partition] = p.maxSeenTs
	}
	s.offsetMu.Unlock()
}

// emitClosed writes out every window whose end the watermark has
// passed. The durable write happens first and covers all closed windows
// in one batch; windows are dropped from memory and the cache is
// updated only after the write succeeds.
func (s *Service) emitClosed(ctx context.Context, p *partitionState) error {
	wm := s.watermark(p)

	var closed []*WindowAggregate
	for _, agg := range p.windows {
		if agg.EndMs() <= wm {
			closed = append(closed, agg)
		}
	}
	if len(closed) == 0 {
		return nil
	}

	// Ascending window end so later windows overwrite earlier ones in
	// the cache.
	sort.Slice(closed, func(i, j int) bool {
		if closed[i].EndMs() != closed[j].EndMs() {
			return closed[i].EndMs() < closed[j].EndMs()
		}
		return closed[i].entityID < closed[j].entityID
	})

	var values []types.FeatureValue
	results := make([]types.WindowResult, len(closed))
	for i, agg := range closed {
		results[i] = agg.Result()
		values = append(values, s.resultValues(&results[i])...)
	}

	if err := s.store.Put(ctx, values); err != nil {
		return errors.Wrap(err, "write closed windows")
	}
	s.valuesWritten.Add(int64(len(values)))
	s.windowsEmitted.Add(int64(len(closed)))

	for key := range p.windows {
		if p.windows[key].EndMs() <= wm {
			delete(p.windows, key)
		}
	}

	for i := range results {
		s.writeThrough(ctx, &results[i])
	}
	return nil
}

// resultValues maps one window result onto the configured output
// feature values. Every value carries the window end as its timestamp.
func (s *Service) resultValues(r *types.WindowResult) []types.FeatureValue {
	spec := s.outputs[r.EventType]
	if spec == nil {
		return nil
	}

	values := make([]types.FeatureValue, 0, len(spec.features))
	for agg, def := range spec.features {
		v, ok := aggregateValue(r, agg)
		if !ok {
			continue
		}
		values = append(values, types.FeatureValue{
			FeatureID:   def.ID,
			EntityID:    r.EntityID,
			TimestampMs: r.WindowEndMs,
			Value:       types.FloatValue(v),
			Metadata: map[string]string{
				"window_start_ms": strconv.FormatInt(r.WindowStartMs, 10),
				"count":           strconv.FormatInt(r.Count, 10),
			},
		})
	}
	return values
}

// writeThrough refreshes the cache after a durable write. A failed
// cache write is repaired by deleting the key so readers fall back to
// the store instead of serving a stale entry.
func (s *Service) writeThrough(ctx context.Context, r *types.WindowResult) {
	spec := s.outputs[r.EventType]
	if spec == nil || spec.ttl <= 0 {
		return
	}

	now := time.Now().UnixMilli()
	for agg, def := range spec.features {
		v, ok := aggregateValue(r, agg)
		if !ok {
			continue
		}
		key := cache.Key(r.EntityID, def.Name)
		entry := &types.CacheEntry{
			Value:       types.FloatValue(v),
			TimestampMs: r.WindowEndMs,
			CachedAtMs:  now,
		}
		if err := s.cache.Set(ctx, key, entry, spec.ttl); err != nil {
			s.cacheWriteErrors.Add(1)
			s.log.Warn("cache write-through failed, evicting key", "key", key, "error", err)
			if derr := s.cache.Delete(ctx, key); derr != nil {
				s.log.Warn("cache evict failed", "key", key, "error", derr)
			}
		}
	}
}

// commitCoveredMarks advances the committed offset past every batch
// whose events can no longer join an open window: once the watermark
// exceeds an event's timestamp by a full window, all its windows have
// been emitted and durably written, so re-reading it is unnecessary.
func (s *Service) commitCoveredMarks(p *partitionState) {
	wm := s.watermark(p)
	windowMs := s.cfg.Window.Milliseconds()

	committed := int64(-1)
	for len(p.marks) > 0 && p.marks[0].maxTs+windowMs <= wm {
		committed = p.marks[0].endOffset
		p.marks = p.marks[1:]
	}
	if committed < 0 {
		return
	}

	s.offsetMu.Lock()
	s.offsets[p.partition] = committed
	s.offsetMu.Unlock()

	if s.cfg.CheckpointPath != "" {
		if err := s.saveCheckpoint(); err != nil {
			s.log.Warn("checkpoint save failed", "error", err)
		}
	}
}

func (s *Service) saveCheckpoint() error {
	s.offsetMu.Lock()
	offsets := make(map[int]int64, len(s.offsets))
	for k, v := range s.offsets {
		offsets[k] = v
	}
	maxSeen := make(map[int]int64, len(s.maxSeen))
	for k, v := range s.maxSeen {
		maxSeen[k] = v
	}
	s.offsetMu.Unlock()
	return SaveCheckpoint(s.cfg.CheckpointPath, offsets, maxSeen, s.restarts)
}

func (s *Service) watermark(p *partitionState) int64 {
	if p.maxSeenTs == 0 {
		return 0
	}
	return p.maxSeenTs - s.cfg.Watermark.Milliseconds()
}

func (s *Service) sleep(ctx context.Context) {
	t := time.NewTimer(s.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// aggregateValue extracts one named aggregate from a window result.
func aggregateValue(r *types.WindowResult, agg string) (float64, bool) {
	switch agg {
	case "avg":
		return r.Avg, true
	case "min":
		return r.Min, true
	case "max":
		return r.Max, true
	case "stddev":
		return r.Stddev, true
	case "count":
		return float64(r.Count), true
	case "p50":
		if r.P50 != nil {
			return *r.P50, true
		}
	case "p95":
		if r.P95 != nil {
			return *r.P95, true
		}
	case "p99":
		if r.P99 != nil {
			return *r.P99, true
		}
	}
	return 0, false
}

// windowSuffix renders a window length as a compact feature-name
// suffix: 5m, 1h, 90s.
func windowSuffix(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return strconv.Itoa(int(d/time.Hour)) + "h"
	case d%time.Minute == 0:
		return strconv.Itoa(int(d/time.Minute)) + "m"
	default:
		return strconv.Itoa(int(d/time.Second)) + "s"
	}
}
