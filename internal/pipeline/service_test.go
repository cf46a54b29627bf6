package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/featstore/internal/cache"
	"github.com/xtxerr/featstore/internal/config"
	"github.com/xtxerr/featstore/internal/registry"
	"github.com/xtxerr/featstore/internal/store"
	"github.com/xtxerr/featstore/internal/types"
)

const minMs = int64(60_000)

// t0 is an arbitrary minute-aligned base timestamp.
const t0 = int64(600_000_000)

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		Window:       5 * time.Minute,
		Slide:        time.Minute,
		Watermark:    10 * time.Minute,
		Partitions:   1,
		PollBatch:    100,
		PollInterval: 2 * time.Millisecond,
		Outputs: []config.OutputConfig{{
			EventType:  "clicks",
			EntityType: "user",
			Aggregates: []string{"avg", "min", "max", "count"},
			TTL:        time.Hour,
		}},
		DeadLetterRetain: 10,
	}
}

func clickEvent(entityID string, offsetMs int64, value float64) types.Event {
	return types.Event{
		EntityID:    entityID,
		EventType:   "clicks",
		Value:       value,
		TimestampMs: t0 + offsetMs,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startPipeline(t *testing.T, cfg config.PipelineConfig, src EventSource, st store.DurableStore, c cache.FeatureCache) (*Service, *registry.Registry) {
	t.Helper()
	reg := registry.New(24 * time.Hour)
	svc := NewService(cfg, src, reg, st, c)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })
	return svc, reg
}

func latestFloat(t *testing.T, st store.DurableStore, reg *registry.Registry, feature, entityID string) (float64, int64) {
	t.Helper()
	def, err := reg.Get(feature, 1)
	if err != nil {
		t.Fatalf("Get %s: %v", feature, err)
	}
	fv, err := st.GetLatestAsOf(context.Background(), def.ID, entityID, t0+1000*minMs)
	if err != nil {
		t.Fatalf("GetLatestAsOf %s: %v", feature, err)
	}
	return fv.Value.Float, fv.TimestampMs
}

func TestService_WindowEmission(t *testing.T) {
	src := NewMemorySource(1)
	st := store.NewMemory()
	c := cache.NewMemory(1024)

	svc, reg := startPipeline(t, testPipelineConfig(), src, st, c)

	// Three events inside the first minute.
	src.Append(
		clickEvent("user_1", 10_000, 10),
		clickEvent("user_1", 20_000, 20),
		clickEvent("user_1", 30_000, 30),
	)
	waitFor(t, "events consumed", func() bool {
		return svc.Stats().EventsConsumed >= 3
	})

	// Push the watermark past every window containing them.
	src.Append(clickEvent("user_2", 20*minMs, 1))
	waitFor(t, "windows emitted", func() bool {
		return svc.Stats().WindowsEmitted >= 5
	})

	avg, avgTs := latestFloat(t, st, reg, "clicks_avg_5m", "user_1")
	if avg != 20 {
		t.Errorf("avg = %v, want 20", avg)
	}
	// The latest value comes from the last window containing the events.
	if avgTs != t0+5*minMs {
		t.Errorf("avg timestamp = %d, want window end %d", avgTs, t0+5*minMs)
	}

	if min, _ := latestFloat(t, st, reg, "clicks_min_5m", "user_1"); min != 10 {
		t.Errorf("min = %v, want 10", min)
	}
	if max, _ := latestFloat(t, st, reg, "clicks_max_5m", "user_1"); max != 30 {
		t.Errorf("max = %v, want 30", max)
	}
	if count, _ := latestFloat(t, st, reg, "clicks_count_5m", "user_1"); count != 3 {
		t.Errorf("count = %v, want 3", count)
	}

	// The cache was written through with the window end as the value
	// timestamp.
	entry, ok, err := c.Get(context.Background(), cache.Key("user_1", "clicks_avg_5m"))
	if err != nil || !ok {
		t.Fatalf("cache entry missing: ok=%v err=%v", ok, err)
	}
	if entry.TimestampMs != t0+5*minMs {
		t.Errorf("cache timestamp = %d, want %d", entry.TimestampMs, t0+5*minMs)
	}
	if entry.Value.Float != 20 {
		t.Errorf("cache value = %v, want 20", entry.Value.Float)
	}
}

func TestService_RedeliveryIsIdempotent(t *testing.T) {
	src := NewMemorySource(1)
	st := store.NewMemory()
	c := cache.NewMemory(1024)

	run := func() {
		svc, _ := startPipeline(t, testPipelineConfig(), src, st, c)
		waitFor(t, "windows emitted", func() bool {
			return svc.Stats().WindowsEmitted >= 5
		})
		if err := svc.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}

	src.Append(
		clickEvent("user_1", 10_000, 10),
		clickEvent("user_1", 20_000, 20),
		clickEvent("user_1", 30_000, 30),
		clickEvent("user_2", 20*minMs, 1),
	)

	run()
	before, err := st.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}

	// A second consumer run replays the stream from offset zero. Every
	// write lands on the same (feature, entity, window end) keys, so the
	// store ends up byte-for-byte where it was.
	run()
	after, err := st.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if before != after {
		t.Errorf("row count changed on redelivery: %d -> %d", before, after)
	}
}

func TestService_LateEventDeadLettered(t *testing.T) {
	src := NewMemorySource(1)
	st := store.NewMemory()
	c := cache.NewMemory(1024)

	svc, reg := startPipeline(t, testPipelineConfig(), src, st, c)

	src.Append(
		clickEvent("user_1", 10_000, 10),
		clickEvent("user_1", 20_000, 20),
		clickEvent("user_1", 30_000, 30),
	)
	waitFor(t, "events consumed", func() bool {
		return svc.Stats().EventsConsumed >= 3
	})
	src.Append(clickEvent("user_2", 20*minMs, 1))
	waitFor(t, "windows emitted", func() bool {
		return svc.Stats().WindowsEmitted >= 5
	})

	// An event two minutes into the stream arrives after the watermark
	// passed all its windows: dead-lettered, aggregates untouched.
	src.Append(clickEvent("user_1", 2*minMs, 999))
	waitFor(t, "dead letter", func() bool {
		return svc.DeadLetter().CountByType("clicks") >= 1
	})

	if avg, _ := latestFloat(t, st, reg, "clicks_avg_5m", "user_1"); avg != 20 {
		t.Errorf("avg = %v after late event, want 20 unchanged", avg)
	}

	recent := svc.DeadLetter().Recent()
	if len(recent) != 1 || recent[0].Value != 999 {
		t.Errorf("dead letter retained = %+v", recent)
	}
}

func TestService_CheckpointCommitsAfterDurability(t *testing.T) {
	src := NewMemorySource(1)
	st := store.NewMemory()
	c := cache.NewMemory(1024)

	cfg := testPipelineConfig()
	cfg.CheckpointPath = filepath.Join(t.TempDir(), "checkpoint")

	svc2 := NewService(cfg, src, registry.New(24*time.Hour), st, c)
	if err := svc2.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.Append(
		clickEvent("user_1", 10_000, 10),
		clickEvent("user_1", 20_000, 20),
		clickEvent("user_1", 30_000, 30),
	)
	waitFor(t, "events consumed", func() bool {
		return svc2.Stats().EventsConsumed >= 3
	})
	src.Append(clickEvent("user_2", 20*minMs, 1))

	// The first batch commits once the watermark clears its events by a
	// full window; the advancing event itself stays uncommitted.
	waitFor(t, "offset commit", func() bool {
		return svc2.CommittedOffset(0) == 3
	})

	if err := svc2.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	offsets, maxSeen, restarts, err := LoadCheckpoint(cfg.CheckpointPath)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if offsets[0] != 3 {
		t.Errorf("checkpointed offset = %d, want 3", offsets[0])
	}
	if maxSeen[0] != t0+20*minMs {
		t.Errorf("checkpointed max seen ts = %d, want %d", maxSeen[0], t0+20*minMs)
	}
	if restarts != 1 {
		t.Errorf("restarts = %d, want 1", restarts)
	}

	// A restarted pipeline resumes from the committed offset.
	svc3 := NewService(cfg, src, registry.New(24*time.Hour), st, c)
	if err := svc3.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "resume consumption", func() bool {
		return svc3.Stats().EventsConsumed >= 1
	})
	stats := svc3.Stats()
	if stats.Restarts != 2 {
		t.Errorf("restarts = %d, want 2", stats.Restarts)
	}
	if err := svc3.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestService_RestartPreservesWatermark(t *testing.T) {
	src := NewMemorySource(1)
	st := store.NewMemory()
	c := cache.NewMemory(1024)

	cfg := testPipelineConfig()
	cfg.CheckpointPath = filepath.Join(t.TempDir(), "checkpoint")

	avgAt := func(reg *registry.Registry, refMs int64) float64 {
		t.Helper()
		def, err := reg.Get("clicks_avg_5m", 1)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		fv, err := st.GetLatestAsOf(context.Background(), def.ID, "user_1", refMs)
		if err != nil {
			t.Fatalf("GetLatestAsOf: %v", err)
		}
		return fv.Value.Float
	}

	reg := registry.New(24 * time.Hour)
	svc := NewService(cfg, src, reg, st, c)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.Append(clickEvent("user_1", 4*minMs, 10))
	waitFor(t, "event consumed", func() bool {
		return svc.Stats().EventsConsumed >= 1
	})
	src.Append(clickEvent("user_2", 20*minMs, 1))
	waitFor(t, "first commit", func() bool {
		return svc.CommittedOffset(0) >= 1
	})

	// One atomic append so both land in one polled batch: the late event
	// is dead-lettered, the advancing event pushes the watermark far
	// enough to commit the offset past everything already emitted, and
	// the batch itself stays uncommitted.
	src.Append(
		clickEvent("user_1", 2*minMs+30_000, 100),
		clickEvent("user_2", 40*minMs, 1),
	)
	waitFor(t, "commit past emitted windows", func() bool {
		return svc.CommittedOffset(0) == 2
	})
	waitFor(t, "dead letter", func() bool {
		return svc.DeadLetter().CountByType("clicks") >= 1
	})
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := avgAt(reg, t0+5*minMs); got != 10 {
		t.Fatalf("avg before restart = %v, want 10", got)
	}

	// The restarted consumer replays the uncommitted tail. Its restored
	// watermark must dead-letter the late event again instead of folding
	// it into windows that were already emitted and re-emitting them with
	// only the late value inside.
	reg2 := registry.New(24 * time.Hour)
	svc2 := NewService(cfg, src, reg2, st, c)
	if err := svc2.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "replayed tail", func() bool {
		return svc2.Stats().EventsConsumed >= 2
	})
	waitFor(t, "late event dead-lettered on replay", func() bool {
		return svc2.DeadLetter().CountByType("clicks") >= 1
	})

	if got := avgAt(reg2, t0+5*minMs); got != 10 {
		t.Errorf("avg after restart = %v, want 10 unchanged", got)
	}
	if err := svc2.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestService_SkipsUnconfiguredEventTypes(t *testing.T) {
	src := NewMemorySource(1)
	st := store.NewMemory()
	c := cache.NewMemory(1024)

	svc, _ := startPipeline(t, testPipelineConfig(), src, st, c)

	src.Append(types.Event{
		EntityID: "user_1", EventType: "scrolls", Value: 1, TimestampMs: t0,
	})
	waitFor(t, "event consumed", func() bool {
		return svc.Stats().EventsConsumed >= 1
	})
	if svc.Stats().EventsSkipped != 1 {
		t.Errorf("EventsSkipped = %d, want 1", svc.Stats().EventsSkipped)
	}
}

func TestMemorySource_Poll(t *testing.T) {
	src := NewMemorySource(2)
	ctx := context.Background()

	src.Append(
		types.Event{EntityID: "a", EventType: "e", TimestampMs: 1},
		types.Event{EntityID: "a", EventType: "e", TimestampMs: 2},
		types.Event{EntityID: "a", EventType: "e", TimestampMs: 3},
	)

	// All events of one entity land on one partition.
	p := -1
	for i := 0; i < 2; i++ {
		if src.Len(i) > 0 {
			p = i
		}
	}
	if p < 0 || src.Len(p) != 3 {
		t.Fatalf("events not co-partitioned: %d/%d", src.Len(0), src.Len(1))
	}

	batch, next, err := src.Poll(ctx, p, 0, 2)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(batch) != 2 || next != 2 {
		t.Errorf("batch=%d next=%d, want 2/2", len(batch), next)
	}

	// Replay from any offset.
	batch, next, err = src.Poll(ctx, p, 0, 10)
	if err != nil || len(batch) != 3 || next != 3 {
		t.Errorf("replay: batch=%d next=%d err=%v", len(batch), next, err)
	}

	// Drained partition.
	batch, next, err = src.Poll(ctx, p, 3, 10)
	if err != nil || len(batch) != 0 || next != 3 {
		t.Errorf("drained: batch=%d next=%d err=%v", len(batch), next, err)
	}

	src.Close()
	if _, _, err := src.Poll(ctx, p, 0, 1); err == nil {
		t.Error("expected error after Close")
	}
}
