package store

import (
	"context"
	"testing"

	"github.com/xtxerr/featstore/internal/errors"
	"github.com/xtxerr/featstore/internal/types"
)

func fv(featureID int64, entityID string, tsMs int64, val float64) types.FeatureValue {
	return types.FeatureValue{
		FeatureID:   featureID,
		EntityID:    entityID,
		TimestampMs: tsMs,
		Value:       types.FloatValue(val),
	}
}

func TestMemory_PointInTime(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// Insert out of order; the store keeps timestamp order per series.
	if err := m.Put(ctx, []types.FeatureValue{
		fv(1, "user_123", 3000, 37),
		fv(1, "user_123", 1000, 35),
		fv(1, "user_123", 2000, 36),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	tests := []struct {
		ref     int64
		want    float64
		wantErr bool
	}{
		{999, 0, true},   // before first value
		{1000, 35, false}, // inclusive reference
		{1500, 35, false},
		{2000, 36, false},
		{9999, 37, false},
	}

	for _, tt := range tests {
		got, err := m.GetLatestAsOf(ctx, 1, "user_123", tt.ref)
		if tt.wantErr {
			if !errors.IsNotFound(err) {
				t.Errorf("ref=%d: expected not found, got %v", tt.ref, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ref=%d: %v", tt.ref, err)
		}
		if got.Value.Float != tt.want {
			t.Errorf("ref=%d: got %v, want %v", tt.ref, got.Value.Float, tt.want)
		}
	}
}

func TestMemory_UpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	row := fv(1, "user_42", 1000, 20)
	for i := 0; i < 3; i++ {
		if err := m.Put(ctx, []types.FeatureValue{row}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	n, _ := m.Count(ctx)
	if n != 1 {
		t.Errorf("expected 1 row after redelivery, got %d", n)
	}

	got, err := m.GetLatestAsOf(ctx, 1, "user_42", 1000)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value.Float != 20 {
		t.Errorf("expected 20, got %v", got.Value.Float)
	}
}

func TestMemory_UpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.Put(ctx, []types.FeatureValue{fv(1, "e", 1000, 1)})
	m.Put(ctx, []types.FeatureValue{fv(1, "e", 1000, 2)})

	got, err := m.GetLatestAsOf(ctx, 1, "e", 1000)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value.Float != 2 {
		t.Errorf("expected overwrite to 2, got %v", got.Value.Float)
	}
}

func TestMemory_RangeAsOf(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.Put(ctx, []types.FeatureValue{
		fv(1, "a", 1000, 10),
		fv(1, "a", 2000, 11),
		fv(1, "b", 1500, 20),
		fv(2, "a", 1000, 99), // different feature, must not leak
	})

	got, err := m.RangeAsOf(ctx, 1, []string{"a", "b", "c"}, 1800)
	if err != nil {
		t.Fatalf("range: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got["a"].Value.Float != 10 {
		t.Errorf("a: got %v, want 10", got["a"].Value.Float)
	}
	if got["b"].Value.Float != 20 {
		t.Errorf("b: got %v, want 20", got["b"].Value.Float)
	}
	if _, ok := got["c"]; ok {
		t.Error("c has no values and must be absent")
	}
}

func TestMemory_History(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.Put(ctx, []types.FeatureValue{
		fv(1, "e", 1000, 1),
		fv(1, "e", 2000, 2),
		fv(1, "e", 3000, 3),
	})

	hist, err := m.History(ctx, 1, "e", 1500, 3000)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 values, got %d", len(hist))
	}
	if hist[0].TimestampMs != 2000 || hist[1].TimestampMs != 3000 {
		t.Errorf("wrong order or range: %v", hist)
	}
}

func BenchmarkMemory_GetLatestAsOf(b *testing.B) {
	ctx := context.Background()
	m := NewMemory()

	values := make([]types.FeatureValue, 10_000)
	for i := range values {
		values[i] = fv(1, "user_1", int64(i)*1000, float64(i))
	}
	if err := m.Put(ctx, values); err != nil {
		b.Fatalf("put: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.GetLatestAsOf(ctx, 1, "user_1", 5_000_500); err != nil {
			b.Fatal(err)
		}
	}
}

func TestMemory_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMemory()
	if err := m.Put(ctx, []types.FeatureValue{fv(1, "e", 1, 1)}); err == nil {
		t.Error("expected error from cancelled context")
	}
	if _, err := m.GetLatestAsOf(ctx, 1, "e", 1); err == nil {
		t.Error("expected error from cancelled context")
	}
}
