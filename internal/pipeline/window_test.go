package pipeline

import (
	"math"
	"testing"
	"time"
)

func TestWindowStarts(t *testing.T) {
	window := 5 * time.Minute
	slide := time.Minute
	minMs := time.Minute.Milliseconds()

	// An event belongs to window/slide overlapping windows.
	starts := WindowStarts(10*minMs+30_000, window, slide)
	if len(starts) != 5 {
		t.Fatalf("got %d windows, want 5: %v", len(starts), starts)
	}
	for i, start := range starts {
		want := (6 + int64(i)) * minMs
		if start != want {
			t.Errorf("starts[%d] = %d, want %d", i, start, want)
		}
	}

	// Exactly on a slide boundary: the window starting there contains it,
	// the one ending there does not.
	starts = WindowStarts(10*minMs, window, slide)
	if starts[len(starts)-1] != 10*minMs {
		t.Errorf("boundary event missing its opening window: %v", starts)
	}
	if starts[0] != 6*minMs {
		t.Errorf("boundary event in closed window: %v", starts)
	}
}

func TestWindowAggregate_Stats(t *testing.T) {
	agg := NewWindowAggregate("user_1", "clicks", 0, 300_000, 0)
	for _, v := range []float64{10, 20, 30} {
		agg.Add(v)
	}

	r := agg.Result()
	if r.Count != 3 {
		t.Errorf("Count = %d, want 3", r.Count)
	}
	if r.Avg != 20 {
		t.Errorf("Avg = %v, want 20", r.Avg)
	}
	if r.Min != 10 || r.Max != 30 {
		t.Errorf("Min/Max = %v/%v, want 10/30", r.Min, r.Max)
	}
	if r.Sum != 60 {
		t.Errorf("Sum = %v, want 60", r.Sum)
	}
	if math.Abs(r.Stddev-10) > 1e-9 {
		t.Errorf("Stddev = %v, want 10", r.Stddev)
	}
	if r.WindowEndMs != 300_000 {
		t.Errorf("WindowEndMs = %d", r.WindowEndMs)
	}
	if r.HasPercentiles() {
		t.Error("percentiles should be disabled")
	}
}

func TestWindowAggregate_SingleValueStddev(t *testing.T) {
	agg := NewWindowAggregate("user_1", "clicks", 0, 300_000, 0)
	agg.Add(42)

	r := agg.Result()
	if r.Stddev != 0 {
		t.Errorf("Stddev = %v, want 0 for a single sample", r.Stddev)
	}
}

func TestWindowAggregate_Percentiles(t *testing.T) {
	agg := NewWindowAggregate("user_1", "latency", 0, 300_000, 0.01)
	for i := 1; i <= 100; i++ {
		agg.Add(float64(i))
	}

	r := agg.Result()
	if !r.HasPercentiles() {
		t.Fatal("expected percentiles")
	}
	// 1% relative accuracy.
	if math.Abs(*r.P50-50) > 2 {
		t.Errorf("P50 = %v, want ~50", *r.P50)
	}
	if math.Abs(*r.P99-99) > 3 {
		t.Errorf("P99 = %v, want ~99", *r.P99)
	}
}

func TestWindowAggregate_Merge(t *testing.T) {
	a := NewWindowAggregate("u", "e", 0, 300_000, 0)
	b := NewWindowAggregate("u", "e", 0, 300_000, 0)
	a.Add(10)
	a.Add(20)
	b.Add(30)

	a.Merge(b)
	r := a.Result()
	if r.Count != 3 || r.Avg != 20 || r.Max != 30 {
		t.Errorf("merged result = %+v", r)
	}
}
