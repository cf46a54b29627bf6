// Package pipeline implements the streaming aggregation pipeline: it
// consumes partitioned events at-least-once, folds them into sliding
// windows per (entity, event type), and on watermark passage writes the
// closed windows' aggregates through to the store and cache.
package pipeline

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/featstore/internal/types"
)

// WindowAggregate maintains running statistics for a single window of a
// single (entity, event type) pair. It supports optional percentile
// calculation using DDSketch.
type WindowAggregate struct {
	mu sync.Mutex

	// Identity
	entityID  string
	eventType string

	// Window bounds, Unix milliseconds. Events with timestamp in
	// [startMs, endMs) belong to this window.
	startMs int64
	endMs   int64

	// Running statistics
	count int64
	sum   float64
	sumSq float64
	min   float64
	max   float64

	// DDSketch for percentiles (nil if disabled)
	sketch *ddsketch.DDSketch
}

// NewWindowAggregate creates an aggregate for the given window. A
// non-zero accuracy enables percentile sketching.
func NewWindowAggregate(entityID, eventType string, startMs, endMs int64, accuracy float64) *WindowAggregate {
	agg := &WindowAggregate{
		entityID:  entityID,
		eventType: eventType,
		startMs:   startMs,
		endMs:     endMs,
		min:       math.MaxFloat64,
		max:       -math.MaxFloat64,
	}

	if accuracy > 0 {
		sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
		if err == nil {
			agg.sketch = sketch
		}
	}

	return agg
}

// Add folds a value into the aggregate. Adding the same observation
// twice skews the running statistics, so callers must deduplicate
// redeliveries before the fold.
func (a *WindowAggregate) Add(value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.count++
	a.sum += value
	a.sumSq += value * value

	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}

	if a.sketch != nil {
		a.sketch.Add(value)
	}
}

// Count returns the number of events folded in.
func (a *WindowAggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// IsEmpty returns true if no events have been folded in.
func (a *WindowAggregate) IsEmpty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count == 0
}

// Contains reports whether an event timestamp falls inside the window.
func (a *WindowAggregate) Contains(tsMs int64) bool {
	return tsMs >= a.startMs && tsMs < a.endMs
}

// Result returns the window's aggregates. The result timestamp is the
// window end.
func (a *WindowAggregate) Result() types.WindowResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := types.WindowResult{
		EntityID:      a.entityID,
		EventType:     a.eventType,
		WindowStartMs: a.startMs,
		WindowEndMs:   a.endMs,
		Count:         a.count,
		Sum:           a.sum,
	}

	if a.count > 0 {
		result.Avg = a.sum / float64(a.count)
		result.Min = a.min
		result.Max = a.max
	}
	if a.count > 1 {
		n := float64(a.count)
		// Sample standard deviation from the running sums.
		variance := (a.sumSq - a.sum*a.sum/n) / (n - 1)
		if variance > 0 {
			result.Stddev = math.Sqrt(variance)
		}
	}

	if a.sketch != nil && a.count > 0 {
		p50, _ := a.sketch.GetValueAtQuantile(0.50)
		p95, _ := a.sketch.GetValueAtQuantile(0.95)
		p99, _ := a.sketch.GetValueAtQuantile(0.99)
		result.SetPercentiles(p50, p95, p99)
	}

	return result
}

// Merge combines another aggregate into this one. Both aggregates must
// cover the same window of the same pair.
func (a *WindowAggregate) Merge(other *WindowAggregate) {
	if other == nil || other.count == 0 {
		return
	}

	a.mu.Lock()
	other.mu.Lock()
	defer a.mu.Unlock()
	defer other.mu.Unlock()

	a.count += other.count
	a.sum += other.sum
	a.sumSq += other.sumSq

	if other.min < a.min {
		a.min = other.min
	}
	if other.max > a.max {
		a.max = other.max
	}

	if a.sketch != nil && other.sketch != nil {
		a.sketch.MergeWith(other.sketch)
	}
}

// StartMs returns the window start timestamp.
func (a *WindowAggregate) StartMs() int64 { return a.startMs }

// EndMs returns the window end timestamp.
func (a *WindowAggregate) EndMs() int64 { return a.endMs }

// Duration returns the window length.
func (a *WindowAggregate) Duration() time.Duration {
	return time.Duration(a.endMs-a.startMs) * time.Millisecond
}

// WindowStarts returns the start timestamps of every sliding window an
// event at tsMs belongs to, ascending. Window starts are aligned to the
// slide interval; a window covers [start, start+window).
func WindowStarts(tsMs int64, window, slide time.Duration) []int64 {
	windowMs := window.Milliseconds()
	slideMs := slide.Milliseconds()

	// Latest window containing the event starts at the slide boundary at
	// or before tsMs; earlier ones step back by the slide until the event
	// falls off the window's right edge.
	latest := (tsMs / slideMs) * slideMs
	if tsMs < 0 && tsMs%slideMs != 0 {
		latest -= slideMs
	}

	n := int(windowMs / slideMs)
	starts := make([]int64, 0, n)
	for start := latest - int64(n-1)*slideMs; start <= latest; start += slideMs {
		if tsMs >= start && tsMs < start+windowMs {
			starts = append(starts, start)
		}
	}
	return starts
}
