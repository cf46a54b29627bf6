package types

import "time"

// Event is a raw observation consumed from the event stream.
// The stream is partitioned by EntityID and delivered at-least-once.
type Event struct {
	EntityID    string            `msgpack:"e"`
	EventType   string            `msgpack:"k"`
	Value       float64           `msgpack:"v"`
	TimestampMs int64             `msgpack:"ts"`
	Metadata    map[string]string `msgpack:"m,omitempty"`
}

// TimestampTime returns the event timestamp as a time.Time.
func (e *Event) TimestampTime() time.Time {
	return time.UnixMilli(e.TimestampMs)
}

// CacheEntry is the ephemeral per-key view held by the fast cache.
// It is never authoritative and is always reconstructible from the
// durable store.
type CacheEntry struct {
	Value       Value  `msgpack:"v"`
	TimestampMs int64  `msgpack:"ts"`
	CachedAtMs  int64  `msgpack:"ca"`
}

// Freshness returns the data age of the entry relative to now.
func (e *CacheEntry) Freshness(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.TimestampMs))
}

// WindowResult is the computed aggregate for one closed window of one
// (entity, event type) pair. The result's timestamp is the window end.
type WindowResult struct {
	EntityID      string
	EventType     string
	WindowStartMs int64
	WindowEndMs   int64

	Count  int64
	Sum    float64
	Min    float64
	Max    float64
	Avg    float64
	Stddev float64

	// Percentiles, present only when sketching is enabled.
	P50 *float64
	P95 *float64
	P99 *float64
}

// HasPercentiles reports whether percentile values were computed.
func (r *WindowResult) HasPercentiles() bool {
	return r.P50 != nil
}

// SetPercentiles stores percentile values on the result.
func (r *WindowResult) SetPercentiles(p50, p95, p99 float64) {
	r.P50 = &p50
	r.P95 = &p95
	r.P99 = &p99
}
