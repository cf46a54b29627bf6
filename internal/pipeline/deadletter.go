package pipeline

import (
	"log/slog"
	"sync"

	"github.com/xtxerr/featstore/internal/logging"
	"github.com/xtxerr/featstore/internal/types"
)

// DeadLetter collects events that arrived after the watermark had
// passed their windows. Late events are never silently dropped: each is
// counted per event type, logged, and the most recent ones retained for
// inspection.
type DeadLetter struct {
	mu sync.Mutex

	counts map[string]int64
	total  int64

	recent []types.Event
	retain int

	log *slog.Logger
}

// NewDeadLetter creates a dead-letter collector retaining the last
// retain events.
func NewDeadLetter(retain int) *DeadLetter {
	return &DeadLetter{
		counts: make(map[string]int64),
		retain: retain,
		log:    logging.Component("deadletter"),
	}
}

// Add records a late event.
func (d *DeadLetter) Add(ev types.Event, watermarkMs int64) {
	d.mu.Lock()
	d.counts[ev.EventType]++
	d.total++
	if d.retain > 0 {
		if len(d.recent) >= d.retain {
			d.recent = d.recent[1:]
		}
		d.recent = append(d.recent, ev)
	}
	d.mu.Unlock()

	d.log.Warn("late event dead-lettered",
		"entity_id", ev.EntityID, "event_type", ev.EventType,
		"event_ms", ev.TimestampMs, "watermark_ms", watermarkMs)
}

// Total returns how many events were dead-lettered.
func (d *DeadLetter) Total() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// CountByType returns the dead-letter count for one event type.
func (d *DeadLetter) CountByType(eventType string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[eventType]
}

// Recent returns a copy of the retained late events, oldest first.
func (d *DeadLetter) Recent() []types.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.Event, len(d.recent))
	copy(out, d.recent)
	return out
}
