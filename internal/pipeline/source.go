package pipeline

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/xtxerr/featstore/internal/errors"
	"github.com/xtxerr/featstore/internal/types"
)

// EventSource is a partitioned, replayable event stream. Events for one
// entity always land on the same partition, so per-entity ordering holds
// within a partition. Delivery is at-least-once: consumers track offsets
// themselves and may re-read any offset after a restart.
type EventSource interface {
	// Partitions returns the number of partitions in the stream.
	Partitions() int

	// Poll reads up to max events from one partition starting at offset,
	// returning the events and the offset to resume from. An empty batch
	// with an unchanged offset means the partition is currently drained.
	// A closed source fails with ErrSourceClosed.
	Poll(ctx context.Context, partition int, offset int64, max int) ([]types.Event, int64, error)
}

// MemorySource is an in-process EventSource backed by per-partition
// slices. It backs tests and the embedded deployment mode; events are
// retained indefinitely so any offset can be replayed.
type MemorySource struct {
	mu sync.Mutex

	partitions [][]types.Event
	closed     bool
}

var _ EventSource = (*MemorySource)(nil)

// NewMemorySource creates a memory source with the given partition count.
func NewMemorySource(partitions int) *MemorySource {
	return &MemorySource{
		partitions: make([][]types.Event, partitions),
	}
}

// Partitions returns the partition count.
func (s *MemorySource) Partitions() int {
	return len(s.partitions)
}

// Append publishes events, routing each to its entity's partition.
func (s *MemorySource) Append(events ...types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		p := s.partitionFor(ev.EntityID)
		s.partitions[p] = append(s.partitions[p], ev)
	}
}

// Poll reads up to max events from a partition starting at offset.
func (s *MemorySource) Poll(ctx context.Context, partition int, offset int64, max int) ([]types.Event, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, offset, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, offset, errors.ErrSourceClosed
	}
	if partition < 0 || partition >= len(s.partitions) {
		return nil, offset, errors.NewValidation("partition", "out of range")
	}

	log := s.partitions[partition]
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(log)) {
		return nil, offset, nil
	}

	end := offset + int64(max)
	if end > int64(len(log)) {
		end = int64(len(log))
	}

	batch := make([]types.Event, end-offset)
	copy(batch, log[offset:end])
	return batch, end, nil
}

// Len returns the number of events published to a partition.
func (s *MemorySource) Len(partition int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if partition < 0 || partition >= len(s.partitions) {
		return 0
	}
	return len(s.partitions[partition])
}

// Close marks the source closed. Subsequent polls fail.
func (s *MemorySource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *MemorySource) partitionFor(entityID string) int {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return int(h.Sum32() % uint32(len(s.partitions)))
}
