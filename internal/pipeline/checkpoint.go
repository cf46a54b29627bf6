package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// checkpoint is the durable record of the consumer's progress: committed
// offsets and the watermark driver per partition. An offset is committed
// only after the events behind it reached the durable store, so replaying
// from a checkpoint re-reads events but never skips them. The max seen
// event timestamp must survive restarts with the offsets: it drives the
// watermark, and a watermark that reset to zero would let replayed late
// events refold into windows that were already emitted.
type checkpoint struct {
	Offsets  map[int]int64 `msgpack:"o"`
	MaxSeen  map[int]int64 `msgpack:"w"`
	SavedAt  int64         `msgpack:"ts"`
	Restarts int64         `msgpack:"r"`
}

// SaveCheckpoint atomically persists the consumer progress to path.
// The file is written next to its destination and renamed into place so
// a crash mid-write never leaves a torn checkpoint.
func SaveCheckpoint(path string, offsets, maxSeen map[int]int64, restarts int64) error {
	cp := checkpoint{
		Offsets:  offsets,
		MaxSeen:  maxSeen,
		SavedAt:  time.Now().UnixMilli(),
		Restarts: restarts,
	}

	data, err := msgpack.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads the consumer progress from path. A missing file
// is a cold start, not an error.
func LoadCheckpoint(path string) (offsets, maxSeen map[int]int64, restarts int64, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil, 0, nil
	}
	if err != nil {
		return nil, nil, 0, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp checkpoint
	if err := msgpack.Unmarshal(data, &cp); err != nil {
		return nil, nil, 0, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp.Offsets, cp.MaxSeen, cp.Restarts, nil
}
