package cache

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xtxerr/featstore/internal/types"
)

// Cache entries cross a process boundary on the Redis backend, so they
// are encoded with msgpack: compact, schema-free and cheap to decode.

// encodeEntry serializes a cache entry for storage.
func encodeEntry(entry *types.CacheEntry) ([]byte, error) {
	b, err := msgpack.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return b, nil
}

// decodeEntry deserializes a stored cache entry. Corrupt payloads return
// an error; callers treat them as misses and self-heal by deleting.
func decodeEntry(raw []byte) (*types.CacheEntry, error) {
	var entry types.CacheEntry
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}
