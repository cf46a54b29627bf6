package cache

import (
	"context"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xtxerr/featstore/internal/errors"
	"github.com/xtxerr/featstore/internal/logging"
	"github.com/xtxerr/featstore/internal/types"
	"github.com/xtxerr/featstore/internal/validation"
)

// Redis is a FeatureCache backed by a Redis server. Entries are msgpack
// encoded; TTL expiry and memory-pressure eviction are delegated to
// Redis itself. Entity invalidation walks the entity's keys with SCAN.
type Redis struct {
	rdb         goredis.UniversalClient
	closeClient bool
	log         *slog.Logger
}

var _ FeatureCache = (*Redis)(nil)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	// Client is the redis client to use. Required.
	Client goredis.UniversalClient

	// CloseClient releases the client on Close. Set only when this cache
	// exclusively owns the client.
	CloseClient bool
}

// NewRedis creates a Redis-backed cache.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, errors.NewMissingField("redis client")
	}
	return &Redis{
		rdb:         cfg.Client,
		closeClient: cfg.CloseClient,
		log:         logging.Component("cache"),
	}, nil
}

// Get returns the entry for key, or ok=false on miss.
// Corrupt payloads self-heal: the key is deleted and reported as a miss.
func (r *Redis) Get(ctx context.Context, key string) (*types.CacheEntry, bool, error) {
	raw, err := r.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrCacheUnavailable, err.Error())
	}

	entry, err := decodeEntry(raw)
	if err != nil {
		r.log.Warn("corrupt cache entry, deleting", "key", key, "error", err)
		_ = r.rdb.Del(ctx, key).Err()
		return nil, false, nil
	}
	return entry, true, nil
}

// GetMany fetches keys in a single pipelined round trip.
func (r *Redis) GetMany(ctx context.Context, keys []string) ([]*types.CacheEntry, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*goredis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return nil, errors.Wrap(errors.ErrCacheUnavailable, err.Error())
	}

	out := make([]*types.CacheEntry, len(keys))
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err != nil {
			continue // miss
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			_ = r.rdb.Del(ctx, keys[i]).Err()
			continue
		}
		out[i] = entry
	}
	return out, nil
}

// Set stores an entry under key with the given TTL.
func (r *Redis) Set(ctx context.Context, key string, entry *types.CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return errors.Wrap(errors.ErrCacheUnavailable, err.Error())
	}
	return nil
}

// SetMany stores several entries in one pipelined round trip.
func (r *Redis) SetMany(ctx context.Context, entries map[string]*types.CacheEntry, ttl time.Duration) error {
	if len(entries) == 0 || ttl <= 0 {
		return nil
	}

	pipe := r.rdb.Pipeline()
	for key, entry := range entries {
		raw, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		pipe.Set(ctx, key, raw, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(errors.ErrCacheUnavailable, err.Error())
	}
	return nil
}

// Delete evicts a single key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(errors.ErrCacheUnavailable, err.Error())
	}
	return nil
}

// DeleteEntity walks the entity's keys with SCAN and deletes them.
func (r *Redis) DeleteEntity(ctx context.Context, entityID string) (int, error) {
	pattern := validation.EntityScanPattern(entityID)

	var keys []string
	iter := r.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, errors.Wrap(errors.ErrCacheUnavailable, err.Error())
	}

	if len(keys) == 0 {
		return 0, nil
	}

	deleted, err := r.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, errors.Wrap(errors.ErrCacheUnavailable, err.Error())
	}
	return int(deleted), nil
}

// Close releases the underlying client when this cache owns it.
func (r *Redis) Close() error {
	if r.closeClient {
		if err := r.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
