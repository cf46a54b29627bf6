// featstored is the feature store daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xtxerr/featstore/internal/cache"
	"github.com/xtxerr/featstore/internal/config"
	"github.com/xtxerr/featstore/internal/logging"
	"github.com/xtxerr/featstore/internal/pipeline"
	"github.com/xtxerr/featstore/internal/serving"
	"github.com/xtxerr/featstore/internal/store"
)

// Version is set at build time via ldflags
var Version = "dev"

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	storeBackend := flag.String("store", "", "store backend (overrides config)")
	storePath := flag.String("store-path", "", "duckdb database path (overrides config)")
	cacheBackend := flag.String("cache", "", "cache backend (overrides config)")
	redisAddr := flag.String("redis", "", "redis address (overrides config)")
	checkpoint := flag.String("checkpoint", "", "pipeline checkpoint path (overrides config)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	log.Printf("featstored %s starting...", Version)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		// Load wraps the read error, so unwrap-aware matching is required.
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("No config file found, using defaults")
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *storeBackend != "" {
		cfg.Store.Backend = *storeBackend
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if *cacheBackend != "" {
		cfg.Cache.Backend = *cacheBackend
	}
	if *redisAddr != "" {
		cfg.Cache.Addr = *redisAddr
	}
	if *checkpoint != "" {
		cfg.Pipeline.CheckpointPath = *checkpoint
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Validate config: %v", err)
	}

	logging.Init(parseLevel(cfg.Logging.Level), cfg.Logging.JSON)

	// Durable store
	var durable store.DurableStore
	switch cfg.Store.Backend {
	case "duckdb":
		log.Printf("Initializing duckdb store: %s", cfg.Store.Path)
		durable, err = store.NewDuckDB(cfg.Store.Path)
		if err != nil {
			log.Fatalf("Create duckdb store: %v", err)
		}
	default:
		log.Printf("Initializing memory store")
		durable = store.NewMemory()
	}

	// Cache
	var featureCache cache.FeatureCache
	switch cfg.Cache.Backend {
	case "redis":
		log.Printf("Initializing redis cache: %s", cfg.Cache.Addr)
		client := goredis.NewClient(&goredis.Options{
			Addr: cfg.Cache.Addr,
			DB:   cfg.Cache.DB,
		})
		featureCache, err = cache.NewRedis(cache.RedisConfig{
			Client:      client,
			CloseClient: true,
		})
		if err != nil {
			log.Fatalf("Create redis cache: %v", err)
		}
	default:
		log.Printf("Initializing memory cache (max_entries=%d)", cfg.Cache.MaxEntries)
		featureCache = cache.NewMemory(cfg.Cache.MaxEntries)
	}

	// Event source. The embedded memory source is fed by whatever
	// produces events in this process; external brokers plug in behind
	// the same interface.
	source := pipeline.NewMemorySource(cfg.Pipeline.Partitions)

	svc := serving.New(cfg, durable, featureCache, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Start service: %v", err)
	}

	log.Printf("featstored running (store=%s, cache=%s, partitions=%d, window=%s, slide=%s, watermark=%s)",
		cfg.Store.Backend, cfg.Cache.Backend,
		cfg.Pipeline.Partitions, cfg.Pipeline.Window, cfg.Pipeline.Slide, cfg.Pipeline.Watermark)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	cancel()
	if err := svc.Stop(); err != nil {
		log.Fatalf("Stop service: %v", err)
	}
}
