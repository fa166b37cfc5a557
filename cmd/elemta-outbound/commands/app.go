package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/busybox42/elemta-outbound/internal/cache"
	"github.com/busybox42/elemta-outbound/internal/config"
	"github.com/busybox42/elemta-outbound/internal/directory"
	"github.com/busybox42/elemta-outbound/internal/housekeeper"
	"github.com/busybox42/elemta-outbound/internal/queue"
)

// app holds the backends shared by every command
type app struct {
	cfg *config.Config

	store     queue.Store
	stores    map[string]queue.Store
	blobs     queue.BlobStore
	locks     cache.Cache
	lookups   *cache.Manager
	events    *queue.Events
	bridge    *queue.RedisBridge
	redis     *redis.Client
	directory directory.Directory
	queue     *queue.Queue

	closers []func() error
}

func openStore(sc config.StoreConfig) (queue.Store, error) {
	if sc.Driver == "memory" {
		return queue.NewMemoryStore(), nil
	}
	return queue.NewSQLStore(sc.Driver, sc.DSN)
}

func openBlobs(bc config.BlobConfig) (queue.BlobStore, error) {
	if bc.Type == "memory" {
		return queue.NewMemoryBlobStore(), nil
	}
	return queue.NewFileBlobStore(bc.Dir)
}

// newApp opens the queue stores, the lock and lookup stores, the refresh
// bridge and the directory described by cfg
func newApp(cfg *config.Config) (a *app, err error) {
	a = &app{cfg: cfg, stores: make(map[string]queue.Store)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.store, err = openStore(cfg.Store); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	for name, sc := range cfg.Stores {
		s, err := openStore(sc)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", name, err)
		}
		a.stores[name] = s
		a.closers = append(a.closers, s.Close)
	}

	if a.blobs, err = openBlobs(cfg.Blob); err != nil {
		return nil, err
	}

	a.lookups = cache.NewManager()
	a.closers = append(a.closers, a.lookups.CloseAll)
	if a.locks, err = cache.Factory(cfg.Cache.CacheConfig()); err != nil {
		return nil, err
	}
	if err := a.locks.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect lock store %s: %w", a.locks.Name(), err)
	}
	if err := a.lookups.Register(a.locks); err != nil {
		return nil, err
	}
	for _, lc := range cfg.Lookups {
		c, err := cache.Factory(lc.CacheConfig())
		if err != nil {
			return nil, err
		}
		if err := c.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect lookup store %s: %w", lc.Name, err)
		}
		if err := a.lookups.Register(c); err != nil {
			return nil, err
		}
	}

	a.events = queue.NewEvents()
	if cfg.Events.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
			DB:       cfg.Events.RedisDB,
		})
		a.closers = append(a.closers, a.redis.Close)
		a.bridge = queue.NewRedisBridge(a.redis, cfg.Events.Channel, a.events)
	}

	if a.directory, err = directory.New(cfg.Directory); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.directory.Close)

	a.queue = queue.New(a.store, a.blobs, a.events)
	return a, nil
}

// housekeeper builds a housekeeper over the app's stores
func (a *app) housekeeper() *housekeeper.Housekeeper {
	return housekeeper.New(a.cfg.HousekeeperConfig(), housekeeper.Dependencies{
		Data:      a.store,
		Stores:    a.stores,
		Blobs:     a.blobs,
		Lookups:   a.lookups,
		Locks:     a.locks,
		Events:    a.events,
		Directory: a.directory,
	})
}

// publish wakes workers in other processes. Without a bridge it is a no-op.
func (a *app) publish(ctx context.Context, scope queue.Scope) {
	if a.bridge == nil {
		return
	}
	if err := a.bridge.Publish(ctx, scope); err != nil {
		slog.Warn("Failed to publish refresh", "scope", scope.String(), "error", err)
	}
}

// Close releases every backend in reverse order
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
