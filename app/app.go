// Package app assembles the runtime from configuration. The API server and
// the standalone tools share it so every process wires the same stack.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/padraicbc/racesync/cache"
	"github.com/padraicbc/racesync/config"
	"github.com/padraicbc/racesync/db"
	"github.com/padraicbc/racesync/feed"
	"github.com/padraicbc/racesync/feed/mirror"
	"github.com/padraicbc/racesync/feed/native"
	"github.com/padraicbc/racesync/metrics"
	"github.com/padraicbc/racesync/notify"
	"github.com/padraicbc/racesync/query"
	"github.com/padraicbc/racesync/store"
	"github.com/padraicbc/racesync/store/memstore"
	"github.com/padraicbc/racesync/store/pgstore"
	"github.com/padraicbc/racesync/syncer"
)

// ErrWriterElsewhere means another process holds the writer lock.
var ErrWriterElsewhere = errors.New("another process is the sync writer")

// Runtime holds the long-lived shared components.
type Runtime struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Collector
	DB        *bun.DB // nil with the memory store
	Store     store.Store
	Operators store.Operators
	Redis     *cache.Client     // nil without REDIS_ADDR
	Cache     *cache.QueryCache // nil without REDIS_ADDR
}

// Open connects the store and, when configured, Redis. With the postgres
// store the schema is created if needed and then verified.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger, Metrics: metrics.New()}

	switch cfg.StoreDriver {
	case config.StoreMemory:
		ms := memstore.New()
		rt.Store, rt.Operators = ms, ms
		logger.Warn("using in-memory store, data is lost on exit")
	default:
		bdb, err := db.Open(ctx, cfg.PostgresDSN(), cfg.Debug)
		if err != nil {
			return nil, err
		}
		if err := db.CreateTables(ctx, bdb); err != nil {
			bdb.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
		if err := db.CheckSchema(ctx, bdb); err != nil {
			bdb.Close()
			return nil, err
		}
		ps := pgstore.New(bdb)
		rt.DB, rt.Store, rt.Operators = bdb, ps, ps
	}

	if cfg.Redis.Addr != "" {
		rc, err := cache.New(ctx, cache.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Redis = rc
		rt.Cache = cache.NewQueryCache(rc, cfg.Redis.CacheTTL, rt.Metrics, logger.Named("cache"))
	}
	return rt, nil
}

// Query returns the read service, cached when Redis is configured.
func (rt *Runtime) Query() *query.Service {
	var c query.Cache
	if rt.Cache != nil {
		c = rt.Cache
	}
	return query.New(rt.Store, c, rt.Logger.Named("query"))
}

// Feed builds the configured vendor client, nil for FEED_DRIVER=none.
func (rt *Runtime) Feed() feed.Client {
	fc := rt.Config.Feed
	switch fc.Driver {
	case config.FeedMirror:
		return mirror.New(mirror.Config{
			DSN:         fc.MySQLDSN,
			PageSize:    fc.PageSize,
			CallTimeout: fc.CallTimeout,
		}, rt.Logger.Named("mirror"))
	case config.FeedNative:
		return native.New(native.Config{
			SID:            fc.SID,
			BulkSpec:       fc.BulkSpec,
			StructuralSpec: fc.StructuralSpec,
			RealtimeSpec:   fc.RealtimeSpec,
			CallTimeout:    fc.CallTimeout,
		}, native.OLE(fc.ProgID), rt.Logger.Named("native"))
	}
	return nil
}

// Writer is a ready engine plus the lock that makes it the only writer.
type Writer struct {
	Engine *syncer.Engine
	Feed   feed.Client
	Lock   *cache.Lock // nil without Redis
}

// Writer takes the writer lock, connects the feed and restores the engine.
// It returns ErrWriterElsewhere when another process holds the lock.
func (rt *Runtime) Writer(ctx context.Context) (*Writer, error) {
	fc := rt.Feed()
	if fc == nil {
		return nil, errors.New("FEED_DRIVER=none: nothing to sync from")
	}
	w := &Writer{Feed: fc}
	if rt.Redis != nil {
		lock, err := rt.Redis.Acquire(ctx, rt.Config.Redis.LockKey, rt.Config.Redis.LockTTL)
		if errors.Is(err, cache.ErrLockHeld) {
			return nil, ErrWriterElsewhere
		}
		if err != nil {
			return nil, err
		}
		w.Lock = lock
	}
	if err := fc.Connect(ctx); err != nil {
		// the engine retries through its own backoff and surfaces the error in status
		rt.Logger.Error("feed connect failed", zap.Error(err))
	}

	sc := rt.Config.Sync
	deps := syncer.Deps{
		Store:   rt.Store,
		Feed:    fc,
		Logger:  rt.Logger,
		Metrics: rt.Metrics,
	}
	if rt.Cache != nil {
		deps.Hooks = append(deps.Hooks, rt.Cache.Bump)
	}
	if rt.Config.TelegramToken != "" {
		tg, err := notify.NewTelegram(rt.Config.TelegramToken, rt.Config.TelegramChatID, rt.Logger.Named("notify"))
		if err != nil {
			rt.Logger.Warn("telegram alerts disabled", zap.Error(err))
		} else {
			deps.Alerter = tg
		}
	}
	w.Engine = syncer.New(syncer.Config{
		BatchSize:          sc.BatchSize,
		StructuralInterval: sc.StructuralInterval,
		RealtimeInterval:   sc.RealtimeInterval,
		Retry: syncer.RetryPolicy{
			MaxAttempts:   sc.MaxAttempts,
			InitialDelay:  sc.BackoffInitial,
			MaxDelay:      sc.BackoffMax,
			BackoffFactor: 2,
			JitterFactor:  0.2,
		},
	}, deps)
	if err := w.Engine.Init(ctx); err != nil {
		w.release()
		return nil, fmt.Errorf("init engine: %w", err)
	}
	return w, nil
}

func (w *Writer) release() {
	_ = w.Feed.Close()
	if w.Lock != nil {
		w.Lock.Release()
	}
}

// Close persists engine state, closes the feed and releases the lock.
func (w *Writer) Close(ctx context.Context) error {
	err := w.Engine.Close(ctx)
	w.release()
	return err
}

func (rt *Runtime) Close() {
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
	if rt.Store != nil {
		_ = rt.Store.Close()
	}
}
