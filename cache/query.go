package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/padraicbc/racesync/models"
	"github.com/padraicbc/racesync/normalize"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix     = "racesync:q:"
	generationKey = "racesync:generation"
)

// Observer is told about every lookup.
type Observer interface {
	CacheLookup(hit bool)
}

// QueryCache stores query results under the current commit generation. Every
// committed batch bumps the generation, so entries from older commits are
// never read again and expire by ttl.
type QueryCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	obs    Observer
	logger *zap.Logger
}

func NewQueryCache(c *Client, ttl time.Duration, obs Observer, logger *zap.Logger) *QueryCache {
	return &QueryCache{rdb: c.rdb, ttl: ttl, obs: obs, logger: logger}
}

func entryKey(gen int64, key string) string {
	return keyPrefix + strconv.FormatInt(gen, 10) + ":" + key
}

func (q *QueryCache) generation(ctx context.Context) (int64, error) {
	gen, err := q.rdb.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Get decodes the cached value for key into dst and reports whether it was
// found. It also returns the generation it looked in; a value loaded after a
// miss must be stored with Set under that generation, never a later one.
func (q *QueryCache) Get(ctx context.Context, key string, dst any) (int64, bool, error) {
	gen, err := q.generation(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("redis: generation: %w", err)
	}
	b, err := q.rdb.Get(ctx, entryKey(gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		q.observe(false)
		return gen, false, nil
	}
	if err != nil {
		return gen, false, fmt.Errorf("redis: get %s: %w", key, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return gen, false, fmt.Errorf("redis: decode %s: %w", key, err)
	}
	q.observe(true)
	return gen, true, nil
}

// Set stores v under generation gen. If a commit bumped the generation while
// v was loading, the entry lands in the old generation and is never read.
func (q *QueryCache) Set(ctx context.Context, gen int64, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := q.rdb.Set(ctx, entryKey(gen, key), b, q.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

// Bump invalidates every cached result. Its signature matches a sync commit hook.
func (q *QueryCache) Bump(ctx context.Context, kind models.SyncKind, b *normalize.Batch) {
	if err := q.rdb.Incr(ctx, generationKey).Err(); err != nil {
		q.logger.Warn("cache generation bump failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (q *QueryCache) observe(hit bool) {
	if q.obs != nil {
		q.obs.CacheLookup(hit)
	}
}
