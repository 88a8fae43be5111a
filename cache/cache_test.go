package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("RACESYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RACESYNC_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEntryKey(t *testing.T) {
	if got := entryKey(7, "races:20260125"); got != "racesync:q:7:races:20260125" {
		t.Fatalf("entryKey = %q", got)
	}
}

func TestLockExcludesSecondWriter(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	key := "racesync:test:lock:" + uuid.NewString()

	l, err := c.Acquire(ctx, key, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Acquire(ctx, key, time.Second); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second acquire: %v", err)
	}
	if err := l.Renew(ctx); err != nil {
		t.Fatal(err)
	}
	l.Release()
	l.Release()
	if err := l.Renew(ctx); !errors.Is(err, ErrLockLost) {
		t.Fatalf("renew after release: %v", err)
	}
	l2, err := c.Acquire(ctx, key, time.Second)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l2.Release()
}

type counter struct{ hits, misses int }

func (c *counter) CacheLookup(hit bool) {
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}

func TestQueryCacheBumpInvalidates(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	obs := &counter{}
	q := NewQueryCache(c, time.Minute, obs, zap.NewNop())
	key := "test:" + uuid.NewString()

	var got []string
	gen, ok, err := q.Get(ctx, key, &got)
	if err != nil || ok {
		t.Fatalf("cold get = %v, %v", ok, err)
	}
	if err := q.Set(ctx, gen, key, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := q.Get(ctx, key, &got); err != nil || !ok || len(got) != 2 {
		t.Fatalf("warm get = %v, %v, %v", ok, err, got)
	}
	q.Bump(ctx, "realtime-incremental", nil)
	if _, ok, _ := q.Get(ctx, key, &got); ok {
		t.Fatal("entry survived a generation bump")
	}
	if obs.hits != 1 || obs.misses != 2 {
		t.Fatalf("observer hits=%d misses=%d", obs.hits, obs.misses)
	}
}

func TestQueryCacheLoadAcrossCommitIsNotServed(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	q := NewQueryCache(c, time.Minute, nil, zap.NewNop())
	key := "test:" + uuid.NewString()

	var got string
	gen, ok, err := q.Get(ctx, key, &got)
	if err != nil || ok {
		t.Fatalf("cold get = %v, %v", ok, err)
	}
	// a batch commits while the miss is being loaded
	q.Bump(ctx, "realtime-incremental", nil)
	if err := q.Set(ctx, gen, key, "odds-before-commit"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := q.Get(ctx, key, &got); err != nil || ok {
		t.Fatalf("pre-commit value served after commit: %v %q %v", ok, got, err)
	}
}
