package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockHeld = errors.New("writer lock held by another process")
	ErrLockLost = errors.New("writer lock lost")
)

// only the token holder may delete or extend the key
const (
	unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
	renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`
)

var (
	unlockScript = redis.NewScript(unlockLua)
	renewScript  = redis.NewScript(renewLua)
)

// Lock is a held writer lock. Release is safe to call more than once.
type Lock struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration

	once sync.Once
}

// Acquire takes key for ttl or returns ErrLockHeld.
func (c *Client) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{rdb: c.rdb, key: key, token: token, ttl: ttl}, nil
}

// Renew pushes the expiry out by the lock's ttl.
func (l *Lock) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis: renew lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Hold renews the lock every third of its ttl until ctx is done, then releases it.
// It returns ErrLockLost if another process took the key.
func (l *Lock) Hold(ctx context.Context) error {
	defer l.Release()
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := l.Renew(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (l *Lock) Release() {
	l.once.Do(func() {
		// the caller's context is usually cancelled by now
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
	})
}
