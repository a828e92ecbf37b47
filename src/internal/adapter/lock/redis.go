package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/logger"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	// Prefix namespaces the lock keys, e.g. "ledger:lock:".
	Prefix     string
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

func (o RedisOptions) withDefaults() RedisOptions {
	if o.Prefix == "" {
		o.Prefix = "ledger:lock:"
	}
	if o.Expiry <= 0 {
		o.Expiry = 10 * time.Second
	}
	if o.Tries <= 0 {
		o.Tries = 64
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 25 * time.Millisecond
	}
	return o
}

// RedisLocker holds keys across instances with the redlock algorithm. The
// expiry bounds how long a crashed holder can block others.
type RedisLocker struct {
	rs   *redsync.Redsync
	opts RedisOptions
}

func NewRedisLocker(client goredislib.UniversalClient, opts RedisOptions) *RedisLocker {
	return &RedisLocker{
		rs:   redsync.New(goredis.NewPool(client)),
		opts: opts.withDefaults(),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	ordered := orderKeys(keys)
	held := make([]*redsync.Mutex, 0, len(ordered))

	release := func() {
		// Release must not depend on the caller's ctx still being live.
		unlockCtx := context.WithoutCancel(ctx)
		for i := len(held) - 1; i >= 0; i-- {
			if ok, err := held[i].UnlockContext(unlockCtx); !ok || err != nil {
				logger.Error("redis locker release failed", err, logger.Fields{
					"key":      held[i].Name(),
					"unlockOk": ok,
				})
			}
		}
	}

	for _, key := range ordered {
		mutex := l.rs.NewMutex(
			l.opts.Prefix+key,
			redsync.WithExpiry(l.opts.Expiry),
			redsync.WithTries(l.opts.Tries),
			redsync.WithRetryDelay(l.opts.RetryDelay),
		)
		if err := mutex.LockContext(ctx); err != nil {
			release()
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		held = append(held, mutex)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}
