package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/api-sage/ledger-engine/src/internal/adapter/lock"
	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var (
	_ domain.AccountLocker = (*lock.LocalLocker)(nil)
	_ domain.AccountLocker = (*lock.RedisLocker)(nil)
)

func newRedisLocker(t *testing.T) *lock.RedisLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.NewRedisLocker(client, lock.RedisOptions{RetryDelay: 5 * time.Millisecond, Tries: 400})
}

func lockers(t *testing.T) map[string]domain.AccountLocker {
	return map[string]domain.AccountLocker{
		"local": lock.NewLocalLocker(),
		"redis": newRedisLocker(t),
	}
}

func TestLockerMutualExclusion(t *testing.T) {
	for name, locker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var inside, maxInside int32
			g, ctx := errgroup.WithContext(context.Background())
			for i := 0; i < 20; i++ {
				g.Go(func() error {
					unlock, err := locker.Lock(ctx, "account:a")
					if err != nil {
						return err
					}
					defer unlock()

					n := atomic.AddInt32(&inside, 1)
					for {
						m := atomic.LoadInt32(&maxInside)
						if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
							break
						}
					}
					time.Sleep(time.Millisecond)
					atomic.AddInt32(&inside, -1)
					return nil
				})
			}
			require.NoError(t, g.Wait())
			assert.Equal(t, int32(1), maxInside)
		})
	}
}

func TestLockerOverlappingSetsDoNotDeadlock(t *testing.T) {
	for name, locker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < 10; i++ {
				keys := []string{"account:a", "account:b"}
				if i%2 == 1 {
					keys = []string{"account:b", "account:a"}
				}
				g.Go(func() error {
					unlock, err := locker.Lock(gctx, keys...)
					if err != nil {
						return err
					}
					unlock()
					return nil
				})
			}
			require.NoError(t, g.Wait())
		})
	}
}

func TestLocalLockerHonoursContext(t *testing.T) {
	locker := lock.NewLocalLocker()
	unlock, err := locker.Lock(context.Background(), "account:a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "account:a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := locker.Lock(context.Background(), "account:a")
	require.NoError(t, err)
	unlock2()
}

func TestLocalLockerPartialAcquireReleases(t *testing.T) {
	locker := lock.NewLocalLocker()
	unlockB, err := locker.Lock(context.Background(), "account:b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "account:a", "account:b")
	require.Error(t, err)

	// account:a must have been released by the failed call.
	unlockA, err := locker.Lock(context.Background(), "account:a")
	require.NoError(t, err)
	unlockA()
	unlockB()
}

func TestLockerDuplicateKeysAndDoubleUnlock(t *testing.T) {
	for name, locker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			unlock, err := locker.Lock(context.Background(), "account:a", "account:a", "")
			require.NoError(t, err)
			unlock()
			unlock()

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				again, err := locker.Lock(context.Background(), "account:a")
				if assert.NoError(t, err) {
					again()
				}
			}()
			wg.Wait()
		})
	}
}
