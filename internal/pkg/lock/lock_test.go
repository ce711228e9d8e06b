package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr, func() {
		client.Close()
		mr.Close()
	}
}

func TestLocker_AcquireRelease(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewLocker(client, "test:", time.Minute)
	ctx := context.Background()

	lk, err := locker.Acquire(ctx, "videojob:1")
	require.NoError(t, err)
	assert.Equal(t, "test:videojob:1", lk.Key())

	_, err = locker.Acquire(ctx, "videojob:1")
	assert.ErrorIs(t, err, ErrLockHeld)

	// 其他 key 互不影响
	other, err := locker.Acquire(ctx, "videojob:2")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lk.Release(ctx))
	again, err := locker.Acquire(ctx, "videojob:1")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocker_ReleaseDoesNotStealFromNewOwner(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewLocker(client, "test:", time.Minute)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "videojob:5")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	current, err := locker.Acquire(ctx, "videojob:5")
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("test:videojob:5"))

	require.NoError(t, current.Release(ctx))
	assert.False(t, mr.Exists("test:videojob:5"))
}

func TestLocker_ConcurrentAcquire(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewLocker(client, "test:", time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := locker.Acquire(ctx, "videojob:9"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestLock_ReleaseNil(t *testing.T) {
	var lk *Lock
	assert.NoError(t, lk.Release(context.Background()))
}
