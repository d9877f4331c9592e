package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/matchcore/internal/cache"
)

func setupCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestPairLock_KeyIsUnordered(t *testing.T) {
	c, _ := setupCache(t)
	assert.Equal(t, c.KeyForPairLock("u1", "u2"), c.KeyForPairLock("u2", "u1"))
}

func TestPairLock_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	token, ok, err := c.AcquirePairLock(ctx, "u2", "u1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.AcquirePairLock(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	// a stale token must not release someone else's lock
	require.NoError(t, c.ReleasePairLock(ctx, "u1", "u2", "not-mine"))
	assert.True(t, mr.Exists(c.KeyForPairLock("u1", "u2")))

	require.NoError(t, c.ReleasePairLock(ctx, "u1", "u2", token))
	assert.False(t, mr.Exists(c.KeyForPairLock("u1", "u2")))
}

func TestWithPairLock_SerializesHolders(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCache(t)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.WithPairLock(ctx, "a", "b", func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestWithPairLock_Busy(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCache(t)
	c.LockWait = 50 * time.Millisecond

	_, ok, err := c.AcquirePairLock(ctx, "a", "b")
	require.NoError(t, err)
	require.True(t, ok)

	err = c.WithPairLock(ctx, "a", "b", func() error { return nil })
	assert.ErrorIs(t, err, cache.ErrLockBusy)
}

func TestWaitSamples(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCache(t)

	_, ok, err := c.MeanWait(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.PushWaitSample(ctx, 2*time.Second))
	require.NoError(t, c.PushWaitSample(ctx, 4*time.Second))

	mean, ok, err := c.MeanWait(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, mean)
}

func TestPresenceMirror(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	require.NoError(t, c.SetPresence(ctx, "u1", 40*time.Second))
	online, err := c.IsPresent(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	mr.FastForward(41 * time.Second)
	online, err = c.IsPresent(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, c.SetPresence(ctx, "u1", time.Minute))
	require.NoError(t, c.ClearPresence(ctx, "u1"))
	online, _ = c.IsPresent(ctx, "u1")
	assert.False(t, online)
}

func TestAllowRequest(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCache(t)

	for i := 0; i < 3; i++ {
		ok, err := c.AllowRequest(ctx, "u1", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := c.AllowRequest(ctx, "u1", 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = c.AllowRequest(ctx, "u2", 3, time.Hour)
	assert.True(t, ok, "limits are per user")
}
