package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oggyb/matchcore/internal/config"
)

// ErrLockBusy is returned when a pair lock could not be taken before the wait budget ran out.
var ErrLockBusy = errors.New("pair lock busy")

const (
	waitSampleKey  = "matchcore:wait:samples"
	waitSampleSize = 50

	lockRetryEvery = 25 * time.Millisecond
)

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisCache struct {
	Client *redis.Client

	// LockTTL bounds how long a crashed holder can block a pair.
	LockTTL time.Duration
	// LockWait is how long WithPairLock keeps retrying a contended lock.
	LockWait time.Duration
}

// NewRedisCache initializes Redis client from config.
// Only Addr is mandatory, Password/DB are optional.
func NewRedisCache(cfg *config.Config) *RedisCache {
	opts := &redis.Options{
		Addr: cfg.Redis.Addr,
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	return NewFromClient(redis.NewClient(opts))
}

// NewFromClient wraps an existing client, e.g. one pointed at miniredis in tests.
func NewFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{
		Client:   client,
		LockTTL:  5 * time.Second,
		LockWait: 2 * time.Second,
	}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.Client.Close()
}

// KeyForPairLock generates the lock key for an unordered user pair.
func (c *RedisCache) KeyForPairLock(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("matchcore:lock:%s:%s", a, b)
}

func (c *RedisCache) KeyForPresence(userID string) string {
	return "matchcore:presence:" + userID
}

func (c *RedisCache) keyForRate(userID string, window time.Time) string {
	return fmt.Sprintf("matchcore:rate:%s:%d", userID, window.Unix())
}

// AcquirePairLock tries once to take the pair lock. The returned token must be
// handed back to ReleasePairLock.
func (c *RedisCache) AcquirePairLock(ctx context.Context, a, b string) (string, bool, error) {
	token, err := newToken()
	if err != nil {
		return "", false, err
	}
	ok, err := c.Client.SetNX(ctx, c.KeyForPairLock(a, b), token, c.LockTTL).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// ReleasePairLock drops the lock if token still owns it.
func (c *RedisCache) ReleasePairLock(ctx context.Context, a, b, token string) error {
	return releaseScript.Run(ctx, c.Client, []string{c.KeyForPairLock(a, b)}, token).Err()
}

// WithPairLock runs fn while holding the lock for the unordered pair (a, b).
//
// Behavior:
//   - Contended locks are retried every 25ms until LockWait elapses, then ErrLockBusy.
//   - The lock is released with compare-and-delete, so an expired holder never
//     deletes a newer owner's lock.
func (c *RedisCache) WithPairLock(ctx context.Context, a, b string, fn func() error) error {
	deadline := time.Now().Add(c.LockWait)
	for {
		token, ok, err := c.AcquirePairLock(ctx, a, b)
		if err != nil {
			return fmt.Errorf("acquire pair lock: %w", err)
		}
		if ok {
			defer func() {
				// release on a fresh context so a cancelled request still frees the pair
				rctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = c.ReleasePairLock(rctx, a, b, token)
			}()
			return fn()
		}
		if time.Now().After(deadline) {
			return ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryEvery):
		}
	}
}

// PushWaitSample records how long a waiter spent in the queue before matching.
func (c *RedisCache) PushWaitSample(ctx context.Context, d time.Duration) error {
	pipe := c.Client.TxPipeline()
	pipe.LPush(ctx, waitSampleKey, d.Milliseconds())
	pipe.LTrim(ctx, waitSampleKey, 0, waitSampleSize-1)
	_, err := pipe.Exec(ctx)
	return err
}

// MeanWait returns the rolling mean of recent wait samples; ok is false with no samples.
func (c *RedisCache) MeanWait(ctx context.Context) (time.Duration, bool, error) {
	vals, err := c.Client.LRange(ctx, waitSampleKey, 0, waitSampleSize-1).Result()
	if err != nil {
		return 0, false, err
	}
	if len(vals) == 0 {
		return 0, false, nil
	}
	var sum int64
	for _, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		sum += n
	}
	return time.Duration(sum/int64(len(vals))) * time.Millisecond, true, nil
}

// SetPresence mirrors a user's online state with a TTL refreshed by heartbeats.
func (c *RedisCache) SetPresence(ctx context.Context, userID string, ttl time.Duration) error {
	return c.Client.Set(ctx, c.KeyForPresence(userID), time.Now().UnixMilli(), ttl).Err()
}

func (c *RedisCache) ClearPresence(ctx context.Context, userID string) error {
	return c.Client.Del(ctx, c.KeyForPresence(userID)).Err()
}

// IsPresent reports whether any node currently mirrors userID as online.
func (c *RedisCache) IsPresent(ctx context.Context, userID string) (bool, error) {
	n, err := c.Client.Exists(ctx, c.KeyForPresence(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AllowRequest is a fixed-window counter: at most limit calls per window per user.
func (c *RedisCache) AllowRequest(ctx context.Context, userID string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := c.keyForRate(userID, time.Now().Truncate(window))
	n, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		// always set expiry on the first hit of a window
		_ = c.Client.Expire(ctx, key, window).Err()
	}
	return n <= int64(limit), nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
