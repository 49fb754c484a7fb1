package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/trip-gateway/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec int64 = 50
	defaultMaxWait           = 2 * time.Second
	maxCooldown              = time.Hour
	windowMillis             = 1000
)

// acquireScript checks the host cooldown before spending from the per-second
// window. It returns the remaining cooldown in ms, -1 when the window is spent,
// or 0 when the call may proceed.
var acquireScript = goredis.NewScript(`
local cooldown = redis.call("PTTL", KEYS[2])
if cooldown > 0 then
  return cooldown
end
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return -1
end
return 0
`)

// backoffScript only ever lengthens a cooldown.
var backoffScript = goredis.NewScript(`
local remaining = redis.call("PTTL", KEYS[1])
if remaining >= tonumber(ARGV[1]) then
  return 0
end
redis.call("SET", KEYS[1], "1", "PX", ARGV[1])
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a distributed per-second webhook rate limiter backed by
// Redis. Keys are destination hosts, so every gateway instance shares one budget
// and one Retry-After cooldown per receiver.
type RedisRateLimiter struct {
	client      *goredis.Client
	limitPerSec int64
	maxWait     time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, limitPerSec int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(
		client,
		int64(limitPerSec),
		time.Now,
		sleepWithContext,
	)
}

func newRedisRateLimiter(
	client *goredis.Client,
	limitPerSec int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultLimitPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client:      client,
		limitPerSec: limitPerSec,
		maxWait:     defaultMaxWait,
		now:         nowFn,
		sleep:       sleepFn,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, host string) (bool, error) {
	wait, _, err := r.acquire(ctx, host)
	if err != nil {
		return false, err
	}
	return wait == 0, nil
}

// Wait sleeps for exactly as long as Redis says the host is closed. Cooldowns
// longer than maxWait are returned as *ratelimit.CooldownError so the caller
// can reschedule instead of holding a delivery slot.
func (r *RedisRateLimiter) Wait(ctx context.Context, host string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		wait, cooling, err := r.acquire(ctx, host)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		if cooling && wait > r.maxWait {
			return &ratelimit.CooldownError{Key: normalizeHost(host), RetryAfter: wait}
		}

		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Backoff closes host for d. An existing longer cooldown is kept.
func (r *RedisRateLimiter) Backoff(ctx context.Context, host string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if d > maxCooldown {
		d = maxCooldown
	}

	normalizedHost := normalizeHost(host)
	if normalizedHost == "" {
		return fmt.Errorf("host is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := backoffScript.Run(ctx, r.client, []string{cooldownKey(normalizedHost)}, d.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("failed to set rate limit cooldown: %w", err)
	}
	return nil
}

// acquire returns how long the caller must wait before host is usable and
// whether that wait comes from a cooldown rather than a spent window.
func (r *RedisRateLimiter) acquire(ctx context.Context, host string) (time.Duration, bool, error) {
	if r == nil || r.client == nil {
		return 0, false, fmt.Errorf("rate limiter is not initialized")
	}

	normalizedHost := normalizeHost(host)
	if normalizedHost == "" {
		return 0, false, fmt.Errorf("host is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	now := r.now().UTC()
	windowKey := fmt.Sprintf("ratelimit:webhook:%s:%d", normalizedHost, now.Unix())
	keys := []string{windowKey, cooldownKey(normalizedHost)}

	result, err := acquireScript.Run(ctx, r.client, keys, r.limitPerSec, windowMillis).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	switch {
	case result > 0:
		return time.Duration(result) * time.Millisecond, true, nil
	case result < 0:
		return time.Second - time.Duration(now.Nanosecond()), false, nil
	default:
		return 0, false, nil
	}
}

func cooldownKey(host string) string {
	return "ratelimit:webhook:" + host + ":cooldown"
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
