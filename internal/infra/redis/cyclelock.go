package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/trip-gateway/internal/lease"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultCycleLockKey = "trip-gateway:poll-cycle"
	defaultCycleLockTTL = 5 * time.Minute
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var _ lease.Locker = (*CycleLock)(nil)

// CycleLock serialises poll cycles across gateway instances. Each lease carries
// a holder token, so refresh and release become no-ops once the TTL has handed
// the lock to someone else.
type CycleLock struct {
	client   *goredis.Client
	key      string
	ttl      time.Duration
	newToken func() string
}

func NewCycleLock(client *goredis.Client, key string, ttl time.Duration) (*CycleLock, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(key) == "" {
		key = defaultCycleLockKey
	}
	if ttl <= 0 {
		ttl = defaultCycleLockTTL
	}

	return &CycleLock{
		client:   client,
		key:      key,
		ttl:      ttl,
		newToken: uuid.NewString,
	}, nil
}

func (l *CycleLock) TTL() time.Duration {
	return l.ttl
}

// TryAcquire takes the lock without waiting. ok=false means another holder owns it.
func (l *CycleLock) TryAcquire(ctx context.Context) (lease.Lease, bool, error) {
	if l == nil || l.client == nil {
		return nil, false, fmt.Errorf("cycle lock is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	token := l.newToken()
	acquired, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire cycle lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}

	return &cycleLease{lock: l, token: token}, true, nil
}

type cycleLease struct {
	lock  *CycleLock
	token string
}

// Refresh resets the lease TTL. It returns lease.ErrLost when the key no longer
// carries this lease's token.
func (c *cycleLease) Refresh(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	extended, err := refreshScript.Run(ctx, c.lock.client, []string{c.lock.key}, c.token, c.lock.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh cycle lock: %w", err)
	}
	if extended == 0 {
		return lease.ErrLost
	}
	return nil
}

func (c *cycleLease) Release(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	err := releaseScript.Run(ctx, c.lock.client, []string{c.lock.key}, c.token).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("failed to release cycle lock: %w", err)
	}
	return nil
}
