package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// RateLimiter controls outbound webhook throughput per destination host.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	// Wait blocks until key may be used. A key cooling down for longer than the
	// limiter is willing to wait fails fast with a *CooldownError.
	Wait(ctx context.Context, key string) error
	// Backoff closes key for d, typically because the receiver answered 429
	// with a Retry-After header.
	Backoff(ctx context.Context, key string, d time.Duration) error
}

// CooldownError reports that Key stays closed for RetryAfter.
type CooldownError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("rate limit: %s is cooling down for %s", e.Key, e.RetryAfter)
}

// HostKey returns the limiter key for a webhook URL: its lowercased host.
// Unparseable URLs share the "unknown" bucket.
func HostKey(webhookURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(webhookURL))
	if err != nil || parsed.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(parsed.Hostname())
}
