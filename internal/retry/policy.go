// Package retry maps failed delivery counts to backoff delays.
package retry

import (
	"fmt"
	"time"
)

const DefaultMaxRetries = 3

// DefaultLadder is indexed by the number of failed attempts so far.
var DefaultLadder = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// Policy is a fixed lookup ladder bounded by MaxRetries.
type Policy struct {
	ladder     []time.Duration
	maxRetries int
}

func DefaultPolicy() Policy {
	p, _ := NewPolicy(DefaultLadder, DefaultMaxRetries)
	return p
}

func NewPolicy(ladder []time.Duration, maxRetries int) (Policy, error) {
	if len(ladder) == 0 {
		return Policy{}, fmt.Errorf("retry ladder must not be empty")
	}
	if maxRetries < 0 {
		return Policy{}, fmt.Errorf("max retries must be >= 0, got %d", maxRetries)
	}
	for i, d := range ladder {
		if d <= 0 {
			return Policy{}, fmt.Errorf("retry ladder step %d must be positive, got %s", i, d)
		}
	}

	copied := make([]time.Duration, len(ladder))
	copy(copied, ladder)

	return Policy{ladder: copied, maxRetries: maxRetries}, nil
}

func (p Policy) MaxRetries() int { return p.maxRetries }

// IsZero reports whether p is the zero Policy rather than one built by NewPolicy.
func (p Policy) IsZero() bool { return len(p.ladder) == 0 }

// NextDelay returns the backoff before the next attempt, or ok=false when the
// timer has used up its retries and must expire.
func (p Policy) NextDelay(retryCount int) (delay time.Duration, ok bool) {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= p.maxRetries || len(p.ladder) == 0 {
		return 0, false
	}

	idx := retryCount
	if idx >= len(p.ladder) {
		idx = len(p.ladder) - 1
	}
	return p.ladder[idx], true
}
