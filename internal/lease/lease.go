// Package lease defines the cross-instance lock that keeps poll cycles from overlapping.
package lease

import (
	"context"
	"errors"
	"time"
)

// ErrLost is returned by Refresh once the lock expired or passed to another holder.
var ErrLost = errors.New("lease lost")

// Lease is a held lock. It expires after the locker TTL unless refreshed.
type Lease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

type Locker interface {
	TryAcquire(ctx context.Context) (Lease, bool, error)
	TTL() time.Duration
}
