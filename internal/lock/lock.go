// Package lock serializes invoice finalization per (record, period) across
// processes. The database row lock remains the final arbiter.
package lock

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/samber/lo"
)

var (
	ErrLockHeld    = errors.New("lock_held")
	ErrInvalidKey  = errors.New("invalid_lock_key")
	ErrInvalidTTL  = errors.New("invalid_lock_ttl")
	ErrNotAcquired = errors.New("lock_not_acquired")
)

// Lease identifies an acquired lock. Token guards release so only the
// holder can delete the key.
type Lease struct {
	Key   string
	Token string
}

type Locker interface {
	// Acquire returns ErrLockHeld when another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, lease Lease) error
}

// AcquireAll takes every key in sorted order so concurrent callers cannot
// deadlock. On failure the leases already taken are released.
func AcquireAll(ctx context.Context, locker Locker, keys []string, ttl time.Duration) ([]Lease, error) {
	ordered := lo.Uniq(keys)
	sort.Strings(ordered)

	leases := make([]Lease, 0, len(ordered))
	for _, key := range ordered {
		lease, err := locker.Acquire(ctx, key, ttl)
		if err != nil {
			ReleaseAll(context.WithoutCancel(ctx), locker, leases)
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

// ReleaseAll releases in reverse acquisition order and joins failures.
func ReleaseAll(ctx context.Context, locker Locker, leases []Lease) error {
	var errs []error
	for i := len(leases) - 1; i >= 0; i-- {
		if err := locker.Release(ctx, leases[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validate(key string, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
