package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/meterly/internal/clock"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is the single-process fallback used when redis is not
// configured.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   clock.Clock
}

func NewMemoryLocker(c clock.Clock) *MemoryLocker {
	if c == nil {
		c = clock.System()
	}
	return &MemoryLocker{entries: map[string]memoryEntry{}, clock: c}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := validate(key, ttl); err != nil {
		return Lease{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if current, ok := l.entries[key]; ok && now.Before(current.expiresAt) {
		return Lease{}, ErrLockHeld
	}
	token := uuid.NewString()
	l.entries[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return Lease{Key: key, Token: token}, nil
}

func (l *MemoryLocker) Release(_ context.Context, lease Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.entries[lease.Key]; ok && current.token == lease.Token {
		delete(l.entries, lease.Key)
	}
	return nil
}
