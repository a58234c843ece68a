package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

// memoryLocker — in-memory реализация Locker для локальной разработки и
// тестов. Семантика идентична продовой: all-or-nothing захват, lease,
// освобождение только владельцем.
type memoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryLease

	pollInterval time.Duration
	// now подменяется в тестах.
	now func() time.Time
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryLocker возвращает in-memory Locker.
func NewMemoryLocker() Locker {
	return newMemoryLocker()
}

func newMemoryLocker() *memoryLocker {
	return &memoryLocker{
		entries:      make(map[string]memoryLease),
		pollInterval: defaultPollInterval,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Acquire захватывает все ключи атомарно под общим мьютексом; при неудаче
// ни один ключ не остаётся захваченным, попытка повторяется до истечения wait.
func (m *memoryLocker) Acquire(ctx context.Context, keys []string, wait, lease time.Duration) (*Lease, error) {
	if wait <= 0 {
		wait = DefaultWait
	}
	if lease <= 0 {
		lease = DefaultLease
	}

	keys = sortedKeys(keys)
	owner := uuid.NewString()
	deadline := m.now().Add(wait)

	for {
		if err := ctx.Err(); err != nil {
			lockAcquireTotal.WithLabelValues("canceled").Inc()
			return nil, err
		}

		expiresAt, ok := m.tryAcquire(keys, owner, lease)
		if ok {
			lockAcquireTotal.WithLabelValues("acquired").Inc()
			return &Lease{Keys: keys, Owner: owner, ExpiresAt: expiresAt, releaser: m}, nil
		}

		if !m.now().Add(m.pollInterval).Before(deadline) {
			lockAcquireTotal.WithLabelValues("contended").Inc()
			return nil, domain.ErrLockContended
		}

		select {
		case <-ctx.Done():
			lockAcquireTotal.WithLabelValues("canceled").Inc()
			return nil, ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

func (m *memoryLocker) tryAcquire(keys []string, owner string, lease time.Duration) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, key := range keys {
		entry, held := m.entries[key]
		if held && entry.expiresAt.After(now) && entry.owner != owner {
			return time.Time{}, false
		}
	}

	expiresAt := now.Add(lease)
	for _, key := range keys {
		m.entries[key] = memoryLease{owner: owner, expiresAt: expiresAt}
	}
	return expiresAt, true
}

func (m *memoryLocker) release(_ context.Context, keys []string, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		if entry, ok := m.entries[key]; ok && entry.owner == owner {
			delete(m.entries, key)
		}
	}
	return nil
}

// DeleteExpired удаляет просроченные lease (до limit штук).
func (m *memoryLocker) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for key, entry := range m.entries {
		if limit > 0 && deleted >= limit {
			break
		}
		if !entry.expiresAt.After(before) {
			delete(m.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

var _ Locker = (*memoryLocker)(nil)
var _ Sweeper = (*memoryLocker)(nil)
