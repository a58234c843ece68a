// Package lock реализует обёртку над распределённой блокировкой с lease:
// атомарный multi-lock по нескольким ключам с wait-бюджетом и автоистечением.
package lock

import (
	"context"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultWait — бюджет ожидания блокировки: падаем быстро, пусть
	// вызывающая сторона повторяет с backoff.
	DefaultWait = 1 * time.Second
	// DefaultLease — срок владения: дольше критической секции, но
	// достаточно короткий, чтобы блокировка упавшего держателя
	// самоисцелилась.
	DefaultLease = 30 * time.Second

	defaultPollInterval = 10 * time.Millisecond
)

var lockAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vbs_lock_acquire_total",
	Help: "Total number of distributed lock acquisition attempts grouped by result.",
}, []string{"result"})

// Lease — время-ограниченное владение набором ключей.
type Lease struct {
	Keys      []string
	Owner     string
	ExpiresAt time.Time

	releaser releaser
}

type releaser interface {
	release(ctx context.Context, keys []string, owner string) error
}

// Release снимает блокировку со всех ключей lease. Вызов обязателен по
// guaranteed-release пути (defer); после истечения lease безопасно
// превращается в no-op.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.releaser == nil {
		return nil
	}
	return l.releaser.release(ctx, l.Keys, l.Owner)
}

// Locker выдаёт multi-lock: все ключи захватываются как одно
// "всё или timeout" действие.
type Locker interface {
	// Acquire блокирует все keys на lease, ожидая не дольше wait.
	// При исчерпании бюджета возвращает domain.ErrLockContended.
	Acquire(ctx context.Context, keys []string, wait, lease time.Duration) (*Lease, error)
}

// Sweeper удаляет просроченные lease — опциональная возможность реализации,
// которую использует Janitor.
type Sweeper interface {
	// DeleteExpired удаляет до limit просроченных lease и возвращает их число.
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// sortedKeys возвращает отсортированную копию ключей: фиксированный порядок
// захвата исключает deadlock между конкурирующими multi-lock.
func sortedKeys(keys []string) []string {
	out := make([]string, len(keys))
	copy(out, keys)
	sort.Strings(out)
	return out
}
