package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

// postgresLocker хранит lease в таблице distributed_locks. Захват ключа —
// единственный CAS-запрос: upsert срабатывает, только если строка свободна,
// просрочена или уже принадлежит тому же владельцу.
type postgresLocker struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresLocker возвращает Locker поверх PostgreSQL.
func NewPostgresLocker(db *sql.DB) Locker {
	return &postgresLocker{db: db, pollInterval: 50 * time.Millisecond}
}

const acquireQuery = `
INSERT INTO distributed_locks (key, owner, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE
SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
WHERE distributed_locks.expires_at < NOW() OR distributed_locks.owner = EXCLUDED.owner`

// Acquire захватывает ключи в фиксированном (отсортированном) порядке внутри
// одной транзакции: либо срабатывают все CAS, либо транзакция откатывается
// и попытка повторяется до истечения wait.
func (p *postgresLocker) Acquire(ctx context.Context, keys []string, wait, lease time.Duration) (*Lease, error) {
	if wait <= 0 {
		wait = DefaultWait
	}
	if lease <= 0 {
		lease = DefaultLease
	}

	keys = sortedKeys(keys)
	owner := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		if err := ctx.Err(); err != nil {
			lockAcquireTotal.WithLabelValues("canceled").Inc()
			return nil, err
		}

		expiresAt := time.Now().UTC().Add(lease)
		acquired, err := p.tryAcquire(ctx, keys, owner, expiresAt)
		if err != nil {
			lockAcquireTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		if acquired {
			lockAcquireTotal.WithLabelValues("acquired").Inc()
			return &Lease{Keys: keys, Owner: owner, ExpiresAt: expiresAt, releaser: p}, nil
		}

		if !time.Now().Add(p.pollInterval).Before(deadline) {
			lockAcquireTotal.WithLabelValues("contended").Inc()
			return nil, domain.ErrLockContended
		}

		select {
		case <-ctx.Done():
			lockAcquireTotal.WithLabelValues("canceled").Inc()
			return nil, ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

func (p *postgresLocker) tryAcquire(ctx context.Context, keys []string, owner string, expiresAt time.Time) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin lock tx: %w", err)
	}

	for _, key := range keys {
		res, err := tx.ExecContext(ctx, acquireQuery, key, owner, expiresAt)
		if err != nil {
			_ = tx.Rollback()
			return false, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return false, fmt.Errorf("rows affected for lock %s: %w", key, err)
		}
		if affected == 0 {
			// Ключ держит живой чужой lease: откатываем уже захваченные.
			_ = tx.Rollback()
			return false, nil
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit lock tx: %w", err)
	}
	return true, nil
}

func (p *postgresLocker) release(ctx context.Context, keys []string, owner string) error {
	for _, key := range keys {
		if _, err := p.db.ExecContext(ctx,
			`DELETE FROM distributed_locks WHERE key = $1 AND owner = $2`, key, owner); err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
	}
	return nil
}

// DeleteExpired удаляет просроченные lease порциями — используется Janitor.
func (p *postgresLocker) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM distributed_locks
		WHERE key IN (
			SELECT key FROM distributed_locks WHERE expires_at <= $1 LIMIT $2
		)`, before, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired locks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

var _ Locker = (*postgresLocker)(nil)
var _ Sweeper = (*postgresLocker)(nil)
