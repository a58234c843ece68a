package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

// Статусы записей outbox. pending забирает воркер, sent/failed — терминальные.
const (
	outboxStatusPending = "pending"
	outboxStatusSent    = "sent"
	outboxStatusFailed  = "failed"
)

const defaultOutboxPullLimit = 100

type outboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
// Записи вставляются вместе с доменными изменениями, читает их воркер
// публикации в Kafka.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{db: store.DB()}
}

func (r *outboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	const insert = `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type, payload,
			status, attempt_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)`

	_, err := r.db.ExecContext(ctx, insert,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload,
		outboxStatusPending, now,
	)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message: %w", err)
	}

	return msg, nil
}

// PullPending выбирает старейшие pending-записи. Конкурирующие воркеры
// могут увидеть одно сообщение дважды, доставка в Kafka — at-least-once.
func (r *outboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultOutboxPullLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, outboxStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("pull pending outbox messages: %w", err)
	}
	defer rows.Close()

	return scanOutboxMessages(rows, limit)
}

func scanOutboxMessages(rows *sql.Rows, capacity int) ([]domain.OutboxMessage, error) {
	result := make([]domain.OutboxMessage, 0, capacity)
	for rows.Next() {
		var msg domain.OutboxMessage
		err := rows.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return result, nil
}

// Stats отдает размер backlog и возраст старейшей pending-записи
// для метрик и алертов.
func (r *outboxRepository) Stats() (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)

	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at)
		FROM outbox_messages
		WHERE status = $1
	`, outboxStatusPending)
	if err := row.Scan(&stats.PendingCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats query failed: %w", err)
	}

	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}

	return stats, nil
}

func (r *outboxRepository) MarkSent(id string) error {
	return r.markStatus(id, outboxStatusSent)
}

func (r *outboxRepository) MarkFailed(id string) error {
	return r.markStatus(id, outboxStatusFailed)
}

func (r *outboxRepository) markStatus(id, status string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $2,
		    attempt_count = attempt_count + 1,
		    updated_at = $3
		WHERE id = $1
	`, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark outbox message as %s: %w", status, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for outbox %s: %w", status, err)
	}
	if affected == 0 {
		return domain.ErrOutboxPublish
	}

	return nil
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
