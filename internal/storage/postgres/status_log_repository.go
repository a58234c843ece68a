package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

type statusLogRepository struct {
	db *sql.DB
}

// NewStatusLogRepository создаёт PostgreSQL-реализацию OrderStatusLogRepository.
func NewStatusLogRepository(store *Store) domain.OrderStatusLogRepository {
	return &statusLogRepository{db: store.DB()}
}

func (r *statusLogRepository) Append(ctx context.Context, entry domain.OrderStatusLog) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO order_status_logs (
			id, order_no, action, old_status, new_status,
			operator_type, operator_id, remark, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		entry.ID, entry.OrderNo, entry.Action,
		string(entry.OldStatus), string(entry.NewStatus),
		string(entry.OperatorType), entry.OperatorID, entry.Remark, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert status log: %w", err)
	}

	return nil
}

func (r *statusLogRepository) List(ctx context.Context, orderNo string) ([]domain.OrderStatusLog, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_no, action, old_status, new_status,
		       operator_type, operator_id, remark, created_at
		FROM order_status_logs
		WHERE order_no = $1
		ORDER BY created_at ASC, id ASC
	`, orderNo)
	if err != nil {
		return nil, fmt.Errorf("list status logs: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.OrderStatusLog, 0)
	for rows.Next() {
		var (
			entry        domain.OrderStatusLog
			oldStatus    string
			newStatus    string
			operatorType string
		)
		if err := rows.Scan(
			&entry.ID, &entry.OrderNo, &entry.Action, &oldStatus, &newStatus,
			&operatorType, &entry.OperatorID, &entry.Remark, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan status log: %w", err)
		}
		entry.OldStatus = domain.OrderStatus(oldStatus)
		entry.NewStatus = domain.OrderStatus(newStatus)
		entry.OperatorType = domain.OperatorType(operatorType)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status logs: %w", err)
	}

	return entries, nil
}

var _ domain.OrderStatusLogRepository = (*statusLogRepository)(nil)
