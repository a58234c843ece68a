package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

const orderColumns = `order_no, buyer_id, seller_id, seller_type, status, payment_status,
	pay_amount_minor, trade_no, out_trade_no, pending_expires_at, paid_at,
	version, created_at, updated_at`

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			order_no, buyer_id, seller_id, seller_type, status, payment_status,
			pay_amount_minor, trade_no, out_trade_no, pending_expires_at, paid_at,
			version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		order.OrderNo, order.BuyerID, order.SellerID, order.SellerType,
		string(order.Status), string(order.PaymentStatus), order.PayAmountMinor,
		order.TradeNo, order.OutTradeNo,
		nullableTime(order.PendingExpiresAt), nullableTime(order.PaidAt),
		order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderExists
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (
				id, order_no, slot_record_id, template_id, booking_date,
				start_time, end_time, price_minor, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`,
			item.ID, order.OrderNo, item.SlotRecordID, item.TemplateID,
			item.BookingDate, item.StartTime, item.EndTime, item.PriceMinor, item.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create order: %w", err)
	}

	return nil
}

func (r *orderRepository) Get(ctx context.Context, orderNo string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := r.selectOrder(ctx, r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_no = $1
	`, orderNo))
	if err != nil {
		return domain.Order{}, err
	}

	items, err := r.loadItems(ctx, order.OrderNo)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items

	return order, nil
}

// Transition выполняет CAS-переход статуса одной транзакцией: строка заказа
// блокируется FOR UPDATE, текущий статус сверяется с допустимым множеством,
// применяется мутация и в той же транзакции добавляется запись аудита.
func (r *orderRepository) Transition(ctx context.Context, t domain.StatusTransition) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var order domain.Order
	order, err = r.selectOrder(ctx, tx.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_no = $1
		FOR UPDATE
	`, t.OrderNo))
	if err != nil {
		return domain.Order{}, err
	}

	var items []domain.OrderItem
	items, err = r.loadItemsTx(ctx, tx, order.OrderNo)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items

	allowed := false
	for _, from := range t.From {
		if order.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		err = domain.ErrStatusConflict
		// Текущее состояние возвращается вместе с ошибкой: вызывающая
		// сторона решает по нему, дубль это или настоящий конфликт.
		return order, err
	}

	oldStatus := order.Status
	order.Status = t.To
	if t.Mutate != nil {
		t.Mutate(&order)
	}
	order.Version++
	order.UpdatedAt = time.Now().UTC()

	var res sql.Result
	res, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
		    payment_status = $3,
		    pay_amount_minor = $4,
		    trade_no = $5,
		    out_trade_no = $6,
		    pending_expires_at = $7,
		    paid_at = $8,
		    version = $9,
		    updated_at = $10
		WHERE order_no = $1
		  AND version = $11
	`,
		order.OrderNo, string(order.Status), string(order.PaymentStatus),
		order.PayAmountMinor, order.TradeNo, order.OutTradeNo,
		nullableTime(order.PendingExpiresAt), nullableTime(order.PaidAt),
		order.Version, order.UpdatedAt, order.Version-1,
	)
	if err != nil {
		return domain.Order{}, fmt.Errorf("update order status: %w", err)
	}

	var affected int64
	affected, err = res.RowsAffected()
	if err != nil {
		return domain.Order{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		err = domain.ErrOrderVersionConflict
		return domain.Order{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_status_logs (
			id, order_no, action, old_status, new_status,
			operator_type, operator_id, remark, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		uuid.NewString(), order.OrderNo, t.Action, string(oldStatus), string(order.Status),
		string(t.OperatorType), t.OperatorID, t.Remark, order.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, fmt.Errorf("insert status log: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return domain.Order{}, fmt.Errorf("commit transition: %w", err)
	}

	return order, nil
}

func (r *orderRepository) ListPendingExpired(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
		  AND pending_expires_at IS NOT NULL
		  AND pending_expires_at <= $2
		ORDER BY pending_expires_at, order_no
		LIMIT $3
	`, string(domain.OrderStatusPending), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending expired orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := r.selectOrder(ctx, rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending expired orders: %w", err)
	}

	for i := range orders {
		items, err := r.loadItems(ctx, orders[i].OrderNo)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}

	return orders, nil
}

// ListCompletableOverdue возвращает завершаемые заказы, чей последний слот
// закончился не позже cutoff. booking_date и end_time хранятся строками
// "2006-01-02" и "15:04", поэтому конкатенация сравнивается лексикографически.
func (r *orderRepository) ListCompletableOverdue(ctx context.Context, cutoff string, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	statuses := domain.Predecessors(domain.OrderStatusCompleted)
	placeholders := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses)+2)
	for i, status := range statuses {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, string(status))
	}
	args = append(args, cutoff, limit)

	query := fmt.Sprintf(`
		SELECT `+orderColumns+`
		FROM orders o
		WHERE o.status IN (%s)
		  AND (
			SELECT MAX(i.booking_date || ' ' || i.end_time)
			FROM order_items i
			WHERE i.order_no = o.order_no
		  ) <= $%d
		ORDER BY o.updated_at, o.order_no
		LIMIT $%d
	`, strings.Join(placeholders, ","), len(statuses)+1, len(statuses)+2)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list completable overdue orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := r.selectOrder(ctx, rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completable overdue orders: %w", err)
	}

	for i := range orders {
		items, err := r.loadItems(ctx, orders[i].OrderNo)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}

	return orders, nil
}

func (r *orderRepository) selectOrder(_ context.Context, row rowScanner) (domain.Order, error) {
	var (
		order            domain.Order
		status           string
		paymentStatus    string
		pendingExpiresAt sql.NullTime
		paidAt           sql.NullTime
	)

	err := row.Scan(
		&order.OrderNo, &order.BuyerID, &order.SellerID, &order.SellerType,
		&status, &paymentStatus, &order.PayAmountMinor,
		&order.TradeNo, &order.OutTradeNo, &pendingExpiresAt, &paidAt,
		&order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("scan order: %w", err)
	}

	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	if pendingExpiresAt.Valid {
		order.PendingExpiresAt = pendingExpiresAt.Time.UTC()
	}
	if paidAt.Valid {
		order.PaidAt = paidAt.Time.UTC()
	}

	return order, nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderNo string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_no, slot_record_id, template_id, booking_date,
		       start_time, end_time, price_minor, created_at
		FROM order_items
		WHERE order_no = $1
		ORDER BY created_at ASC, id ASC
	`, orderNo)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

func (r *orderRepository) loadItemsTx(ctx context.Context, tx *sql.Tx, orderNo string) ([]domain.OrderItem, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, order_no, slot_record_id, template_id, booking_date,
		       start_time, end_time, price_minor, created_at
		FROM order_items
		WHERE order_no = $1
		ORDER BY created_at ASC, id ASC
	`, orderNo)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]domain.OrderItem, error) {
	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ID, &item.OrderNo, &item.SlotRecordID, &item.TemplateID,
			&item.BookingDate, &item.StartTime, &item.EndTime, &item.PriceMinor, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return items, nil
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.OrderRepository = (*orderRepository)(nil)
