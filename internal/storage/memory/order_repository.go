package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

// orderRepositoryInMemory — in-memory реализация OrderRepository.
// Переход статуса и запись аудита применяются под одним мьютексом —
// аналог одной транзакции продовой реализации.
type orderRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Order
	logs  domain.OrderStatusLogRepository
	now   func() time.Time
}

// NewOrderRepository возвращает in-memory репозиторий заказов.
// logs может быть nil — тогда аудит не пишется.
func NewOrderRepository(logs domain.OrderStatusLogRepository) domain.OrderRepository {
	return &orderRepositoryInMemory{
		items: make(map[string]domain.Order),
		logs:  logs,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create сохраняет новый заказ, если номер ещё не занят.
func (r *orderRepositoryInMemory) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.OrderNo]; exists {
		return domain.ErrOrderExists
	}
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.items[order.OrderNo] = cloneOrder(order)
	return nil
}

// Get возвращает заказ или ErrOrderNotFound.
func (r *orderRepositoryInMemory) Get(_ context.Context, orderNo string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[orderNo]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// Transition применяет CAS-переход: статус меняется, только если текущий
// входит в t.From; вместе со статусом атомарно пишется запись аудита.
func (r *orderRepositoryInMemory) Transition(ctx context.Context, t domain.StatusTransition) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.items[t.OrderNo]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	matched := false
	for _, from := range t.From {
		if order.Status == from {
			matched = true
			break
		}
	}
	if !matched {
		return cloneOrder(order), domain.ErrStatusConflict
	}

	oldStatus := order.Status
	updated := cloneOrder(order)
	updated.Status = t.To
	if t.Mutate != nil {
		t.Mutate(&updated)
	}
	updated.Version++
	updated.UpdatedAt = r.now()
	r.items[t.OrderNo] = cloneOrder(updated)

	if r.logs != nil {
		entry := domain.OrderStatusLog{
			OrderNo:      t.OrderNo,
			Action:       t.Action,
			OldStatus:    oldStatus,
			NewStatus:    t.To,
			OperatorType: t.OperatorType,
			OperatorID:   t.OperatorID,
			Remark:       t.Remark,
			CreatedAt:    updated.UpdatedAt,
		}
		if err := r.logs.Append(ctx, entry); err != nil {
			return domain.Order{}, err
		}
	}

	return updated, nil
}

// ListPendingExpired возвращает pending-заказы с истёкшим сроком оплаты.
func (r *orderRepositoryInMemory) ListPendingExpired(_ context.Context, before time.Time, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if order.Status != domain.OrderStatusPending {
			continue
		}
		if order.PendingExpiresAt.IsZero() || order.PendingExpiresAt.After(before) {
			continue
		}
		result = append(result, cloneOrder(order))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].PendingExpiresAt.Before(result[j].PendingExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListCompletableOverdue возвращает завершаемые заказы, чей последний слот
// закончился не позже cutoff ("2006-01-02 15:04").
func (r *orderRepositoryInMemory) ListCompletableOverdue(_ context.Context, cutoff string, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	completable := make(map[domain.OrderStatus]struct{})
	for _, status := range domain.Predecessors(domain.OrderStatusCompleted) {
		completable[status] = struct{}{}
	}

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if _, ok := completable[order.Status]; !ok {
			continue
		}
		latest := latestSlotEnd(order)
		if latest == "" || latest > cutoff {
			continue
		}
		result = append(result, cloneOrder(order))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].OrderNo < result[j].OrderNo
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// latestSlotEnd возвращает "дата время" конца последнего слота заказа.
// Формат "2006-01-02 15:04" сравнивается лексикографически.
func latestSlotEnd(order domain.Order) string {
	latest := ""
	for _, item := range order.Items {
		end := item.BookingDate + " " + item.EndTime
		if end > latest {
			latest = end
		}
	}
	return latest
}

func cloneOrder(order domain.Order) domain.Order {
	clone := order
	clone.Items = make([]domain.OrderItem, len(order.Items))
	copy(clone.Items, order.Items)
	return clone
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
