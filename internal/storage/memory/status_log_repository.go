package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

// statusLogRepositoryInMemory — append-only журнал переходов статусов.
type statusLogRepositoryInMemory struct {
	mu      sync.RWMutex
	entries []domain.OrderStatusLog
}

// NewStatusLogRepository возвращает in-memory журнал статусов.
func NewStatusLogRepository() *statusLogRepositoryInMemory {
	return &statusLogRepositoryInMemory{}
}

// Append добавляет запись; записи никогда не мутируются и не удаляются.
func (r *statusLogRepositoryInMemory) Append(_ context.Context, entry domain.OrderStatusLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	r.entries = append(r.entries, entry)
	return nil
}

// List возвращает записи заказа в порядке создания.
func (r *statusLogRepositoryInMemory) List(_ context.Context, orderNo string) ([]domain.OrderStatusLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.OrderStatusLog, 0)
	for _, entry := range r.entries {
		if entry.OrderNo == orderNo {
			result = append(result, entry)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

var _ domain.OrderStatusLogRepository = (*statusLogRepositoryInMemory)(nil)
