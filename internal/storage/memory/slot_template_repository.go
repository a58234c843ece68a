package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

// slotTemplateRepositoryInMemory — read-only in-memory хранилище шаблонов.
type slotTemplateRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[int64]domain.SlotTemplate
}

// NewSlotTemplateRepository возвращает репозиторий, заполненный templates.
func NewSlotTemplateRepository(templates ...domain.SlotTemplate) *slotTemplateRepositoryInMemory {
	items := make(map[int64]domain.SlotTemplate, len(templates))
	for _, tpl := range templates {
		items[tpl.ID] = tpl
	}
	return &slotTemplateRepositoryInMemory{items: items}
}

// Put добавляет шаблон (fixtures в тестах).
func (r *slotTemplateRepositoryInMemory) Put(tpl domain.SlotTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[tpl.ID] = tpl
}

// Get возвращает шаблон или ErrTemplateNotFound.
func (r *slotTemplateRepositoryInMemory) Get(_ context.Context, id int64) (domain.SlotTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tpl, ok := r.items[id]
	if !ok {
		return domain.SlotTemplate{}, domain.ErrTemplateNotFound
	}
	return tpl, nil
}

// GetMany возвращает шаблоны в порядке запрошенных ids.
func (r *slotTemplateRepositoryInMemory) GetMany(_ context.Context, ids []int64) ([]domain.SlotTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.SlotTemplate, 0, len(ids))
	for _, id := range ids {
		tpl, ok := r.items[id]
		if !ok {
			return nil, domain.ErrTemplateNotFound
		}
		result = append(result, tpl)
	}
	return result, nil
}

var _ domain.SlotTemplateRepository = (*slotTemplateRepositoryInMemory)(nil)
