package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

// slotRecordRepositoryInMemory — in-memory реализация SlotRecordRepository.
// Общий мьютекс делает ReserveAll по-настоящему атомарным, сохраняя
// all-or-nothing семантику продовой реализации.
type slotRecordRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.SlotRecord
	byKey map[domain.SlotKey]string
	now   func() time.Time
}

// NewSlotRecordRepository возвращает in-memory репозиторий занятости слотов.
func NewSlotRecordRepository() *slotRecordRepositoryInMemory {
	return &slotRecordRepositoryInMemory{
		items: make(map[string]domain.SlotRecord),
		byKey: make(map[domain.SlotKey]string),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Seed кладёт запись напрямую, минуя CAS (fixtures в тестах и локальной разработке).
func (r *slotRecordRepositoryInMemory) Seed(record domain.SlotRecord) domain.SlotRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = r.now()
	}
	r.items[record.ID] = record
	r.byKey[domain.SlotKey{TemplateID: record.TemplateID, BookingDate: record.BookingDate}] = record.ID
	return record
}

// Get возвращает запись слота или ErrSlotNotFound.
func (r *slotRecordRepositoryInMemory) Get(_ context.Context, id string) (domain.SlotRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.items[id]
	if !ok {
		return domain.SlotRecord{}, domain.ErrSlotNotFound
	}
	return record, nil
}

// FindForDate возвращает существующие записи для ключей; отсутствующие
// ключи молча пропускаются — отсутствие записи означает available.
func (r *slotRecordRepositoryInMemory) FindForDate(_ context.Context, keys []domain.SlotKey) ([]domain.SlotRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.SlotRecord, 0, len(keys))
	for _, key := range keys {
		if id, ok := r.byKey[key]; ok {
			result = append(result, r.items[id])
		}
	}
	return result, nil
}

// ReserveAll атомарно занимает все ключи: сначала проверяются все записи,
// затем применяются все изменения — частичный захват невозможен.
func (r *slotRecordRepositoryInMemory) ReserveAll(_ context.Context, keys []domain.SlotKey, operatorID, operatorSource string) ([]domain.SlotRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range keys {
		if id, ok := r.byKey[key]; ok {
			if r.items[id].Status != domain.SlotStatusAvailable {
				return nil, domain.ErrSlotsUnavailable
			}
		}
	}

	now := r.now()
	reserved := make([]domain.SlotRecord, 0, len(keys))
	for _, key := range keys {
		id, ok := r.byKey[key]
		if !ok {
			// Ленивое создание записи при первой попытке резервирования.
			id = uuid.NewString()
			r.byKey[key] = id
			r.items[id] = domain.SlotRecord{
				ID:          id,
				TemplateID:  key.TemplateID,
				BookingDate: key.BookingDate,
			}
		}
		record := r.items[id]
		record.Status = domain.SlotStatusLockedIn
		record.OperatorID = operatorID
		record.OperatorSource = operatorSource
		record.UpdatedAt = now
		r.items[id] = record
		reserved = append(reserved, record)
	}
	return reserved, nil
}

// ReleaseAll условно освобождает записи: locked_in → available только для
// указанного оператора (и fingerprint, если он ненулевой).
func (r *slotRecordRepositoryInMemory) ReleaseAll(_ context.Context, recordIDs []string, operatorID string, fingerprint time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	now := r.now()
	for _, id := range recordIDs {
		record, ok := r.items[id]
		if !ok {
			continue
		}
		if record.Status != domain.SlotStatusLockedIn || record.OperatorID != operatorID {
			continue
		}
		if !fingerprint.IsZero() && !record.UpdatedAt.Equal(fingerprint) {
			// Слот перезанят позже — не трогаем чужое занятие.
			continue
		}
		record.Status = domain.SlotStatusAvailable
		record.OperatorID = ""
		record.OperatorSource = ""
		record.UpdatedAt = now
		r.items[id] = record
		released++
	}
	return released, nil
}

// UnavailableOnDate возвращает записи с непустым статусом на дату.
func (r *slotRecordRepositoryInMemory) UnavailableOnDate(_ context.Context, bookingDate string) ([]domain.SlotRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.SlotRecord, 0)
	for _, record := range r.items {
		if record.BookingDate != bookingDate {
			continue
		}
		if record.Status == domain.SlotStatusAvailable {
			continue
		}
		result = append(result, record)
	}
	return result, nil
}

var _ domain.SlotRecordRepository = (*slotRecordRepositoryInMemory)(nil)
