package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

func keys(date string, templateIDs ...int64) []domain.SlotKey {
	result := make([]domain.SlotKey, 0, len(templateIDs))
	for _, id := range templateIDs {
		result = append(result, domain.SlotKey{TemplateID: id, BookingDate: date})
	}
	return result
}

func TestSlotRecordReserveAll_LazyCreate(t *testing.T) {
	repo := NewSlotRecordRepository()
	ctx := context.Background()

	reserved, err := repo.ReserveAll(ctx, keys("2026-02-01", 5, 6), "buyer-1", "order")
	require.NoError(t, err)
	require.Len(t, reserved, 2)

	for _, rec := range reserved {
		require.Equal(t, domain.SlotStatusLockedIn, rec.Status)
		require.Equal(t, "buyer-1", rec.OperatorID)
		require.NotEmpty(t, rec.ID)
	}
}

func TestSlotRecordReserveAll_AllOrNothing(t *testing.T) {
	repo := NewSlotRecordRepository()
	ctx := context.Background()

	_, err := repo.ReserveAll(ctx, keys("2026-02-01", 6), "buyer-1", "order")
	require.NoError(t, err)

	// шаблон 6 занят — вся партия отклоняется
	_, err = repo.ReserveAll(ctx, keys("2026-02-01", 5, 6, 7), "buyer-2", "order")
	require.ErrorIs(t, err, domain.ErrSlotsUnavailable)

	// свободные слоты неудавшейся партии не остались занятыми
	found, err := repo.FindForDate(ctx, keys("2026-02-01", 5, 7))
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestSlotRecordReserveAll_ConcurrentSingleWinner(t *testing.T) {
	repo := NewSlotRecordRepository()
	ctx := context.Background()

	const attempts = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.ReserveAll(ctx, keys("2026-02-01", 5), "buyer", "order"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, winners, "at most one concurrent reservation may observe success")
}

func TestSlotRecordReleaseAll_Conditional(t *testing.T) {
	repo := NewSlotRecordRepository()
	ctx := context.Background()

	reserved, err := repo.ReserveAll(ctx, keys("2026-02-01", 5), "buyer-1", "order")
	require.NoError(t, err)
	recordID := reserved[0].ID

	// чужой оператор не освобождает слот
	released, err := repo.ReleaseAll(ctx, []string{recordID}, "buyer-2", time.Time{})
	require.NoError(t, err)
	require.Zero(t, released)

	released, err = repo.ReleaseAll(ctx, []string{recordID}, "buyer-1", time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, released)

	rec, err := repo.Get(ctx, recordID)
	require.NoError(t, err)
	require.Equal(t, domain.SlotStatusAvailable, rec.Status)
	require.Empty(t, rec.OperatorID)

	// повторный unlock — идемпотентный no-op
	released, err = repo.ReleaseAll(ctx, []string{recordID}, "buyer-1", time.Time{})
	require.NoError(t, err)
	require.Zero(t, released)
}

func TestSlotRecordReleaseAll_FingerprintGuard(t *testing.T) {
	repo := NewSlotRecordRepository()
	ctx := context.Background()

	reserved, err := repo.ReserveAll(ctx, keys("2026-02-01", 5), "buyer-1", "order")
	require.NoError(t, err)
	recordID := reserved[0].ID
	staleFingerprint := reserved[0].UpdatedAt

	// слот освободили и перезаняли: эпизод занятия сменился
	_, err = repo.ReleaseAll(ctx, []string{recordID}, "buyer-1", time.Time{})
	require.NoError(t, err)
	repo.now = func() time.Time { return time.Now().UTC().Add(time.Second) }
	_, err = repo.ReserveAll(ctx, keys("2026-02-01", 5), "buyer-1", "order")
	require.NoError(t, err)

	// запоздавшее сообщение со старым fingerprint не затирает новое занятие
	released, err := repo.ReleaseAll(ctx, []string{recordID}, "buyer-1", staleFingerprint)
	require.NoError(t, err)
	require.Zero(t, released)

	rec, err := repo.Get(ctx, recordID)
	require.NoError(t, err)
	require.Equal(t, domain.SlotStatusLockedIn, rec.Status)
}

func TestSlotRecordUnavailableOnDate(t *testing.T) {
	repo := NewSlotRecordRepository()
	ctx := context.Background()

	repo.Seed(domain.SlotRecord{TemplateID: 1, BookingDate: "2026-02-01", Status: domain.SlotStatusLockedIn, OperatorID: "b"})
	repo.Seed(domain.SlotRecord{TemplateID: 2, BookingDate: "2026-02-01", Status: domain.SlotStatusUnavailable})
	repo.Seed(domain.SlotRecord{TemplateID: 3, BookingDate: "2026-02-01", Status: domain.SlotStatusAvailable})
	repo.Seed(domain.SlotRecord{TemplateID: 4, BookingDate: "2026-02-02", Status: domain.SlotStatusLockedIn, OperatorID: "b"})

	records, err := repo.UnavailableOnDate(ctx, "2026-02-01")
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		require.NotEqual(t, domain.SlotStatusAvailable, rec.Status)
		require.Equal(t, "2026-02-01", rec.BookingDate)
	}
}
