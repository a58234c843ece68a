package booking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
	"github.com/vladislavdragonenkov/vbs/internal/lock"
	"github.com/vladislavdragonenkov/vbs/internal/service/booking"
	"github.com/vladislavdragonenkov/vbs/internal/storage/memory"
)

type stubPriceProvider struct {
	priceMinor int64
	err        error
}

func (p *stubPriceProvider) Quote(_ context.Context, _ string, _ string, templates []domain.SlotTemplate) ([]int64, error) {
	if p.err != nil {
		return nil, p.err
	}
	prices := make([]int64, len(templates))
	for i := range prices {
		prices[i] = p.priceMinor
	}
	return prices, nil
}

type stubPublisher struct {
	mu      sync.Mutex
	delayed []string
	err     error
}

func (p *stubPublisher) Publish(_ context.Context, routingKey string, _ any) error {
	return p.err
}

func (p *stubPublisher) PublishDelayed(_ context.Context, routingKey string, _ any, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.delayed = append(p.delayed, routingKey)
	return nil
}

type failingOrderRepository struct {
	domain.OrderRepository
}

func (r *failingOrderRepository) Create(_ context.Context, _ domain.Order) error {
	return errors.New("database unavailable")
}

type env struct {
	records   domain.SlotRecordRepository
	orders    domain.OrderRepository
	outbox    domain.OutboxRepository
	publisher *stubPublisher
	service   *booking.Service
}

func newEnv(t *testing.T, templates ...domain.SlotTemplate) *env {
	t.Helper()
	if len(templates) == 0 {
		templates = []domain.SlotTemplate{
			{ID: 1, CourtID: 10, StartTime: "10:00", EndTime: "11:00"},
			{ID: 2, CourtID: 10, StartTime: "11:00", EndTime: "12:00"},
			{ID: 3, CourtID: 20, StartTime: "10:00", EndTime: "11:00"},
		}
	}
	records := memory.NewSlotRecordRepository()
	orders := memory.NewOrderRepository(memory.NewStatusLogRepository())
	outbox := memory.NewOutboxRepository()
	publisher := &stubPublisher{}
	svc := booking.NewService(
		memory.NewSlotTemplateRepository(templates...),
		records,
		orders,
		outbox,
		lock.NewMemoryLocker(),
		&stubPriceProvider{priceMinor: 5000},
		publisher,
		booking.WithMetrics(nil),
	)
	return &env{records: records, orders: orders, outbox: outbox, publisher: publisher, service: svc}
}

func reserveRequest(templateIDs ...int64) booking.ReserveRequest {
	return booking.ReserveRequest{
		BuyerID:        "buyer-1",
		SellerID:       "seller-1",
		SellerType:     "merchant",
		BookingDate:    "2026-09-01",
		TemplateIDs:    templateIDs,
		OperatorSource: "order",
	}
}

func TestReserveCreatesPendingOrder(t *testing.T) {
	e := newEnv(t)

	order, err := e.service.Reserve(context.Background(), reserveRequest(1, 2))
	require.NoError(t, err)

	require.Equal(t, domain.OrderStatusPending, order.Status)
	require.Equal(t, domain.PaymentStatusUnpaid, order.PaymentStatus)
	require.Len(t, order.Items, 2)
	require.Equal(t, int64(10000), order.PayAmountMinor)
	require.False(t, order.PendingExpiresAt.IsZero())

	stored, err := e.orders.Get(context.Background(), order.OrderNo)
	require.NoError(t, err)
	require.Equal(t, order.OrderNo, stored.OrderNo)

	occupied, err := e.records.UnavailableOnDate(context.Background(), "2026-09-01")
	require.NoError(t, err)
	require.Len(t, occupied, 2)
	for _, rec := range occupied {
		require.Equal(t, domain.SlotStatusLockedIn, rec.Status)
		require.Equal(t, "buyer-1", rec.OperatorID)
	}

	require.Equal(t, []string{"order.autocancel"}, e.publisher.delayed)

	pending, err := e.outbox.PullPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "OrderCreated", pending[0].EventType)
}

func TestReserveDeduplicatesTemplateIDs(t *testing.T) {
	e := newEnv(t)

	// Повтор шаблона в запросе не раздувает сумму и не дублирует позицию.
	order, err := e.service.Reserve(context.Background(), reserveRequest(1, 1))
	require.NoError(t, err)

	require.Len(t, order.Items, 1)
	require.Equal(t, int64(5000), order.PayAmountMinor)

	occupied, err := e.records.UnavailableOnDate(context.Background(), "2026-09-01")
	require.NoError(t, err)
	require.Len(t, occupied, 1)
}

func TestReserveRejectsOccupiedSlot(t *testing.T) {
	e := newEnv(t)

	_, err := e.service.Reserve(context.Background(), reserveRequest(1))
	require.NoError(t, err)

	_, err = e.service.Reserve(context.Background(), reserveRequest(1, 2))
	require.ErrorIs(t, err, domain.ErrSlotsUnavailable)

	// Отказ по одному ключу не должен занять второй.
	occupied, err := e.records.UnavailableOnDate(context.Background(), "2026-09-01")
	require.NoError(t, err)
	require.Len(t, occupied, 1)
	require.Equal(t, int64(1), occupied[0].TemplateID)
}

func TestReserveValidation(t *testing.T) {
	e := newEnv(t)

	_, err := e.service.Reserve(context.Background(), booking.ReserveRequest{
		BookingDate: "2026-09-01",
		TemplateIDs: []int64{1},
	})
	require.ErrorIs(t, err, domain.ErrBuyerRequired)

	_, err = e.service.Reserve(context.Background(), booking.ReserveRequest{
		BuyerID:     "buyer-1",
		BookingDate: "2026-09-01",
	})
	require.ErrorIs(t, err, domain.ErrItemsRequired)

	req := reserveRequest(1)
	req.BookingDate = "01.09.2026"
	_, err = e.service.Reserve(context.Background(), req)
	require.Error(t, err)
}

func TestReserveCompensatesWhenCreateFails(t *testing.T) {
	e := newEnv(t)
	svc := booking.NewService(
		memory.NewSlotTemplateRepository(
			domain.SlotTemplate{ID: 1, CourtID: 10, StartTime: "10:00", EndTime: "11:00"},
		),
		e.records,
		&failingOrderRepository{},
		e.outbox,
		lock.NewMemoryLocker(),
		&stubPriceProvider{priceMinor: 5000},
		e.publisher,
		booking.WithMetrics(nil),
	)

	_, err := svc.Reserve(context.Background(), reserveRequest(1))
	require.Error(t, err)

	// Компенсация вернула слот в available.
	occupied, err := e.records.UnavailableOnDate(context.Background(), "2026-09-01")
	require.NoError(t, err)
	require.Empty(t, occupied)

	// Без заказа не должно быть ни события, ни автоотмены.
	pending, err := e.outbox.PullPending(10)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Empty(t, e.publisher.delayed)
}

func TestReserveConcurrentNoOversell(t *testing.T) {
	e := newEnv(t)

	const workers = 50
	var (
		wg        sync.WaitGroup
		successMu sync.Mutex
		succeeded []domain.Order
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req := reserveRequest(1, 2)
			req.BuyerID = string(rune('a'+n%26)) + "-buyer"
			order, err := e.service.Reserve(context.Background(), req)
			if err == nil {
				successMu.Lock()
				succeeded = append(succeeded, order)
				successMu.Unlock()
				return
			}
			if !domain.IsBusinessRejection(err) && !domain.IsLockContended(err) {
				t.Errorf("unexpected reserve error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, succeeded, 1, "exactly one reservation must win")

	occupied, err := e.records.UnavailableOnDate(context.Background(), "2026-09-01")
	require.NoError(t, err)
	require.Len(t, occupied, 2)
	for _, rec := range occupied {
		require.Equal(t, succeeded[0].BuyerID, rec.OperatorID)
	}
}

func TestFilterBookable(t *testing.T) {
	e := newEnv(t,
		domain.SlotTemplate{ID: 1, CourtID: 10, StartTime: "10:00", EndTime: "11:30"},
		domain.SlotTemplate{ID: 2, CourtID: 10, StartTime: "11:00", EndTime: "12:00"},
		domain.SlotTemplate{ID: 3, CourtID: 10, StartTime: "12:00", EndTime: "13:00"},
		domain.SlotTemplate{ID: 4, CourtID: 20, StartTime: "10:00", EndTime: "11:00"},
	)

	_, err := e.service.Reserve(context.Background(), reserveRequest(1))
	require.NoError(t, err)

	candidates := []domain.SlotTemplate{
		{ID: 1, CourtID: 10, StartTime: "10:00", EndTime: "11:30"},
		{ID: 2, CourtID: 10, StartTime: "11:00", EndTime: "12:00"},
		{ID: 3, CourtID: 10, StartTime: "12:00", EndTime: "13:00"},
		{ID: 4, CourtID: 20, StartTime: "10:00", EndTime: "11:00"},
	}
	bookable, err := e.service.FilterBookable(context.Background(), "2026-09-01", candidates)
	require.NoError(t, err)

	// Слот 1 занят, слот 2 пересекается с ним по времени на том же корте.
	ids := make([]int64, 0, len(bookable))
	for _, tpl := range bookable {
		ids = append(ids, tpl.ID)
	}
	require.ElementsMatch(t, []int64{3, 4}, ids)
}

func TestReleaseSlotsIsConditional(t *testing.T) {
	e := newEnv(t)

	order, err := e.service.Reserve(context.Background(), reserveRequest(1, 2))
	require.NoError(t, err)

	// Чужой оператор не снимает бронь.
	released, err := e.service.ReleaseSlots(context.Background(), order.SlotRecordIDs(), "intruder")
	require.NoError(t, err)
	require.Zero(t, released)

	released, err = e.service.ReleaseSlots(context.Background(), order.SlotRecordIDs(), "buyer-1")
	require.NoError(t, err)
	require.Equal(t, 2, released)

	// Повторный вызов идемпотентен.
	released, err = e.service.ReleaseSlots(context.Background(), order.SlotRecordIDs(), "buyer-1")
	require.NoError(t, err)
	require.Zero(t, released)
}
