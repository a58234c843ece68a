package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

func makeOrder(orderNo string) domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		OrderNo:        orderNo,
		BuyerID:        "buyer-1",
		SellerID:       "seller-1",
		SellerType:     "venue",
		Status:         domain.OrderStatusPending,
		PaymentStatus:  domain.PaymentStatusUnpaid,
		PayAmountMinor: 1000,
		Items: []domain.OrderItem{
			{ID: "item-1", OrderNo: orderNo, SlotRecordID: "rec-1", TemplateID: 5,
				BookingDate: "2026-02-01", StartTime: "10:00", EndTime: "11:00", PriceMinor: 1000},
		},
		PendingExpiresAt: now.Add(15 * time.Minute),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestOrderRepository_CreateAndGet(t *testing.T) {
	repo := NewOrderRepository(nil)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, makeOrder("o-1")))
	require.ErrorIs(t, repo.Create(ctx, makeOrder("o-1")), domain.ErrOrderExists)

	order, err := repo.Get(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, order.Status)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestOrderRepository_TransitionCAS(t *testing.T) {
	logs := NewStatusLogRepository()
	repo := NewOrderRepository(logs)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, makeOrder("o-1")))

	updated, err := repo.Transition(ctx, domain.StatusTransition{
		OrderNo:      "o-1",
		From:         []domain.OrderStatus{domain.OrderStatusPending},
		To:           domain.OrderStatusPaid,
		Mutate:       func(o *domain.Order) { o.PaymentStatus = domain.PaymentStatusPaid; o.TradeNo = "t-1" },
		Action:       "payment_success",
		OperatorType: domain.OperatorTypeSystem,
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPaid, updated.Status)
	require.Equal(t, domain.PaymentStatusPaid, updated.PaymentStatus)
	require.Equal(t, "t-1", updated.TradeNo)
	require.EqualValues(t, 1, updated.Version)

	// повторный переход из того же множества предшественников не срабатывает
	current, err := repo.Transition(ctx, domain.StatusTransition{
		OrderNo: "o-1",
		From:    []domain.OrderStatus{domain.OrderStatusPending},
		To:      domain.OrderStatusPaid,
	})
	require.ErrorIs(t, err, domain.ErrStatusConflict)
	require.Equal(t, domain.OrderStatusPaid, current.Status)

	// аудит пишется атомарно с переходом — ровно одна запись
	entries, err := logs.List(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.OrderStatusPending, entries[0].OldStatus)
	require.Equal(t, domain.OrderStatusPaid, entries[0].NewStatus)
	require.Equal(t, "payment_success", entries[0].Action)
}

func TestOrderRepository_ListPendingExpired(t *testing.T) {
	repo := NewOrderRepository(nil)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := makeOrder("o-old")
	expired.PendingExpiresAt = now.Add(-time.Minute)
	fresh := makeOrder("o-new")
	fresh.PendingExpiresAt = now.Add(time.Hour)
	paid := makeOrder("o-paid")
	paid.PendingExpiresAt = now.Add(-time.Minute)

	require.NoError(t, repo.Create(ctx, expired))
	require.NoError(t, repo.Create(ctx, fresh))
	require.NoError(t, repo.Create(ctx, paid))
	_, err := repo.Transition(ctx, domain.StatusTransition{
		OrderNo: "o-paid",
		From:    []domain.OrderStatus{domain.OrderStatusPending},
		To:      domain.OrderStatusPaid,
		Mutate:  func(o *domain.Order) { o.PaymentStatus = domain.PaymentStatusPaid },
	})
	require.NoError(t, err)

	orders, err := repo.ListPendingExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, "o-old", orders[0].OrderNo)
}

func TestOrderRepository_ListCompletableOverdue(t *testing.T) {
	repo := NewOrderRepository(nil)
	ctx := context.Background()

	// Слот закончился до среза — заказ завершаем.
	overdue := makeOrder("o-overdue")
	overdue.Status = domain.OrderStatusPaid
	overdue.PaymentStatus = domain.PaymentStatusPaid
	overdue.Items[0].BookingDate = "2026-02-01"
	overdue.Items[0].EndTime = "11:00"

	// Последний слот позже среза: сравнивается максимум по позициям.
	running := makeOrder("o-running")
	running.Status = domain.OrderStatusPaid
	running.PaymentStatus = domain.PaymentStatusPaid
	running.Items = append(running.Items, domain.OrderItem{
		ID: "item-2", OrderNo: "o-running", SlotRecordID: "rec-2", TemplateID: 6,
		BookingDate: "2026-02-01", StartTime: "18:00", EndTime: "19:00", PriceMinor: 1000,
	})

	// Незавершаемые статусы пропускаются независимо от времени слота.
	pending := makeOrder("o-pending")
	refunding := makeOrder("o-refunding")
	refunding.Status = domain.OrderStatusRefunding
	refunding.PaymentStatus = domain.PaymentStatusPaid

	for _, order := range []domain.Order{overdue, running, pending, refunding} {
		require.NoError(t, repo.Create(ctx, order))
	}

	orders, err := repo.ListCompletableOverdue(ctx, "2026-02-01 12:00", 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, "o-overdue", orders[0].OrderNo)

	// limit обрезает выборку.
	second := makeOrder("o-another")
	second.Status = domain.OrderStatusConfirmed
	second.PaymentStatus = domain.PaymentStatusPaid
	require.NoError(t, repo.Create(ctx, second))

	orders, err = repo.ListCompletableOverdue(ctx, "2026-02-01 12:00", 1)
	require.NoError(t, err)
	require.Len(t, orders, 1)
}
