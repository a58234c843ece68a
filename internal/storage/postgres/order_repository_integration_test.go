package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

func sampleOrder(orderNo, buyerID string, createdAt time.Time) domain.Order {
	return domain.Order{
		OrderNo:          orderNo,
		BuyerID:          buyerID,
		SellerID:         "seller-1",
		SellerType:       "venue",
		Status:           domain.OrderStatusPending,
		PaymentStatus:    domain.PaymentStatusUnpaid,
		PayAmountMinor:   15000,
		PendingExpiresAt: createdAt.Add(15 * time.Minute),
		Items: []domain.OrderItem{
			{
				ID:           uuid.NewString(),
				OrderNo:      orderNo,
				SlotRecordID: uuid.NewString(),
				TemplateID:   101,
				BookingDate:  "2026-09-01",
				StartTime:    "19:00",
				EndTime:      "20:00",
				PriceMinor:   15000,
				CreatedAt:    createdAt,
			},
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestOrderRepository_PostgresCreateGetTransition(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderRepository(store)
	logs := NewStatusLogRepository(store)

	ctx := context.Background()
	now := time.Now().UTC().Round(time.Microsecond)
	order := sampleOrder("order-1", "buyer-1", now)

	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if err := repo.Create(ctx, order); !errors.Is(err, domain.ErrOrderExists) {
		t.Fatalf("expected ErrOrderExists for duplicate, got %v", err)
	}

	got, err := repo.Get(ctx, order.OrderNo)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.BuyerID != order.BuyerID || got.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected order payload: %+v", got)
	}
	if len(got.Items) != 1 || got.Items[0].TemplateID != 101 {
		t.Fatalf("unexpected items: %+v", got.Items)
	}

	paidAt := now.Add(time.Minute)
	updated, err := repo.Transition(ctx, domain.StatusTransition{
		OrderNo: order.OrderNo,
		From:    []domain.OrderStatus{domain.OrderStatusPending},
		To:      domain.OrderStatusPaid,
		Mutate: func(o *domain.Order) {
			o.PaymentStatus = domain.PaymentStatusPaid
			o.TradeNo = "trade-1"
			o.PaidAt = paidAt
		},
		Action:       "payment_success",
		OperatorType: domain.OperatorTypeSystem,
	})
	if err != nil {
		t.Fatalf("transition to paid: %v", err)
	}
	if updated.Status != domain.OrderStatusPaid || updated.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("unexpected order after transition: %+v", updated)
	}
	if updated.Version != order.Version+1 {
		t.Fatalf("unexpected version: got=%d want=%d", updated.Version, order.Version+1)
	}

	// Повторный переход из pending должен упасть CAS-предикатом и вернуть
	// актуальное состояние.
	current, err := repo.Transition(ctx, domain.StatusTransition{
		OrderNo:      order.OrderNo,
		From:         []domain.OrderStatus{domain.OrderStatusPending},
		To:           domain.OrderStatusPaid,
		Action:       "payment_success",
		OperatorType: domain.OperatorTypeSystem,
	})
	if !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	if current.Status != domain.OrderStatusPaid {
		t.Fatalf("expected current state with conflict, got %+v", current)
	}

	entries, err := logs.List(ctx, order.OrderNo)
	if err != nil {
		t.Fatalf("list status logs: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one audit entry, got %d", len(entries))
	}
	if entries[0].OldStatus != domain.OrderStatusPending || entries[0].NewStatus != domain.OrderStatusPaid {
		t.Fatalf("unexpected audit entry: %+v", entries[0])
	}
}

func TestOrderRepository_PostgresListPendingExpired(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderRepository(store)

	ctx := context.Background()
	now := time.Now().UTC().Round(time.Microsecond)

	expired := sampleOrder("order-expired", "buyer-1", now.Add(-time.Hour))
	expired.PendingExpiresAt = now.Add(-30 * time.Minute)
	fresh := sampleOrder("order-fresh", "buyer-1", now)
	fresh.PendingExpiresAt = now.Add(15 * time.Minute)

	for _, o := range []domain.Order{expired, fresh} {
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("create %s: %v", o.OrderNo, err)
		}
	}

	got, err := repo.ListPendingExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("list pending expired: %v", err)
	}
	if len(got) != 1 || got[0].OrderNo != expired.OrderNo {
		t.Fatalf("unexpected pending expired result: %+v", got)
	}

	if _, err := repo.Get(ctx, "missing-order"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderRepository_PostgresListCompletableOverdue(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderRepository(store)

	ctx := context.Background()
	now := time.Now().UTC().Round(time.Microsecond)

	overdue := sampleOrder("order-overdue", "buyer-1", now)
	overdue.Status = domain.OrderStatusPaid
	overdue.PaymentStatus = domain.PaymentStatusPaid
	overdue.Items[0].BookingDate = "2026-09-01"
	overdue.Items[0].EndTime = "11:00"

	// Сравнивается конец самого позднего слота заказа.
	running := sampleOrder("order-running", "buyer-1", now)
	running.Status = domain.OrderStatusPaid
	running.PaymentStatus = domain.PaymentStatusPaid
	running.Items = append(running.Items, domain.OrderItem{
		ID:           uuid.NewString(),
		OrderNo:      "order-running",
		SlotRecordID: uuid.NewString(),
		TemplateID:   102,
		BookingDate:  "2026-09-02",
		StartTime:    "19:00",
		EndTime:      "20:00",
		PriceMinor:   15000,
		CreatedAt:    now,
	})

	stillPending := sampleOrder("order-pending", "buyer-1", now)
	stillPending.Items[0].EndTime = "11:00"

	for _, o := range []domain.Order{overdue, running, stillPending} {
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("create %s: %v", o.OrderNo, err)
		}
	}

	got, err := repo.ListCompletableOverdue(ctx, "2026-09-01 12:00", 10)
	if err != nil {
		t.Fatalf("list completable overdue: %v", err)
	}
	if len(got) != 1 || got[0].OrderNo != overdue.OrderNo {
		t.Fatalf("unexpected completable overdue result: %+v", got)
	}
	if len(got[0].Items) != 1 {
		t.Fatalf("expected items loaded, got %+v", got[0].Items)
	}
}
