package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/vbs/internal/messaging/kafka"
)

func orderEvent(messageID string) *kafka.OrderEvent {
	return kafka.NewOrderEvent(messageID, kafka.EventTypeOrderPaid, "VB-1", "buyer-1", "paid", nil)
}

func TestDispatchDeduplicatesByMessageID(t *testing.T) {
	var delivered int
	d := NewDispatcher([]Notifier{
		func(context.Context, kafka.OrderEvent) error {
			delivered++
			return nil
		},
	})

	event := orderEvent("msg-1")
	if err := d.Dispatch(context.Background(), event); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if err := d.Dispatch(context.Background(), event); err != nil {
		t.Fatalf("duplicate dispatch: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
}

func TestDispatchRetriesAfterNotifierFailure(t *testing.T) {
	var delivered int
	fail := true
	d := NewDispatcher([]Notifier{
		func(context.Context, kafka.OrderEvent) error {
			if fail {
				return errors.New("smtp down")
			}
			delivered++
			return nil
		},
	})

	event := orderEvent("msg-2")
	if err := d.Dispatch(context.Background(), event); err == nil {
		t.Fatal("expected notifier error")
	}

	// message_id помечается только после успеха: redelivery не дубль.
	fail = false
	if err := d.Dispatch(context.Background(), event); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected 1 delivery after retry, got %d", delivered)
	}
}

func TestDispatchIgnoresEmptyEvent(t *testing.T) {
	var delivered int
	d := NewDispatcher([]Notifier{
		func(context.Context, kafka.OrderEvent) error {
			delivered++
			return nil
		},
	})

	if err := d.Dispatch(context.Background(), nil); err != nil {
		t.Fatalf("nil event: %v", err)
	}
	if err := d.Dispatch(context.Background(), &kafka.OrderEvent{}); err != nil {
		t.Fatalf("empty event: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("expected no deliveries, got %d", delivered)
	}
}

func TestDedupWindowEvictsOldest(t *testing.T) {
	var delivered int
	d := NewDispatcher([]Notifier{
		func(context.Context, kafka.OrderEvent) error {
			delivered++
			return nil
		},
	}, WithDedupWindow(2))

	for _, id := range []string{"a", "b", "c"} {
		if err := d.Dispatch(context.Background(), orderEvent(id)); err != nil {
			t.Fatalf("dispatch %s: %v", id, err)
		}
	}

	// "a" вытеснен из окна и проходит заново.
	if err := d.Dispatch(context.Background(), orderEvent("a")); err != nil {
		t.Fatalf("dispatch evicted id: %v", err)
	}
	if delivered != 4 {
		t.Fatalf("expected 4 deliveries, got %d", delivered)
	}
}
