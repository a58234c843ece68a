package kafka

import (
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
)

func TestProducer_PublishEvent(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)

	producer := &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-producer-test"),
	}

	mockProducer.ExpectSendMessageAndSucceed()

	event := NewOrderEvent(
		"msg-1",
		EventTypeOrderPaid,
		"order-123",
		"buyer-1",
		"paid",
		map[string]interface{}{"pay_amount_minor": 15000},
	)

	err := producer.PublishEvent(TopicOrderEvents, "order-123", event)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishEvent_Error(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)

	producer := &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-producer-test"),
	}

	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	event := NewOrderEvent("msg-2", EventTypeOrderCancelled, "order-123", "buyer-1", "cancelled", nil)

	err := producer.PublishEvent(TopicOrderEvents, "order-123", event)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewOrderEvent(t *testing.T) {
	orderNo := "order-123"
	buyerID := "buyer-1"
	status := "confirmed"
	metadata := map[string]interface{}{
		"pay_amount_minor": 1000,
	}

	event := NewOrderEvent("msg-3", EventTypeOrderConfirmed, orderNo, buyerID, status, metadata)

	if event.MessageID != "msg-3" {
		t.Errorf("expected message id msg-3, got %s", event.MessageID)
	}

	if event.EventType != EventTypeOrderConfirmed {
		t.Errorf("expected event type %s, got %s", EventTypeOrderConfirmed, event.EventType)
	}

	if event.OrderNo != orderNo {
		t.Errorf("expected order no %s, got %s", orderNo, event.OrderNo)
	}

	if event.BuyerID != buyerID {
		t.Errorf("expected buyer id %s, got %s", buyerID, event.BuyerID)
	}

	if event.Status != status {
		t.Errorf("expected status %s, got %s", status, event.Status)
	}

	if event.Timestamp.IsZero() {
		t.Error("timestamp should not be zero")
	}

	if time.Since(event.Timestamp) > time.Second {
		t.Error("timestamp should be close to current time")
	}
}
