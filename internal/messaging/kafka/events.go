// Package kafka издаёт наружный поток событий заказов. Внутренняя
// хореография саги живёт в RabbitMQ; Kafka — витрина для смежных
// сервисов (уведомления, аналитика).
package kafka

import "time"

// EventType определяет тип события
type EventType string

const (
	EventTypeOrderCreated   EventType = "order.created"
	EventTypeOrderPaid      EventType = "order.paid"
	EventTypeOrderConfirmed EventType = "order.confirmed"
	EventTypeOrderCompleted EventType = "order.completed"
	EventTypeOrderCancelled EventType = "order.cancelled"
	EventTypeOrderRefunded  EventType = "order.refunded"

	EventTypeSlotReserved EventType = "slot.reserved"
	EventTypeSlotReleased EventType = "slot.released"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "vbs.order.events"
	TopicDeadLetterQueue = "vbs.dlq"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// OrderEvent представляет событие заказа. MessageID — стабильный ключ
// дедупликации: потребители при повторной доставке отбрасывают дубль по нему.
type OrderEvent struct {
	MessageID string                 `json:"message_id"`
	EventType EventType              `json:"event_type"`
	OrderNo   string                 `json:"order_no"`
	BuyerID   string                 `json:"buyer_id"`
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewOrderEvent создает новое событие заказа
func NewOrderEvent(messageID string, eventType EventType, orderNo, buyerID, status string, metadata map[string]interface{}) *OrderEvent {
	return &OrderEvent{
		MessageID: messageID,
		EventType: eventType,
		OrderNo:   orderNo,
		BuyerID:   buyerID,
		Status:    status,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
}
