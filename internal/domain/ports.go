package domain

import (
	"context"
	"time"
)

// PriceProvider — read-контракт прайс-движка: цена за каждый слот в
// минимальных денежных единицах. Порядок цен соответствует порядку шаблонов.
type PriceProvider interface {
	Quote(ctx context.Context, sellerType string, bookingDate string, templates []SlotTemplate) ([]int64, error)
}

// RefundRequest — запрос возврата платёжному шлюзу.
type RefundRequest struct {
	OrderNo     string
	TradeNo     string
	AmountMinor int64
	// OrderCancelled помечает компенсирующий возврат после гонки
	// "оплата пришла к уже отменённому заказу".
	OrderCancelled bool
	Reason         string
}

// RefundGateway описывает взаимодействие с платёжным шлюзом по возвратам.
// Подтверждение приходит асинхронно сообщением PaymentRefundSuccess.
type RefundGateway interface {
	RequestRefund(ctx context.Context, req RefundRequest) error
}

// EventPublisher публикует сообщения саги в брокер.
type EventPublisher interface {
	// Publish отправляет сообщение с немедленной доставкой.
	Publish(ctx context.Context, routingKey string, payload any) error
	// PublishDelayed отправляет сообщение, которое будет доставлено
	// консьюмеру не раньше, чем через delay.
	PublishDelayed(ctx context.Context, routingKey string, payload any, delay time.Duration) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxMessage хранит данные для публикуемого события.
// ID сообщения — стабильный ключ дедупликации для сервиса уведомлений.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
