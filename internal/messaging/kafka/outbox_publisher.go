package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

// eventEnvelope — формат сообщения в топике событий заказов.
// Payload несет исходное доменное событие как есть.
type eventEnvelope struct {
	MessageID     string          `json:"message_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// OutboxTopicPublisher публикует outbox-сообщения в заданный Kafka topic.
// Один и тот же тип обслуживает и основной поток событий, и DLQ.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
// Пустой topic означает основной поток событий заказов.
func NewOutboxPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
	}
}

// Publish заворачивает outbox-сообщение в конверт и отправляет в топик.
// Ключ партиционирования — aggregate_id, чтобы события одного заказа
// сохраняли порядок.
func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	envelope := eventEnvelope{
		MessageID:     event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishedAt:   time.Now().UTC(),
	}

	return p.producer.PublishEvent(p.topic, partitionKey(event), envelope)
}

func partitionKey(event domain.OutboxMessage) string {
	if event.AggregateID != "" {
		return event.AggregateID
	}
	return event.ID
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
