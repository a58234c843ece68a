package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

// Publisher издаёт сообщения саги в RabbitMQ. Потокобезопасность
// обеспечивается отдельным каналом: amqp091 каналы не конкурентны,
// поэтому издатель держит собственный.
type Publisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *log.Entry
}

var _ domain.EventPublisher = (*Publisher)(nil)

// NewPublisher подключается к брокеру и объявляет топологию шагов.
func NewPublisher(url string, logger *log.Logger) (*Publisher, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := DeclareTopology(ch, AllSteps()); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare topology: %w", err)
	}

	return &Publisher{
		conn:   conn,
		ch:     ch,
		logger: logger.WithField("component", "rabbit_publisher"),
	}, nil
}

// Publish издаёт сообщение в основной exchange для немедленной доставки.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	err = p.ch.PublishWithContext(ctx, MainExchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	p.logger.WithField("routing_key", routingKey).Debug("Message published")
	return nil
}

// PublishDelayed издаёт сообщение, которое станет видимым потребителю
// не раньше чем через delay. Реализовано через delay-очередь с TTL на
// сообщении: очередь FIFO, поэтому сообщение с меньшим TTL может ждать
// за сообщением с большим — шаги с разнородными задержками должны это
// учитывать при выборе routing key.
func (p *Publisher) PublishDelayed(ctx context.Context, routingKey string, payload any, delay time.Duration) error {
	if delay <= 0 {
		return p.Publish(ctx, routingKey, payload)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	err = p.ch.PublishWithContext(ctx, DelayExchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish delayed %s: %w", routingKey, err)
	}

	p.logger.WithFields(log.Fields{
		"routing_key": routingKey,
		"delay":       delay.String(),
	}).Debug("Delayed message published")
	return nil
}

// Close закрывает канал и соединение издателя.
func (p *Publisher) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return fmt.Errorf("close channel: %w", err)
	}
	return p.conn.Close()
}
