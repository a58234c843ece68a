package rabbit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

var consumeResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vbs_saga_messages_total",
	Help: "Consumed saga messages by step and outcome.",
}, []string{"step", "result"})

// Handler обрабатывает тело сообщения шага. Возврат nil подтверждает
// сообщение; ошибка запускает retry-цикл, Permanent-ошибка — сразу DLQ.
type Handler func(ctx context.Context, body []byte) error

// Consumer обслуживает основную очередь одного шага саги пулом воркеров.
// Доставка at-least-once: сообщение подтверждается только после того,
// как оно обработано либо гарантированно переиздано (retry или DLQ).
type Consumer struct {
	conn    *amqp.Connection
	step    Step
	handler Handler
	workers int
	logger  *log.Entry
}

// NewConsumer создаёт потребителя шага. workers задаёт ширину пула и
// prefetch канала; при workers <= 0 используется 1.
func NewConsumer(conn *amqp.Connection, step Step, handler Handler, workers int, logger *log.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Consumer{
		conn:    conn,
		step:    step,
		handler: handler,
		workers: workers,
		logger: logger.WithFields(log.Fields{
			"component": "rabbit_consumer",
			"step":      step.Name,
		}),
	}
}

// Run потребляет очередь шага до отмены контекста. Публикация retry/DLQ
// идёт через канал потребителя под мьютексом: amqp091 каналы не
// конкурентны.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.workers, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, c.step.QueueName(), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.step.QueueName(), err)
	}

	c.logger.WithField("workers", c.workers).Info("Consumer started")

	var pubMu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				c.process(ctx, ch, &pubMu, d)
			}
		}()
	}
	wg.Wait()

	c.logger.Info("Consumer stopped")
	return nil
}

func (c *Consumer) process(ctx context.Context, ch *amqp.Channel, pubMu *sync.Mutex, d amqp.Delivery) {
	err := c.handler(ctx, d.Body)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.WithError(ackErr).Error("Failed to ack message")
		}
		consumeResults.WithLabelValues(c.step.Name, "ok").Inc()
		return
	}

	attempt := retryCount(d.Headers)
	logger := c.logger.WithFields(log.Fields{
		"attempt": attempt,
		"error":   err.Error(),
	})

	var pubErr error
	switch decide(attempt, c.step.MaxRetries, err) {
	case actionRetry:
		pubMu.Lock()
		pubErr = c.publishRetry(ctx, ch, d, attempt+1)
		pubMu.Unlock()
		if pubErr == nil {
			logger.Warn("Message scheduled for retry")
			consumeResults.WithLabelValues(c.step.Name, "retry").Inc()
		}
	case actionDeadLetter:
		pubMu.Lock()
		pubErr = c.publishDeadLetter(ctx, ch, d, attempt, err)
		pubMu.Unlock()
		if pubErr == nil {
			logger.Error("Message moved to DLQ")
			consumeResults.WithLabelValues(c.step.Name, "dead_letter").Inc()
		}
	}

	if pubErr != nil {
		// Переиздать не удалось: вернуть сообщение брокеру, чтобы не
		// потерять его. Дубликат обработки допустим, потеря — нет.
		logger.WithError(pubErr).Error("Failed to republish message, requeueing")
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.WithError(nackErr).Error("Failed to nack message")
		}
		return
	}

	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.WithError(ackErr).Error("Failed to ack message after republish")
	}
}

func (c *Consumer) publishRetry(ctx context.Context, ch *amqp.Channel, d amqp.Delivery, attempt int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderRetryCount] = int32(attempt)

	return ch.PublishWithContext(ctx, RetryExchange, c.step.Name, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         d.Body,
	})
}

func (c *Consumer) publishDeadLetter(ctx context.Context, ch *amqp.Channel, d amqp.Delivery, attempt int, cause error) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderRetryCount] = int32(attempt)
	headers[HeaderOriginalRoutingKey] = c.step.Name
	headers[HeaderErrorMessage] = cause.Error()
	headers[HeaderFailedAt] = time.Now().UTC().Format(time.RFC3339)

	return ch.PublishWithContext(ctx, FinalExchange, DLQRoutingKey, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         d.Body,
	})
}
