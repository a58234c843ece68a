package app

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/vbs/internal/messaging/rabbit"
)

// noopPublisher подменяет брокер, когда RabbitMQ не настроен. Сообщения
// саги уходят в лог; просроченные pending-заказы в этом режиме добирает
// sweeper.
type noopPublisher struct {
	logger *log.Entry
}

func (p noopPublisher) Publish(_ context.Context, routingKey string, _ any) error {
	p.logger.WithField("routing_key", routingKey).Warn("rabbitmq is not configured, dropping saga message")
	return nil
}

func (p noopPublisher) PublishDelayed(_ context.Context, routingKey string, _ any, delay time.Duration) error {
	p.logger.WithFields(log.Fields{
		"routing_key": routingKey,
		"delay":       delay,
	}).Warn("rabbitmq is not configured, dropping delayed saga message")
	return nil
}

// buildConsumers создаёт по потребителю на каждый шаг саги, для которого
// есть обработчик.
func buildConsumers(conn *amqp.Connection, handlers map[string]rabbit.Handler, workers int, logger *log.Logger) []*rabbit.Consumer {
	steps := rabbit.AllSteps()
	consumers := make([]*rabbit.Consumer, 0, len(steps))
	for _, step := range steps {
		handler, ok := handlers[step.Name]
		if !ok {
			continue
		}
		consumers = append(consumers, rabbit.NewConsumer(conn, step, handler, workers, logger))
	}
	return consumers
}

// shutdownOutboxWorker останавливает outbox-воркер и ждёт его завершения.
func shutdownOutboxWorker(cancel func(), done <-chan struct{}, logger *log.Entry) {
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info("outbox worker stopped")
	case <-time.After(5 * time.Second):
		logger.Warn("outbox worker did not stop in time")
	}
}
