package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// MessageHandler обрабатывает одно сообщение из Kafka.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// Consumer читает топики потока событий в составе consumer group.
// Упавшие сообщения повторяются на месте; исчерпавшие попытки уходят
// в DLQ-топик, если задан dlqProducer.
type Consumer struct {
	consumer    sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	wg          sync.WaitGroup
	dlqProducer *Producer
	maxRetries  int
	retryDelay  time.Duration
}

// consumerDLQEnvelope — формат сообщения в DLQ-топике. Поля original_*
// читает dlq-reprocess при повторной публикации.
type consumerDLQEnvelope struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
}

// NewConsumer создает consumer без DLQ с тремя попытками на сообщение.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler) (*Consumer, error) {
	return NewConsumerWithDLQ(brokers, groupID, topics, handler, nil, 3)
}

// NewConsumerWithDLQ создает consumer, который после maxRetries попыток
// отправляет сообщение в DLQ-топик через dlqProducer.
func NewConsumerWithDLQ(brokers []string, groupID string, topics []string, handler MessageHandler, dlqProducer *Producer, maxRetries int) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		consumer:    group,
		topics:      topics,
		handler:     handler,
		logger:      log.WithField("component", "kafka-consumer"),
		dlqProducer: dlqProducer,
		maxRetries:  maxRetries,
		retryDelay:  time.Second,
	}, nil
}

// Start запускает фоновые горутины consumer'а и сразу возвращается.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go c.consumeLoop(ctx)
	go c.errorLoop()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// consumeLoop перезапускает Consume после каждого ребаланса группы.
func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
			c.logger.WithError(err).Error("error from consumer")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Consumer) errorLoop() {
	defer c.wg.Done()
	for err := range c.consumer.Errors() {
		c.logger.WithError(err).Error("consumer error")
	}
}

// Stop закрывает группу и дожидается фоновых горутин.
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup реализует sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup реализует sarama.ConsumerGroupHandler.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения одной партиции. Упавшее сообщение
// не маркируется: либо оно уже в DLQ, либо вернется после ребаланса.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			}).Debug("received message")

			if err := c.handleMessageWithRetry(session.Context(), message); err != nil {
				c.logger.WithError(err).WithFields(log.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("message processing failed after all retries")
				continue
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessageWithRetry повторяет обработку до maxRetries. Счёт попыток
// продолжается от заголовка x-retry-count предыдущих доставок, поэтому
// сообщение не зацикливается между redelivery и in-process retry.
func (c *Consumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	retryCount := c.getRetryCount(message)

	var err error
	for {
		if err = c.handler(ctx, message); err == nil {
			return nil
		}

		retryCount++
		if retryCount >= c.maxRetries {
			break
		}

		c.logger.WithFields(log.Fields{
			"topic":       message.Topic,
			"retry_count": retryCount,
			"max_retries": c.maxRetries,
		}).Warn("message processing failed, will retry")

		if c.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}

	if c.dlqProducer == nil {
		return err
	}

	if dlqErr := c.sendToDLQ(message, err); dlqErr != nil {
		c.logger.WithError(dlqErr).Error("failed to send message to DLQ")
		return fmt.Errorf("send to DLQ: %w", dlqErr)
	}
	c.logger.WithFields(log.Fields{
		"topic":       message.Topic,
		"retry_count": retryCount,
	}).Info("message sent to DLQ after max retries")
	return nil
}

// getRetryCount извлекает счётчик попыток из заголовков сообщения.
func (c *Consumer) getRetryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if string(header.Key) != HeaderRetryCount {
			continue
		}
		if count, err := strconv.Atoi(string(header.Value)); err == nil {
			return count
		}
	}
	return 0
}

// sendToDLQ публикует сообщение в DLQ-топик вместе с причиной ошибки
// и координатами исходного сообщения.
func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, processingErr error) error {
	envelope := consumerDLQEnvelope{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      processingErr.Error(),
		FailedAt:          time.Now().UTC().Format(time.RFC3339),
		RetryCount:        c.getRetryCount(message),
	}

	return c.dlqProducer.PublishEvent(TopicDeadLetterQueue, string(message.Key), envelope)
}

// ParseOrderEvent декодирует событие заказа из сообщения потока событий.
func ParseOrderEvent(message *sarama.ConsumerMessage) (*OrderEvent, error) {
	var event OrderEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("unmarshal order event: %w", err)
	}
	return &event, nil
}
