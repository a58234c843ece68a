package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// Producer публикует события бронирования в Kafka синхронно.
// Ключом сообщения служит order_id, так что события одного заказа
// попадают в одну партицию и сохраняют порядок.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
}

// NewProducer создает идемпотентный sync-producer для потока событий заказов.
func NewProducer(brokers []string) (*Producer, error) {
	config := sarama.NewConfig()
	config.ClientID = "vbs-producer"
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	// Идемпотентность требует не больше одного запроса в полете.
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		logger:   log.WithField("component", "kafka-producer"),
	}, nil
}

// PublishEvent сериализует событие и отправляет его в указанный топик.
func (p *Producer) PublishEvent(topic string, key string, event interface{}) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(eventData),
		Timestamp: time.Now(),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"topic": topic,
			"key":   key,
		}).Error("failed to send message to kafka")
		return fmt.Errorf("send message: %w", err)
	}

	p.logger.WithFields(log.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("message sent to kafka")

	return nil
}

// Close закрывает producer и дожидается отправки буферизованных сообщений.
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
