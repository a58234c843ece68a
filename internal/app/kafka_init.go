package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/vbs/internal/messaging/kafka"
)

// initKafkaProducer создаёт producer для потока событий заказов.
// Пустой brokers — это выключенная Kafka: возвращается nil без ошибки,
// outbox-воркер в этом случае не запускается.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := splitBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

func splitBrokers(raw string) []string {
	parts := strings.Split(raw, ",")
	brokers := make([]string, 0, len(parts))
	for _, part := range parts {
		if broker := strings.TrimSpace(part); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// closeKafka закрывает producer; nil означает, что Kafka не настроена.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}
