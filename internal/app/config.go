package app

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Поддерживаемые драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска приложения. Все поля читаются из
// окружения с префиксом VBS_ (VBS_GRPC_ADDR, VBS_STORAGE_DRIVER и т.д.).
type Config struct {
	GRPCAddr    string `envconfig:"GRPC_ADDR" default:":50051"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	StorageDriver       string `envconfig:"STORAGE_DRIVER" default:"memory"`
	PostgresDSN         string `envconfig:"POSTGRES_DSN"`
	PostgresAutoMigrate bool   `envconfig:"POSTGRES_AUTO_MIGRATE" default:"true"`

	// RabbitURL пустой — потребители саги не запускаются, а издаваемые
	// сообщения уходят в лог. Режим для локальной разработки.
	RabbitURL       string `envconfig:"RABBIT_URL"`
	ConsumerWorkers int    `envconfig:"CONSUMER_WORKERS" default:"4"`

	// KafkaBrokers пустой — внешний поток событий отключён, outbox-воркер
	// не запускается и события копятся в статусе pending.
	KafkaBrokers  string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic    string `envconfig:"KAFKA_TOPIC" default:"vbs.order.events"`
	KafkaDLQTopic string `envconfig:"KAFKA_DLQ_TOPIC" default:"vbs.dlq"`

	// KafkaConsumerGroup — группа встроенного потребителя уведомлений.
	KafkaConsumerGroup string `envconfig:"KAFKA_CONSUMER_GROUP" default:"vbs-notifications"`

	PendingTTL           time.Duration `envconfig:"PENDING_TTL" default:"15m"`
	CompleteRecheckDelay time.Duration `envconfig:"COMPLETE_RECHECK_DELAY" default:"30m"`

	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"1s"`
	OutboxBatchSize    int           `envconfig:"OUTBOX_BATCH_SIZE" default:"100"`
	OutboxMaxAttempts  int           `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"3"`
	OutboxRetryDelay   time.Duration `envconfig:"OUTBOX_RETRY_DELAY" default:"200ms"`

	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	SweepBatchSize int           `envconfig:"SWEEP_BATCH_SIZE" default:"200"`

	LockSweepInterval time.Duration `envconfig:"LOCK_SWEEP_INTERVAL" default:"30s"`

	BasePriceMinor int64 `envconfig:"BASE_PRICE_MINOR" default:"5000"`
}

// DefaultConfig возвращает конфигурацию по умолчанию, без чтения окружения.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:             ":50051",
		HTTPAddr:             ":8080",
		MetricsAddr:          ":9090",
		StorageDriver:        StorageDriverMemory,
		PostgresAutoMigrate:  true,
		ConsumerWorkers:      4,
		KafkaTopic:           "vbs.order.events",
		KafkaDLQTopic:        "vbs.dlq",
		KafkaConsumerGroup:   "vbs-notifications",
		PendingTTL:           15 * time.Minute,
		CompleteRecheckDelay: 30 * time.Minute,
		OutboxPollInterval:   time.Second,
		OutboxBatchSize:      100,
		OutboxMaxAttempts:    3,
		OutboxRetryDelay:     200 * time.Millisecond,
		SweepInterval:        time.Minute,
		SweepBatchSize:       200,
		LockSweepInterval:    30 * time.Second,
		BasePriceMinor:       5000,
	}
}

// LoadConfig читает конфигурацию из переменных окружения VBS_*.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("vbs", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
