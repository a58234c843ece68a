// dlq-reprocess перечитывает DLQ-топик и возвращает сообщения в рабочий
// поток событий. По умолчанию работает в dry-run: показывает кандидатов,
// ничего не публикуя; публикация включается флагом -execute.
//
// В DLQ попадают два формата: конверт consumer'а (original_topic/key/value)
// и конверт outbox-воркера (исходное событие плюс причина ошибки). Оба
// распаковываются до исходного сообщения перед повторной публикацией.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/vbs/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// replayMessage — исходное сообщение, восстановленное из DLQ-конверта.
type replayMessage struct {
	topic string
	key   string
	value []byte
}

// dlqConsumerEnvelope пишет sendToDLQ kafka-консьюмера.
type dlqConsumerEnvelope struct {
	OriginalTopic string `json:"original_topic"`
	OriginalKey   string `json:"original_key"`
	OriginalValue string `json:"original_value"`
}

// dlqOutboxEnvelope — внешний конверт outbox-воркера в DLQ.
type dlqOutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// dlqOutboxRecord — вложенный payload outbox-конверта с причиной ошибки.
type dlqOutboxRecord struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// republishEnvelope повторяет формат событий outbox-паблишера.
type republishEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type replayProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// consumerSourceAdapter сужает sarama.Consumer до partitionConsumerSource.
type consumerSourceAdapter struct {
	consumer sarama.Consumer
}

func (a consumerSourceAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return a.consumer.ConsumePartition(topic, partition, offset)
}

func (a consumerSourceAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

// replayProducerConfig совпадает с настройками основного продюсера сервиса,
// чтобы повторная публикация шла с теми же гарантиями.
func replayProducerConfig() *sarama.Config {
	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Compression = sarama.CompressionSnappy
	producerConfig.Producer.Idempotent = true
	producerConfig.Net.MaxOpenRequests = 1
	return producerConfig
}

// newReplayDependencies — var, чтобы подменять зависимости в тестах.
// В dry-run producer не создается вовсе.
var newReplayDependencies = func(cfg config) (offsetClient, partitionConsumerSource, replayProducer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	source := consumerSourceAdapter{consumer: rawConsumer}

	if !cfg.execute {
		return client, source, nil, nil
	}

	producer, err := sarama.NewSyncProducer(cfg.brokers, replayProducerConfig())
	if err != nil {
		_ = source.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return client, source, producer, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig()
	if err != nil {
		fail("%v", err)
	}

	if err := run(context.Background(), cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig() (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	flag.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: KAFKA_BROKERS)")
	flag.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic to read from")
	flag.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicOrderEvents, "topic to replay messages into")
	flag.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan/replay")
	flag.BoolVar(&cfg.execute, "execute", false, "publish replay candidates; default is dry-run")
	flag.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	flag.Parse()

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("KAFKA_BROKERS")
	}
	cfg.brokers = parseBrokers(brokersRaw)

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (cfg config) validate() error {
	switch {
	case len(cfg.brokers) == 0:
		return fmt.Errorf("kafka brokers are required (-brokers or KAFKA_BROKERS)")
	case strings.TrimSpace(cfg.sourceTopic) == "":
		return fmt.Errorf("source-topic is required")
	case strings.TrimSpace(cfg.targetTopic) == "":
		return fmt.Errorf("target-topic is required")
	case cfg.limit <= 0:
		return fmt.Errorf("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return fmt.Errorf("idle-timeout must be > 0")
	}
	return nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"limit":        cfg.limit,
		"execute":      cfg.execute,
		"from_newest":  cfg.fromNewest,
	}).Info("starting dlq replay")

	client, consumer, producer, err := newReplayDependencies(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if producer != nil {
			_ = producer.Close()
		}
		if consumer != nil {
			_ = consumer.Close()
		}
		if client != nil {
			_ = client.Close()
		}
	}()

	return runReplay(ctx, cfg, client, consumer, producer)
}

func runReplay(ctx context.Context, cfg config, client offsetClient, consumer partitionConsumerSource, producer replayProducer) error {
	if client == nil || consumer == nil {
		return fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && producer == nil {
		return fmt.Errorf("producer is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.sourceTopic).Warn("source topic has no partitions")
		return nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total partitionStats
	for _, partition := range partitions {
		remaining := cfg.limit - total.processed
		if remaining <= 0 {
			break
		}

		stats, err := processPartition(ctx, consumer, client, producer, cfg, partition, remaining)
		if err != nil {
			return err
		}
		total.add(stats)
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":      mode,
		"processed": total.processed,
		"replayed":  total.replayed,
		"skipped":   total.skipped,
	}).Info("dlq replay finished")

	return nil
}

type partitionStats struct {
	processed int
	replayed  int
	skipped   int
}

func (s *partitionStats) add(other partitionStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.skipped += other.skipped
}

func processPartition(
	ctx context.Context,
	consumer partitionConsumerSource,
	client offsetClient,
	producer replayProducer,
	cfg config,
	partition int32,
	limit int,
) (partitionStats, error) {
	var stats partitionStats
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		// Пустая партиция.
		return stats, nil
	}

	pc, err := consumer.ConsumePartition(cfg.sourceTopic, partition, replayStartOffset(cfg.fromNewest, oldest, newest, limit))
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	endOffset := newest
	idleTimer := time.NewTimer(cfg.idleTimeout)
	defer idleTimer.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case err := <-pc.Errors():
			if err != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil {
				return stats, nil
			}

			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(cfg.idleTimeout)

			// Читаем только снимок, сделанный на старте: сообщения,
			// дописанные в DLQ во время прогона, не трогаем.
			if msg.Offset >= endOffset {
				return stats, nil
			}

			if err := replayOne(cfg, producer, msg, &stats); err != nil {
				return stats, err
			}

			if msg.Offset+1 >= endOffset {
				return stats, nil
			}
		case <-idleTimer.C:
			return stats, nil
		}
	}

	return stats, nil
}

// replayOne распаковывает одно DLQ-сообщение и публикует его (execute)
// либо логирует кандидата (dry-run). Неразбираемые сообщения пропускаются.
func replayOne(cfg config, producer replayProducer, msg *sarama.ConsumerMessage, stats *partitionStats) error {
	stats.processed++

	replayMsg, ok, err := extractReplayMessage(msg, cfg.targetTopic)
	if err != nil {
		stats.skipped++
		log.WithError(err).WithFields(log.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Warn("skip unsupported dlq message")
		return nil
	}
	if !ok {
		stats.skipped++
		return nil
	}

	if !cfg.execute {
		log.WithFields(log.Fields{
			"partition":    msg.Partition,
			"offset":       msg.Offset,
			"target_topic": replayMsg.topic,
			"key":          replayMsg.key,
		}).Info("dlq replay candidate")
		stats.replayed++
		return nil
	}

	if err := publishReplay(producer, replayMsg); err != nil {
		return fmt.Errorf("publish replay message: %w", err)
	}
	stats.replayed++
	return nil
}

// replayStartOffset выбирает позицию начала чтения: с начала партиции
// или хвост из последних limit сообщений.
func replayStartOffset(fromNewest bool, oldest, newest int64, limit int) int64 {
	if !fromNewest {
		return oldest
	}
	start := newest - int64(limit)
	if start < oldest {
		return oldest
	}
	return start
}

func publishReplay(producer replayProducer, msg replayMessage) error {
	if producer == nil {
		return fmt.Errorf("producer is nil")
	}

	_, _, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic:     msg.topic,
		Key:       sarama.StringEncoder(msg.key),
		Value:     sarama.ByteEncoder(msg.value),
		Timestamp: time.Now().UTC(),
	})
	return err
}

// extractReplayMessage распаковывает DLQ-сообщение до исходного события.
// Возвращает ok=false для сообщений неизвестного формата: их оставляем
// в DLQ для ручного разбора.
func extractReplayMessage(msg *sarama.ConsumerMessage, defaultTopic string) (replayMessage, bool, error) {
	if replay, ok := replayFromConsumerEnvelope(msg.Value, defaultTopic); ok {
		return replay, true, nil
	}
	return replayFromOutboxEnvelope(msg.Value, defaultTopic)
}

// replayFromConsumerEnvelope узнаёт конверт consumer'а по непустому
// original_value.
func replayFromConsumerEnvelope(raw []byte, defaultTopic string) (replayMessage, bool) {
	var envelope dlqConsumerEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.OriginalValue == "" {
		return replayMessage{}, false
	}

	topic := strings.TrimSpace(envelope.OriginalTopic)
	if topic == "" {
		topic = defaultTopic
	}
	return replayMessage{
		topic: topic,
		key:   envelope.OriginalKey,
		value: []byte(envelope.OriginalValue),
	}, true
}

func replayFromOutboxEnvelope(raw []byte, defaultTopic string) (replayMessage, bool, error) {
	var envelope dlqOutboxEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Payload) == 0 {
		return replayMessage{}, false, nil
	}

	var record dlqOutboxRecord
	if err := json.Unmarshal(envelope.Payload, &record); err != nil {
		return replayMessage{}, false, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(record.Payload) == 0 {
		return replayMessage{}, false, fmt.Errorf("outbox dlq payload does not contain original event payload")
	}

	replay := republishEnvelope{
		ID:            firstNonEmpty(record.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(record.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(record.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(record.EventType, envelope.EventType),
		Payload:       record.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(replay)
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}

	key := replay.AggregateID
	if key == "" {
		key = replay.ID
	}
	return replayMessage{topic: defaultTopic, key: key, value: encoded}, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
