// Package outbox публикует события заказов из transactional outbox
// во внешний поток (Kafka). Записи появляются в outbox вместе с доменными
// изменениями, воркер добирает их по расписанию.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

// Метки результата публикации.
const (
	resultSent       = "sent"
	resultRetryError = "retry_error"
	resultFailed     = "failed"
	resultDLQFailed  = "dlq_failed"
)

var (
	outboxPublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vbs_outbox_publish_attempts_total",
		Help: "Total number of outbox publish attempts grouped by result.",
	}, []string{"result"})
	outboxPendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vbs_outbox_pending_records",
		Help: "Current number of pending records in transactional outbox.",
	})
	outboxOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vbs_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending outbox record.",
	})
)

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger         *log.Entry
	DLQPublisher   domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) { opts.Logger = logger }
}

// WithDLQPublisher задаёт publisher для отправки в DLQ после исчерпания retry.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(opts *WorkerOptions) { opts.DLQPublisher = publisher }
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) { opts.PollInterval = interval }
}

// WithBatchSize задаёт размер батча из outbox.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) { opts.BatchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации перед failed/DLQ.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) { opts.MaxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт базовый delay для exponential backoff.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) { opts.RetryBaseDelay = delay }
}

// Worker публикует pending-сообщения из outbox в брокер.
// Доставка at-least-once: если MarkSent не прошел, сообщение уйдет повторно.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	dlqPublisher   domain.OutboxPublisher
	logger         *log.Entry
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// NewWorker создаёт outbox worker. Невалидные параметры заменяются
// значениями по умолчанию.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}
	opts.sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-worker")
	}

	return &Worker{
		repo:           repo,
		publisher:      publisher,
		dlqPublisher:   opts.DLQPublisher,
		logger:         logger,
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
	}
}

func (opts *WorkerOptions) sanitize() {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}
}

// Run опрашивает outbox до отмены ctx. Первый цикл выполняется сразу,
// чтобы накопленный backlog не ждал первого тика.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один polling-цикл: снимает метрики backlog,
// забирает батч и публикует его по порядку.
func (w *Worker) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	w.refreshBacklogMetrics()

	events, err := w.repo.PullPending(w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return
	}
	if len(events) == 0 {
		return
	}

	for _, event := range events {
		if ctx.Err() != nil {
			return
		}
		w.processEvent(ctx, event)
	}

	w.refreshBacklogMetrics()
}

func (w *Worker) processEvent(ctx context.Context, event domain.OutboxMessage) {
	err := w.publishWithRetry(ctx, event)
	if err == nil {
		if markErr := w.repo.MarkSent(event.ID); markErr != nil {
			w.logger.WithError(markErr).WithField("outbox_id", event.ID).Warn("failed to mark outbox as sent")
		}
		return
	}

	w.logger.WithError(err).WithFields(log.Fields{
		"outbox_id":  event.ID,
		"event_type": event.EventType,
	}).Error("outbox publish failed after retries")
	outboxPublishAttempts.WithLabelValues(resultFailed).Inc()

	if dlqErr := w.publishToDLQ(event, err); dlqErr != nil {
		w.logger.WithError(dlqErr).WithField("outbox_id", event.ID).Warn("failed to publish to DLQ")
		outboxPublishAttempts.WithLabelValues(resultDLQFailed).Inc()
	}
	if markErr := w.repo.MarkFailed(event.ID); markErr != nil {
		w.logger.WithError(markErr).WithField("outbox_id", event.ID).Warn("failed to mark outbox as failed")
	}
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) error {
	var lastErr error

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err := w.publisher.Publish(event)
		if err == nil {
			outboxPublishAttempts.WithLabelValues(resultSent).Inc()
			return nil
		}
		lastErr = err
		outboxPublishAttempts.WithLabelValues(resultRetryError).Inc()

		if attempt >= w.maxAttempts {
			break
		}

		delay := w.retryBackoff(attempt)
		if delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("publish failed after %d attempts: %w", w.maxAttempts, lastErr)
}

// retryBackoff возвращает задержку перед попыткой attempt+1:
// base, base*2, base*4, ... с защитой от переполнения.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}

	const maxDuration = time.Duration(1<<63 - 1)
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay > maxDuration/2 {
			return maxDuration
		}
		delay *= 2
	}
	return delay
}

func (w *Worker) refreshBacklogMetrics() {
	stats, err := w.repo.Stats()
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	outboxPendingRecords.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		outboxOldestPendingAge.Set(0)
		return
	}

	age := time.Since(stats.OldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	outboxOldestPendingAge.Set(age)
}

// publishToDLQ заворачивает исходное событие в конверт с причиной ошибки
// и отправляет в DLQ-топик для ручного разбора.
func (w *Worker) publishToDLQ(event domain.OutboxMessage, publishErr error) error {
	if w.dlqPublisher == nil {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"outbox_id":        event.ID,
		"aggregate_type":   event.AggregateType,
		"aggregate_id":     event.AggregateID,
		"event_type":       event.EventType,
		"payload":          json.RawMessage(event.Payload),
		"publish_error":    publishErr.Error(),
		"dlq_published_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}

	dlqEvent := event
	dlqEvent.Payload = payload
	if err := w.dlqPublisher.Publish(dlqEvent); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}

	return nil
}
