// Package notify раздаёт наружный поток событий заказов получателям
// уведомлений. Поток читается из Kafka с at-least-once доставкой, поэтому
// события дедуплицируются по message_id скользящим окном.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/vbs/internal/messaging/kafka"
)

// DefaultDedupWindow — сколько последних message_id помнит Dispatcher.
const DefaultDedupWindow = 4096

var (
	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vbs_notifications_dispatched_total",
		Help: "Total number of order events dispatched to notifiers grouped by event type.",
	}, []string{"event_type"})
	notificationsDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vbs_notifications_duplicates_total",
		Help: "Total number of order events dropped by message_id deduplication.",
	})
)

// Notifier доставляет уведомление по одному событию заказа.
type Notifier func(ctx context.Context, event kafka.OrderEvent) error

// Dispatcher передаёт события заказов подписанным Notifier-ам.
//
// message_id помечается обработанным только после успеха всех получателей:
// при ошибке consumer повторит доставку, и повтор не будет отброшен как дубль.
type Dispatcher struct {
	logger    *log.Entry
	notifiers []Notifier

	mu     sync.Mutex
	seen   map[string]struct{}
	window []string
	limit  int
}

// DispatcherOption настраивает Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchLogger задаёт логгер.
func WithDispatchLogger(logger *log.Entry) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDedupWindow задаёт размер окна дедупликации.
func WithDedupWindow(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.limit = size
		}
	}
}

// NewDispatcher создаёт Dispatcher с набором получателей.
func NewDispatcher(notifiers []Notifier, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger:    log.WithField("component", "notify"),
		notifiers: notifiers,
		seen:      make(map[string]struct{}),
		limit:     DefaultDedupWindow,
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// Dispatch передаёт событие всем получателям. Дубль по message_id — no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, event *kafka.OrderEvent) error {
	if event == nil || event.OrderNo == "" {
		return nil
	}
	if event.MessageID != "" && d.alreadySeen(event.MessageID) {
		notificationsDuplicates.Inc()
		d.logger.WithFields(log.Fields{
			"message_id": event.MessageID,
			"order_no":   event.OrderNo,
		}).Debug("Duplicate event dropped")
		return nil
	}

	for _, notifier := range d.notifiers {
		if err := notifier(ctx, *event); err != nil {
			return fmt.Errorf("notify for order %s: %w", event.OrderNo, err)
		}
	}

	if event.MessageID != "" {
		d.markSeen(event.MessageID)
	}
	notificationsTotal.WithLabelValues(string(event.EventType)).Inc()
	return nil
}

func (d *Dispatcher) alreadySeen(messageID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[messageID]
	return ok
}

func (d *Dispatcher) markSeen(messageID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[messageID]; ok {
		return
	}
	d.seen[messageID] = struct{}{}
	d.window = append(d.window, messageID)
	if len(d.window) > d.limit {
		delete(d.seen, d.window[0])
		d.window = d.window[1:]
	}
}

// LogNotifier пишет событие в лог. Получатель по умолчанию, пока реальные
// каналы доставки (почта, push) живут в соседних сервисах.
func LogNotifier(logger *log.Entry) Notifier {
	if logger == nil {
		logger = log.WithField("component", "notify")
	}
	return func(_ context.Context, event kafka.OrderEvent) error {
		logger.WithFields(log.Fields{
			"event_type": event.EventType,
			"order_no":   event.OrderNo,
			"buyer_id":   event.BuyerID,
			"status":     event.Status,
		}).Info("Order event received")
		return nil
	}
}
