// Package saga реализует консьюмеры жизненного цикла заказа: оплата,
// автоотмена, автозавершение, возврат и освобождение слотов. Каждый
// обработчик идемпотентен: при повторной доставке он заново выводит
// "сделан ли эффект" из текущего состояния заказа, а не из факта доставки.
package saga

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
	"github.com/vladislavdragonenkov/vbs/internal/lock"
	"github.com/vladislavdragonenkov/vbs/internal/messaging/rabbit"
	"github.com/vladislavdragonenkov/vbs/internal/metrics"
)

// DefaultCompleteRecheckDelay — пауза перепланирования автозавершения,
// пока заказ находится в процессе возврата.
const DefaultCompleteRecheckDelay = 30 * time.Minute

// Service обрабатывает сообщения саги и ведёт под-сагу возврата.
type Service struct {
	orders    domain.OrderRepository
	records   domain.SlotRecordRepository
	outbox    domain.OutboxRepository
	locker    lock.Locker
	refunds   domain.RefundGateway
	publisher domain.EventPublisher
	logger    *log.Entry
	metrics   *metrics.SagaMetrics

	recheckDelay time.Duration
	loc          *time.Location
	now          func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт логгер сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics задаёт метрики; nil отключает их (для тестов).
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithRecheckDelay задаёт паузу перепланирования автозавершения.
func WithRecheckDelay(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.recheckDelay = d
		}
	}
}

// WithLocation задаёт часовой пояс, в котором трактуются времена слотов.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// NewService создаёт сервис саги.
func NewService(
	orders domain.OrderRepository,
	records domain.SlotRecordRepository,
	outbox domain.OutboxRepository,
	locker lock.Locker,
	refunds domain.RefundGateway,
	publisher domain.EventPublisher,
	opts ...Option,
) *Service {
	s := &Service{
		orders:       orders,
		records:      records,
		outbox:       outbox,
		locker:       locker,
		refunds:      refunds,
		publisher:    publisher,
		logger:       log.StandardLogger().WithField("component", "saga"),
		recheckDelay: DefaultCompleteRecheckDelay,
		loc:          time.UTC,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// withOrderLock выполняет fn под распределённой блокировкой заказа.
// Сериализует конкурирующие переходы одного заказа; сами переходы всё
// равно защищены CAS-предикатом в репозитории.
func (s *Service) withOrderLock(ctx context.Context, orderNo string, fn func(ctx context.Context) error) error {
	lease, err := s.locker.Acquire(ctx, []string{"order:" + orderNo}, lock.DefaultWait, lock.DefaultLease)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := lease.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			s.logger.WithError(releaseErr).WithField("order_no", orderNo).Warn("Failed to release order lock")
		}
	}()
	return fn(ctx)
}

// emitEvent кладёт событие заказа в transactional outbox.
func (s *Service) emitEvent(order domain.Order, eventType string, payload map[string]any) {
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["order_no"] = order.OrderNo
	payload["status"] = string(order.Status)

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_no": order.OrderNo,
			"event":    eventType,
		}).Error("Failed to marshal order event payload")
		return
	}

	if _, err := s.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   order.OrderNo,
		EventType:     eventType,
		Payload:       data,
	}); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_no": order.OrderNo,
			"event":    eventType,
		}).Error("Failed to enqueue outbox event")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordOutboxEvent()
	}
}

// requestUnlock публикует запрос на освобождение слотов заказа.
// Потеря сообщения не освобождает слоты, поэтому ошибка публикации
// возвращается вызывающему для повтора.
func (s *Service) requestUnlock(ctx context.Context, order domain.Order, fingerprint time.Time) error {
	if len(order.Items) == 0 {
		return nil
	}
	msg := domain.UnlockSlot{
		UserID:      order.BuyerID,
		RecordIDs:   order.SlotRecordIDs(),
		BookingDate: order.Items[0].BookingDate,
		Fingerprint: fingerprint,
	}
	return s.publisher.Publish(ctx, rabbit.StepSlotUnlock.Name, msg)
}

func (s *Service) observe(step string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordHandlerDuration(step, time.Since(start))
	}
}
