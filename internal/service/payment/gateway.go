// Package payment содержит адаптеры платёжного шлюза для возвратов.
// Реальный шлюз подтверждает возврат асинхронно сообщением
// payment.refund.success; loopback-реализация эмулирует это поведение
// для локальной разработки и стендов без внешнего шлюза.
package payment

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
	"github.com/vladislavdragonenkov/vbs/internal/messaging/rabbit"
)

// DefaultLoopbackDelay — задержка между запросом возврата и его
// "подтверждением" loopback-шлюзом.
const DefaultLoopbackDelay = 2 * time.Second

// LoopbackGateway принимает запрос возврата и через delay публикует
// подтверждение в брокер, как это сделал бы внешний шлюз.
type LoopbackGateway struct {
	publisher domain.EventPublisher
	logger    *log.Entry
	delay     time.Duration
	nextID    func() string
}

// NewLoopbackGateway создаёт loopback-шлюз возвратов.
func NewLoopbackGateway(publisher domain.EventPublisher, logger *log.Entry, delay time.Duration) *LoopbackGateway {
	if logger == nil {
		logger = log.WithField("component", "payment-loopback")
	}
	if delay <= 0 {
		delay = DefaultLoopbackDelay
	}
	return &LoopbackGateway{
		publisher: publisher,
		logger:    logger,
		delay:     delay,
		nextID:    func() string { return time.Now().UTC().Format("20060102150405.000000000") },
	}
}

// RequestRefund "выполняет" возврат: публикует отложенное подтверждение.
func (g *LoopbackGateway) RequestRefund(ctx context.Context, req domain.RefundRequest) error {
	confirmation := domain.PaymentRefundSuccess{
		OrderNo:           req.OrderNo,
		RefundApplyID:     "loopback-" + g.nextID(),
		RefundAmountMinor: req.AmountMinor,
		OrderCancelled:    req.OrderCancelled,
	}
	if err := g.publisher.PublishDelayed(ctx, rabbit.StepRefundSuccess.Name, confirmation, g.delay); err != nil {
		return err
	}
	g.logger.WithFields(log.Fields{
		"order_no": req.OrderNo,
		"amount":   req.AmountMinor,
		"trade_no": req.TradeNo,
	}).Info("Loopback refund accepted")
	return nil
}

var _ domain.RefundGateway = (*LoopbackGateway)(nil)

// MockGateway — конфигурируемая заглушка RefundGateway для тестов.
type MockGateway struct {
	Err error

	Requests []domain.RefundRequest
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// RequestRefund возвращает настроенную ошибку и запоминает запросы.
func (m *MockGateway) RequestRefund(_ context.Context, req domain.RefundRequest) error {
	if m.Err != nil {
		return m.Err
	}
	m.Requests = append(m.Requests, req)
	return nil
}

var _ domain.RefundGateway = (*MockGateway)(nil)
