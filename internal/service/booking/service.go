// Package booking реализует резервирование слотов: precheck → multi-lock →
// recheck → условное занятие, с созданием pending-заказа и отложенной
// автоотменой.
package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
	"github.com/vladislavdragonenkov/vbs/internal/lock"
	"github.com/vladislavdragonenkov/vbs/internal/messaging/rabbit"
	"github.com/vladislavdragonenkov/vbs/internal/metrics"
)

// DefaultPendingTTL — срок оплаты pending-заказа до автоотмены.
const DefaultPendingTTL = 15 * time.Minute

// ReserveRequest описывает запрос на бронирование набора слотов одной даты.
type ReserveRequest struct {
	BuyerID     string
	SellerID    string
	SellerType  string
	BookingDate string
	TemplateIDs []int64
	// OperatorSource помечает канал, занявший слот: order, activity, merchant.
	OperatorSource string
}

// Service — ядро бронирования.
type Service struct {
	templates  domain.SlotTemplateRepository
	records    domain.SlotRecordRepository
	orders     domain.OrderRepository
	outbox     domain.OutboxRepository
	locker     lock.Locker
	prices     domain.PriceProvider
	publisher  domain.EventPublisher
	logger     *log.Entry
	metrics    *metrics.SagaMetrics
	pendingTTL time.Duration

	now func() time.Time
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

// WithPendingTTL задаёт срок оплаты pending-заказа.
func WithPendingTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.pendingTTL = ttl
		}
	}
}

// WithMetrics задаёт метрики; nil отключает их (для тестов).
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService создаёт сервис бронирования.
func NewService(
	templates domain.SlotTemplateRepository,
	records domain.SlotRecordRepository,
	orders domain.OrderRepository,
	outbox domain.OutboxRepository,
	locker lock.Locker,
	prices domain.PriceProvider,
	publisher domain.EventPublisher,
	opts ...Option,
) *Service {
	s := &Service{
		templates:  templates,
		records:    records,
		orders:     orders,
		outbox:     outbox,
		locker:     locker,
		prices:     prices,
		publisher:  publisher,
		logger:     log.StandardLogger().WithField("component", "booking"),
		pendingTTL: DefaultPendingTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve бронирует слоты и создаёт pending-заказ.
//
// Порядок жёсткий: дешёвая проверка занятости до блокировки, multi-lock по
// всем ключам слотов, перепроверка уже под блокировкой и только затем
// условное занятие. Сами условные обновления — истинная точка
// линеаризации; блокировка лишь сужает окно гонки.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (domain.Order, error) {
	start := s.now()
	if s.metrics != nil {
		s.metrics.RecordReservationStarted()
		defer func() {
			s.metrics.RecordReservationFinished()
			s.metrics.RecordReserveDuration(time.Since(start))
		}()
	}

	keys, err := s.buildKeys(req)
	if err != nil {
		return domain.Order{}, err
	}

	// Ключи уже дедуплицированы: повтор шаблона в запросе не должен ни
	// раздуть сумму заказа, ни продублировать позицию.
	templates, err := s.templates.GetMany(ctx, templateIDs(keys))
	if err != nil {
		return domain.Order{}, fmt.Errorf("load slot templates: %w", err)
	}

	// Быстрый отказ до захвата блокировки.
	if err := s.checkAvailable(ctx, keys); err != nil {
		s.reject(err)
		return domain.Order{}, err
	}

	lease, err := s.locker.Acquire(ctx, lockKeys(keys), lock.DefaultWait, lock.DefaultLease)
	if err != nil {
		s.reject(err)
		return domain.Order{}, err
	}
	defer func() {
		if releaseErr := lease.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			s.logger.WithError(releaseErr).Warn("Failed to release slot lock")
		}
	}()

	// Перепроверка под блокировкой: состояние могло смениться, пока
	// блокировка ждала своей очереди.
	if err := s.checkAvailable(ctx, keys); err != nil {
		s.reject(err)
		return domain.Order{}, err
	}

	reserved, err := s.records.ReserveAll(ctx, keys, req.BuyerID, req.OperatorSource)
	if err != nil {
		s.reject(err)
		return domain.Order{}, err
	}

	order, err := s.createOrder(ctx, req, templates, reserved)
	if err != nil {
		// Заказ не записался: компенсируем занятие, иначе слоты зависнут
		// до ручного вмешательства.
		if _, relErr := s.records.ReleaseAll(context.WithoutCancel(ctx), recordIDs(reserved), req.BuyerID, time.Time{}); relErr != nil {
			s.logger.WithError(relErr).WithField("order_no", order.OrderNo).
				Error("Failed to release slots after order create failure")
		}
		return domain.Order{}, err
	}

	s.scheduleAutoCancel(ctx, order)
	s.emitOrderEvent(order, "OrderCreated")

	if s.metrics != nil {
		s.metrics.RecordOrderCreated()
	}
	s.logger.WithFields(log.Fields{
		"order_no":     order.OrderNo,
		"buyer_id":     order.BuyerID,
		"booking_date": req.BookingDate,
		"slots":        len(reserved),
	}).Info("Order created")

	return order, nil
}

// FilterBookable возвращает шаблоны, доступные к бронированию на дату:
// из кандидатов убираются занятые и те, что пересекаются по времени с
// занятым слотом того же корта.
func (s *Service) FilterBookable(ctx context.Context, bookingDate string, candidates []domain.SlotTemplate) ([]domain.SlotTemplate, error) {
	occupied, err := s.records.UnavailableOnDate(ctx, bookingDate)
	if err != nil {
		return nil, fmt.Errorf("load occupied slots: %w", err)
	}
	if len(occupied) == 0 {
		return candidates, nil
	}

	occupiedIDs := make(map[int64]struct{}, len(occupied))
	templateIDs := make([]int64, 0, len(occupied))
	for _, rec := range occupied {
		occupiedIDs[rec.TemplateID] = struct{}{}
		templateIDs = append(templateIDs, rec.TemplateID)
	}

	occupiedTemplates, err := s.templates.GetMany(ctx, templateIDs)
	if err != nil {
		return nil, fmt.Errorf("load occupied templates: %w", err)
	}

	bookable := make([]domain.SlotTemplate, 0, len(candidates))
	for _, cand := range candidates {
		if _, busy := occupiedIDs[cand.ID]; busy {
			continue
		}
		overlaps := false
		for _, occ := range occupiedTemplates {
			if occ.CourtID == cand.CourtID && domain.ClockOverlaps(cand.StartTime, cand.EndTime, occ.StartTime, occ.EndTime) {
				overlaps = true
				break
			}
		}
		if !overlaps {
			bookable = append(bookable, cand)
		}
	}

	return bookable, nil
}

// ReleaseSlots условно освобождает записи слотов указанного оператора.
func (s *Service) ReleaseSlots(ctx context.Context, ids []string, operatorID string) (int, error) {
	released, err := s.records.ReleaseAll(ctx, ids, operatorID, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("release slots: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordSlotsReleased(released)
	}
	return released, nil
}

func (s *Service) buildKeys(req ReserveRequest) ([]domain.SlotKey, error) {
	if req.BuyerID == "" {
		return nil, domain.ErrBuyerRequired
	}
	if len(req.TemplateIDs) == 0 {
		return nil, domain.ErrItemsRequired
	}

	keys := make([]domain.SlotKey, 0, len(req.TemplateIDs))
	seen := make(map[int64]struct{}, len(req.TemplateIDs))
	for _, id := range req.TemplateIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		key := domain.SlotKey{TemplateID: id, BookingDate: req.BookingDate}
		if err := key.Validate(); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *Service) checkAvailable(ctx context.Context, keys []domain.SlotKey) error {
	existing, err := s.records.FindForDate(ctx, keys)
	if err != nil {
		return fmt.Errorf("check slot availability: %w", err)
	}
	for _, rec := range existing {
		if rec.Status != domain.SlotStatusAvailable {
			return domain.ErrSlotsUnavailable
		}
	}
	return nil
}

func (s *Service) createOrder(ctx context.Context, req ReserveRequest, templates []domain.SlotTemplate, reserved []domain.SlotRecord) (domain.Order, error) {
	prices, err := s.prices.Quote(ctx, req.SellerType, req.BookingDate, templates)
	if err != nil {
		return domain.Order{}, fmt.Errorf("quote slot prices: %w", err)
	}
	if len(prices) != len(templates) {
		return domain.Order{}, fmt.Errorf("price engine returned %d prices for %d templates", len(prices), len(templates))
	}

	recordByTemplate := make(map[int64]domain.SlotRecord, len(reserved))
	for _, rec := range reserved {
		recordByTemplate[rec.TemplateID] = rec
	}

	now := s.now().UTC()
	order := domain.Order{
		OrderNo:          newOrderNo(now),
		BuyerID:          req.BuyerID,
		SellerID:         req.SellerID,
		SellerType:       req.SellerType,
		Status:           domain.OrderStatusPending,
		PaymentStatus:    domain.PaymentStatusUnpaid,
		PendingExpiresAt: now.Add(s.pendingTTL),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var total int64
	for i, tpl := range templates {
		rec, ok := recordByTemplate[tpl.ID]
		if !ok {
			return domain.Order{}, domain.ErrPartialConflict
		}
		total += prices[i]
		order.Items = append(order.Items, domain.OrderItem{
			ID:           uuid.NewString(),
			OrderNo:      order.OrderNo,
			SlotRecordID: rec.ID,
			TemplateID:   tpl.ID,
			BookingDate:  req.BookingDate,
			StartTime:    tpl.StartTime,
			EndTime:      tpl.EndTime,
			PriceMinor:   prices[i],
			CreatedAt:    now,
		})
	}
	order.PayAmountMinor = total

	if errs := order.ValidateInvariants(); len(errs) != 0 {
		return domain.Order{}, errs[0]
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return order, fmt.Errorf("create order: %w", err)
	}

	return order, nil
}

// scheduleAutoCancel ставит отложенную автоотмену на срок оплаты. Потеря
// сообщения не фатальна: просроченные pending-заказы добирает sweeper.
func (s *Service) scheduleAutoCancel(ctx context.Context, order domain.Order) {
	msg := domain.OrderAutoCancel{
		OrderNo:     order.OrderNo,
		RecordIDs:   order.SlotRecordIDs(),
		BookingDate: order.Items[0].BookingDate,
		SellerType:  order.SellerType,
	}
	if err := s.publisher.PublishDelayed(ctx, rabbit.StepAutoCancel.Name, msg, s.pendingTTL); err != nil {
		s.logger.WithError(err).WithField("order_no", order.OrderNo).
			Error("Failed to schedule auto-cancel")
	}
}

func (s *Service) emitOrderEvent(order domain.Order, eventType string) {
	payload, err := json.Marshal(struct {
		OrderNo        string `json:"order_no"`
		BuyerID        string `json:"buyer_id"`
		Status         string `json:"status"`
		PayAmountMinor int64  `json:"pay_amount_minor"`
	}{order.OrderNo, order.BuyerID, string(order.Status), order.PayAmountMinor})
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal order event payload")
		return
	}

	if _, err := s.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   order.OrderNo,
		EventType:     eventType,
		Payload:       payload,
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

func (s *Service) reject(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case domain.IsLockContended(err):
		s.metrics.RecordReservationRejected("lock_contended")
	case domain.IsBusinessRejection(err):
		s.metrics.RecordReservationRejected("slots_unavailable")
	default:
		s.metrics.RecordReservationRejected("error")
	}
}

func templateIDs(keys []domain.SlotKey) []int64 {
	out := make([]int64, 0, len(keys))
	for _, key := range keys {
		out = append(out, key.TemplateID)
	}
	return out
}

func lockKeys(keys []domain.SlotKey) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key.LockKey())
	}
	return out
}

func recordIDs(records []domain.SlotRecord) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.ID)
	}
	return out
}

func newOrderNo(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("VB%s%s", now.Format("20060102150405"), suffix)
}
