package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics содержит метрики бронирования и саги заказа.
type SagaMetrics struct {
	// Счётчики операций
	ordersCreated    prometheus.Counter
	paymentsApplied  prometheus.Counter
	ordersCancelled  prometheus.Counter
	ordersCompleted  prometheus.Counter
	refundsCompleted prometheus.Counter

	// Отказы резервирования по причине: lock_contended, slots_unavailable,
	// partial_conflict.
	reservationsRejected *prometheus.CounterVec

	// Освобождённые записи слотов (автоотмена, возврат, ручной unlock).
	slotsReleased prometheus.Counter

	// Гистограммы времени выполнения
	reserveDuration prometheus.Histogram
	handlerDuration *prometheus.HistogramVec

	// Счётчик опубликованных outbox-событий
	outboxEvents prometheus.Counter

	// Gauge для резервирований в полёте
	activeReservations prometheus.Gauge
}

// NewSagaMetrics создаёт новый экземпляр метрик.
func NewSagaMetrics() *SagaMetrics {
	return newSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SagaMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "vbs_orders_created_total",
			Help: "Total number of booking orders created",
		}),
		paymentsApplied: registerCounter(registerer, prometheus.CounterOpts{
			Name: "vbs_payments_applied_total",
			Help: "Total number of payment-success messages applied",
		}),
		ordersCancelled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "vbs_orders_cancelled_total",
			Help: "Total number of orders cancelled",
		}),
		ordersCompleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "vbs_orders_completed_total",
			Help: "Total number of orders auto-completed",
		}),
		refundsCompleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "vbs_refunds_completed_total",
			Help: "Total number of refunds settled",
		}),
		reservationsRejected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "vbs_reservations_rejected_total",
			Help: "Reservation attempts rejected, by reason",
		}, []string{"reason"}),
		slotsReleased: registerCounter(registerer, prometheus.CounterOpts{
			Name: "vbs_slots_released_total",
			Help: "Total number of slot records released",
		}),
		reserveDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "vbs_reserve_duration_seconds",
			Help:    "Duration of slot reservation attempts in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		handlerDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "vbs_saga_handler_duration_seconds",
			Help:    "Duration of individual saga message handlers in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "vbs_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		activeReservations: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "vbs_active_reservations",
			Help: "Number of reservation attempts currently in flight",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *SagaMetrics) RecordOrderCreated() {
	m.ordersCreated.Inc()
}

// RecordPaymentApplied увеличивает счётчик применённых оплат.
func (m *SagaMetrics) RecordPaymentApplied() {
	m.paymentsApplied.Inc()
}

// RecordOrderCancelled увеличивает счётчик отменённых заказов.
func (m *SagaMetrics) RecordOrderCancelled() {
	m.ordersCancelled.Inc()
}

// RecordOrderCompleted увеличивает счётчик завершённых заказов.
func (m *SagaMetrics) RecordOrderCompleted() {
	m.ordersCompleted.Inc()
}

// RecordRefundCompleted увеличивает счётчик завершённых возвратов.
func (m *SagaMetrics) RecordRefundCompleted() {
	m.refundsCompleted.Inc()
}

// RecordReservationRejected увеличивает счётчик отклонённых резервирований.
func (m *SagaMetrics) RecordReservationRejected(reason string) {
	m.reservationsRejected.WithLabelValues(reason).Inc()
}

// RecordSlotsReleased увеличивает счётчик освобождённых слотов.
func (m *SagaMetrics) RecordSlotsReleased(count int) {
	if count > 0 {
		m.slotsReleased.Add(float64(count))
	}
}

// RecordReserveDuration записывает длительность попытки резервирования.
func (m *SagaMetrics) RecordReserveDuration(duration time.Duration) {
	m.reserveDuration.Observe(duration.Seconds())
}

// RecordHandlerDuration записывает длительность обработчика шага саги.
func (m *SagaMetrics) RecordHandlerDuration(step string, duration time.Duration) {
	m.handlerDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *SagaMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}

// RecordReservationStarted увеличивает количество резервирований в полёте.
func (m *SagaMetrics) RecordReservationStarted() {
	m.activeReservations.Inc()
}

// RecordReservationFinished уменьшает количество резервирований в полёте.
func (m *SagaMetrics) RecordReservationFinished() {
	m.activeReservations.Dec()
}
