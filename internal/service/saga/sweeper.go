package saga

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
	"github.com/vladislavdragonenkov/vbs/internal/messaging/rabbit"
)

const (
	defaultSweepInterval  = time.Minute
	defaultSweepBatchSize = 200
)

var (
	sweeperRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vbs_pending_sweeper_runs_total",
		Help: "Total number of pending-order sweeper runs grouped by result.",
	}, []string{"result"})
	sweeperRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vbs_pending_sweeper_requeued_total",
		Help: "Total number of expired pending orders resubmitted for auto-cancel.",
	})
	sweeperCompletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vbs_completion_sweeper_requeued_total",
		Help: "Total number of overdue completable orders resubmitted for auto-complete.",
	})
)

// SweeperOptions задаёт параметры sweeper-а просроченных заказов.
type SweeperOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
	Location  *time.Location
}

// SweeperOption настраивает Sweeper.
type SweeperOption func(*SweeperOptions)

// WithSweepLogger задаёт logger sweeper-а.
func WithSweepLogger(logger *log.Entry) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.Logger = logger
	}
}

// WithSweepInterval задаёт интервал между проходами.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.Interval = interval
	}
}

// WithSweepBatchSize задаёт размер выборки за один проход.
func WithSweepBatchSize(batchSize int) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.BatchSize = batchSize
	}
}

// WithSweepLocation задаёт часовой пояс, в котором трактуются времена слотов.
func WithSweepLocation(loc *time.Location) SweeperOption {
	return func(opts *SweeperOptions) {
		if loc != nil {
			opts.Location = loc
		}
	}
}

// Sweeper — страховка отложенных таймеров саги: периодически находит
// pending-заказы с истёкшим сроком оплаты и завершаемые заказы с давно
// закончившимися слотами, переотправляя для них автоотмену и автозавершение.
// Потерянное отложенное сообщение перестаёт быть фатальным, а дубликат
// безвреден — оба консьюмера идемпотентны.
type Sweeper struct {
	orders    domain.OrderRepository
	publisher domain.EventPublisher
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	loc       *time.Location
}

// NewSweeper создаёт sweeper просроченных pending-заказов.
func NewSweeper(orders domain.OrderRepository, publisher domain.EventPublisher, options ...SweeperOption) *Sweeper {
	opts := SweeperOptions{
		Interval:  defaultSweepInterval,
		BatchSize: defaultSweepBatchSize,
		Location:  time.UTC,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "pending-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatchSize
	}

	return &Sweeper{
		orders:    orders,
		publisher: publisher,
		logger:    logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		loc:       opts.Location,
	}
}

// Run запускает периодические проходы до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.orders == nil || s.publisher == nil {
		s.logger.Warn("pending sweeper is disabled: missing dependencies")
		return
	}

	s.sweep(ctx, time.Now().UTC())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, time.Now().UTC())
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context, before time.Time) {
	requeued, err := s.Sweep(ctx, before)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		sweeperRunsTotal.WithLabelValues("error").Inc()
		s.logger.WithError(err).Warn("pending sweep run failed")
		return
	}

	sweeperRunsTotal.WithLabelValues("ok").Inc()
	if requeued > 0 {
		s.logger.WithField("requeued", requeued).Info("pending sweep completed")
	}
}

// Sweep переотправляет автоотмену для просроченных pending-заказов и
// автозавершение для завершаемых заказов с закончившимися слотами.
func (s *Sweeper) Sweep(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Одна выборка за проход: отмена выполняется консьюмером асинхронно,
	// поэтому пока он не отработал, повторная выборка вернула бы те же
	// заказы. Хвост подберёт следующий тик.
	expired, err := s.orders.ListPendingExpired(ctx, before, s.batchSize)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, order := range expired {
		msg := domain.OrderAutoCancel{
			OrderNo:   order.OrderNo,
			RecordIDs: order.SlotRecordIDs(),
		}
		if len(order.Items) > 0 {
			msg.BookingDate = order.Items[0].BookingDate
		}
		if err := s.publisher.Publish(ctx, rabbit.StepAutoCancel.Name, msg); err != nil {
			return total, err
		}
		total++
		sweeperRequeuedTotal.Inc()
	}

	// Второй проход — завершаемые заказы, у которых все слоты закончились
	// не позже before, но таймер автозавершения так и не сработал. Срез
	// считается часовым временем площадки: занятость хранится датой и
	// временем суток, не инстантами.
	cutoff := before.In(s.loc).Format(domain.DateLayout + " " + domain.ClockLayout)
	overdue, err := s.orders.ListCompletableOverdue(ctx, cutoff, s.batchSize)
	if err != nil {
		return total, err
	}
	for _, order := range overdue {
		msg := domain.OrderAutoComplete{OrderNo: order.OrderNo}
		if err := s.publisher.Publish(ctx, rabbit.StepAutoComplete.Name, msg); err != nil {
			return total, err
		}
		total++
		sweeperCompletionsTotal.Inc()
	}
	return total, nil
}
