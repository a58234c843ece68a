package lock

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultJanitorInterval  = 1 * time.Minute
	defaultJanitorBatchSize = 500
)

var (
	lockJanitorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vbs_lock_janitor_runs_total",
		Help: "Total number of expired-lease sweep runs grouped by result.",
	}, []string{"result"})
	lockJanitorDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vbs_lock_janitor_deleted_total",
		Help: "Total number of deleted expired lock leases.",
	})
)

// JanitorOptions задаёт параметры воркера очистки просроченных lease.
type JanitorOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
}

// JanitorOption настраивает Janitor.
type JanitorOption func(*JanitorOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) JanitorOption {
	return func(opts *JanitorOptions) {
		opts.Logger = logger
	}
}

// WithInterval задаёт интервал между циклами очистки.
func WithInterval(interval time.Duration) JanitorOption {
	return func(opts *JanitorOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize задаёт размер batch для одного удаления.
func WithBatchSize(batchSize int) JanitorOption {
	return func(opts *JanitorOptions) {
		opts.BatchSize = batchSize
	}
}

// Janitor периодически удаляет просроченные lease. Истёкшая блокировка и так
// не мешает захвату (CAS пропускает просроченные строки), уборка нужна,
// чтобы таблица не росла бесконечно.
type Janitor struct {
	sweeper   Sweeper
	logger    *log.Entry
	interval  time.Duration
	batchSize int
}

// NewJanitor создаёт воркер очистки lease.
func NewJanitor(sweeper Sweeper, options ...JanitorOption) *Janitor {
	opts := JanitorOptions{
		Interval:  defaultJanitorInterval,
		BatchSize: defaultJanitorBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "lock-janitor")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultJanitorInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultJanitorBatchSize
	}

	return &Janitor{
		sweeper:   sweeper,
		logger:    logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (j *Janitor) Run(ctx context.Context) {
	if j.sweeper == nil {
		j.logger.Warn("lock janitor is disabled: sweeper is nil")
		return
	}

	j.sweep(ctx, time.Now().UTC())

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx, time.Now().UTC())
		}
	}
}

func (j *Janitor) sweep(ctx context.Context, before time.Time) {
	deleted, err := j.SweepExpired(ctx, before)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		lockJanitorRunsTotal.WithLabelValues("error").Inc()
		j.logger.WithError(err).Warn("lock janitor run failed")
		return
	}

	lockJanitorRunsTotal.WithLabelValues("ok").Inc()
	if deleted > 0 {
		j.logger.WithField("deleted", deleted).Info("expired lock leases swept")
	}
}

// SweepExpired удаляет все lease с expires_at <= before порциями batchSize.
func (j *Janitor) SweepExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := j.sweeper.DeleteExpired(ctx, before, j.batchSize)
		if err != nil {
			return total, err
		}

		total += deleted
		if deleted > 0 {
			lockJanitorDeletedTotal.Add(float64(deleted))
		}
		if deleted < j.batchSize {
			break
		}
	}

	return total, nil
}
