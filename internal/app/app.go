// Package app собирает сервис бронирования из конфигурации: хранилище,
// брокеры, фоновые воркеры и серверы health/metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/IBM/sarama"
	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/vbs/internal/health"
	"github.com/vladislavdragonenkov/vbs/internal/lock"
	"github.com/vladislavdragonenkov/vbs/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/vbs/internal/messaging/rabbit"
	"github.com/vladislavdragonenkov/vbs/internal/metrics"
	"github.com/vladislavdragonenkov/vbs/internal/service/booking"
	"github.com/vladislavdragonenkov/vbs/internal/service/notify"
	"github.com/vladislavdragonenkov/vbs/internal/service/outbox"
	"github.com/vladislavdragonenkov/vbs/internal/service/payment"
	"github.com/vladislavdragonenkov/vbs/internal/service/pricing"
	"github.com/vladislavdragonenkov/vbs/internal/service/saga"
	"github.com/vladislavdragonenkov/vbs/internal/version"
)

// Run запускает сервис и блокируется до отмены контекста или фатальной
// ошибки. При отмене контекста возвращает ctx.Err() после graceful stop.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if deps.closeFn != nil {
		defer func() {
			if err := deps.closeFn(); err != nil {
				logger.WithError(err).Warn("failed to close storage")
			}
		}()
	}

	// Rabbit опционален: без брокера потребители не стартуют, а сага
	// деградирует до sweeper-а.
	var publisher domain.EventPublisher
	var rabbitPub *rabbit.Publisher
	var rabbitConn *amqp.Connection
	if cfg.RabbitURL != "" {
		pub, err := rabbit.NewPublisher(cfg.RabbitURL, log.StandardLogger())
		if err != nil {
			return fmt.Errorf("connect rabbitmq publisher: %w", err)
		}
		rabbitPub = pub
		publisher = pub

		// Потребители держат отдельное соединение: amqp091 не
		// рекомендует делить publish и consume.
		conn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			_ = pub.Close()
			return fmt.Errorf("connect rabbitmq consumers: %w", err)
		}
		rabbitConn = conn
	} else {
		logger.Warn("rabbit url is empty, saga consumers are disabled")
		publisher = noopPublisher{logger: logger}
	}
	defer func() {
		if rabbitConn != nil {
			_ = rabbitConn.Close()
		}
		if rabbitPub != nil {
			_ = rabbitPub.Close()
		}
	}()

	sagaMetrics := metrics.NewSagaMetrics()
	refunds := payment.NewLoopbackGateway(publisher, logger, payment.DefaultLoopbackDelay)
	sagaSvc := saga.NewService(
		deps.repo,
		deps.records,
		deps.outboxRepo,
		deps.locker,
		refunds,
		publisher,
		saga.WithLogger(logger.WithField("layer", "saga")),
		saga.WithMetrics(sagaMetrics),
		saga.WithRecheckDelay(cfg.CompleteRecheckDelay),
	)

	bookingSvc := booking.NewService(
		deps.templates,
		deps.records,
		deps.repo,
		deps.outboxRepo,
		deps.locker,
		pricing.NewStaticProvider(cfg.BasePriceMinor),
		publisher,
		booking.WithLogger(logger.WithField("layer", "booking")),
		booking.WithPendingTTL(cfg.PendingTTL),
		booking.WithMetrics(sagaMetrics),
	)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var workerWG sync.WaitGroup

	if rabbitConn != nil {
		for _, consumer := range buildConsumers(rabbitConn, sagaSvc.Handlers(), cfg.ConsumerWorkers, log.StandardLogger()) {
			workerWG.Add(1)
			go func(c *rabbit.Consumer) {
				defer workerWG.Done()
				if err := c.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
					logger.WithError(err).Error("saga consumer stopped with error")
				}
			}(consumer)
		}
	}

	sweeper := saga.NewSweeper(deps.repo, publisher,
		saga.WithSweepLogger(logger.WithField("layer", "sweeper")),
		saga.WithSweepInterval(cfg.SweepInterval),
		saga.WithSweepBatchSize(cfg.SweepBatchSize),
	)
	workerWG.Add(1)
	go func() {
		defer workerWG.Done()
		sweeper.Run(workerCtx)
	}()

	if deps.lockSweeper != nil {
		janitor := lock.NewJanitor(deps.lockSweeper,
			lock.WithLogger(logger.WithField("layer", "lock_janitor")),
			lock.WithInterval(cfg.LockSweepInterval),
		)
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			janitor.Run(workerCtx)
		}()
	}

	// Kafka опционален: без брокера outbox-воркер не стартует и события
	// остаются в статусе pending до следующего запуска.
	kafkaProducer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	var outboxDone chan struct{}
	var stopOutbox func()
	if kafkaProducer != nil {
		worker := outbox.NewWorker(
			deps.outboxRepo,
			kafka.NewOutboxPublisher(kafkaProducer, cfg.KafkaTopic),
			outbox.WithLogger(logger.WithField("layer", "outbox")),
			outbox.WithDLQPublisher(kafka.NewOutboxPublisher(kafkaProducer, cfg.KafkaDLQTopic)),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		outboxCtx, outboxCancel := context.WithCancel(context.Background())
		stopOutbox = outboxCancel
		outboxDone = make(chan struct{})
		go func() {
			defer close(outboxDone)
			worker.Run(outboxCtx)
		}()
	} else if cfg.KafkaBrokers == "" {
		logger.Info("kafka brokers are empty, outbox worker is disabled")
	}

	// Встроенный потребитель уведомлений читает тот же поток событий,
	// который издаёт outbox-воркер; исчерпавшие попытки сообщения уходят
	// в DLQ-топик.
	var notifyConsumer *kafka.Consumer
	if kafkaProducer != nil {
		dispatcher := notify.NewDispatcher(
			[]notify.Notifier{notify.LogNotifier(logger.WithField("layer", "notify"))},
			notify.WithDispatchLogger(logger.WithField("layer", "notify")),
		)
		consumer, err := kafka.NewConsumerWithDLQ(
			splitBrokers(cfg.KafkaBrokers),
			cfg.KafkaConsumerGroup,
			[]string{cfg.KafkaTopic},
			func(ctx context.Context, message *sarama.ConsumerMessage) error {
				event, err := kafka.ParseOrderEvent(message)
				if err != nil {
					return err
				}
				return dispatcher.Dispatch(ctx, event)
			},
			kafkaProducer,
			3,
		)
		if err != nil {
			logger.WithError(err).Warn("failed to create notifications consumer, continuing without it")
		} else if err := consumer.Start(workerCtx); err != nil {
			logger.WithError(err).Warn("failed to start notifications consumer")
		} else {
			notifyConsumer = consumer
		}
	}

	grpcMetrics := promgrpc.NewServerMetrics()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	// Reflection оставлен для grpcurl и нагрузочных утилит.
	reflection.Register(grpcServer)

	healthHandler := healthcheck.NewHandler(version.String())
	if deps.storageChecker != nil {
		healthHandler.RegisterChecker("storage", deps.storageChecker)
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	apiSrv := startAPIServer(cfg.HTTPAddr,
		newBookingAPI(bookingSvc, deps.repo, deps.logs, logger.WithField("layer", "api")),
		logger)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC сервер слушает %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()

	shutdown := func() {
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(5 * time.Second):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			grpcServer.Stop()
		}

		shutdownHTTP(apiSrv, logger)
		shutdownHTTP(metricsSrv, logger)

		stopWorkers()
		workersDone := make(chan struct{})
		go func() {
			workerWG.Wait()
			close(workersDone)
		}()
		select {
		case <-workersDone:
		case <-time.After(5 * time.Second):
			logger.Warn("background workers did not stop in time")
		}

		shutdownOutboxWorker(stopOutbox, outboxDone, logger)
		if notifyConsumer != nil {
			if err := notifyConsumer.Stop(); err != nil {
				logger.WithError(err).Warn("failed to stop notifications consumer")
			}
		}
		closeKafka(kafkaProducer, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем сервис")
		shutdown()
		return ctx.Err()
	case err := <-errCh:
		shutdown()
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// startMetricsServer запускает HTTP-сервер с метриками и health-проверками.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
