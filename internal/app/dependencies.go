package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/vbs/internal/health"
	"github.com/vladislavdragonenkov/vbs/internal/lock"
	"github.com/vladislavdragonenkov/vbs/internal/storage/memory"
	"github.com/vladislavdragonenkov/vbs/internal/storage/postgres"
)

// runtimeDependencies содержит зависимости, которые определяются выбранным
// драйвером хранилища.
type runtimeDependencies struct {
	repo       domain.OrderRepository
	outboxRepo domain.OutboxRepository
	records    domain.SlotRecordRepository
	templates  domain.SlotTemplateRepository
	logs       domain.OrderStatusLogRepository

	locker      lock.Locker
	lockSweeper lock.Sweeper

	storageChecker healthcheck.Checker
	closeFn        func() error
}

// initRuntimeDependencies собирает репозитории и локер под выбранный
// драйвер. closeFn освобождает ресурсы драйвера и может быть nil.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		logs := memory.NewStatusLogRepository()
		locker := lock.NewMemoryLocker()
		deps := runtimeDependencies{
			repo:       memory.NewOrderRepository(logs),
			outboxRepo: memory.NewOutboxRepository(),
			records:    memory.NewSlotRecordRepository(),
			templates:  memory.NewSlotTemplateRepository(),
			logs:       logs,
			locker:     locker,
			storageChecker: healthcheck.NewSimpleChecker("storage", func() error {
				return nil
			}),
		}
		deps.lockSweeper, _ = locker.(lock.Sweeper)
		logger.Info("using in-memory storage")
		return deps, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return runtimeDependencies{}, fmt.Errorf("postgres driver requires a dsn")
		}

		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return runtimeDependencies{}, fmt.Errorf("open postgres: %w", err)
		}

		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return runtimeDependencies{}, fmt.Errorf("apply migrations: %w", err)
			}
		}

		locker := lock.NewPostgresLocker(store.DB())
		deps := runtimeDependencies{
			repo:       postgres.NewOrderRepository(store),
			outboxRepo: postgres.NewOutboxRepository(store),
			records:    postgres.NewSlotRecordRepository(store),
			templates:  postgres.NewSlotTemplateRepository(store),
			logs:       postgres.NewStatusLogRepository(store),
			locker:     locker,
			storageChecker: healthcheck.NewSimpleChecker("storage", func() error {
				return store.Ping(context.Background())
			}),
			closeFn: store.Close,
		}
		deps.lockSweeper, _ = locker.(lock.Sweeper)
		logger.WithField("auto_migrate", cfg.PostgresAutoMigrate).Info("using postgres storage")
		return deps, nil

	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver: %q", cfg.StorageDriver)
	}
}
