package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Настройки пула подобраны под profile booking-service: короткие CAS-запросы
// и редкие длинные выборки sweeper'а.
const (
	pingTimeout     = 5 * time.Second
	maxOpenConns    = 25
	maxIdleConns    = 10
	connMaxLifetime = 30 * time.Minute
	connMaxIdleTime = 5 * time.Minute
)

// Store оборачивает SQL-подключение к PostgreSQL, на котором живут
// репозитории заказов, слотов, outbox и lease-замков.
type Store struct {
	db *sql.DB
}

// Open открывает подключение через pgx stdlib-драйвер, настраивает пул
// и проверяет доступность базы одним ping'ом.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	tuneConnPool(db)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

func tuneConnPool(db *sql.DB) {
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)
}

// DB возвращает raw SQL DB для компонентов, которым нужен прямой доступ,
// например PostgresLocker.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет подключение; используется readiness-проверкой.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// EnsureSchema применяет все up-миграции. Вызывается при старте,
// когда включен авто-migrate.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// Close закрывает подключение к БД.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
