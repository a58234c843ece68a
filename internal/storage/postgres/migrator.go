package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Миграции вшиты в бинарник: booking-service и cmd/migrate всегда несут
// актуальную схему с собой.
const (
	migrationsGlob   = "sql/migrations/*.sql"
	migrationLockKey = int64(52118407)
)

const migrationTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFilePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)
)

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

// migration — пара up/down скриптов одной версии схемы.
type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrateUp применяет up-миграции; steps=0 означает "все доступные".
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает миграции. steps<=0 трактуется как один шаг,
// чтобы случайный вызов не снес всю схему.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.migrate(ctx, migrationDown, steps)
}

// MigrationStatus возвращает текущую версию схемы и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, fmt.Errorf("postgres store is not initialized")
	}

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, migrationTableDDL); err != nil {
		return 0, 0, fmt.Errorf("ensure migration table: %w", err)
	}

	var (
		version int64
		count   int
	)
	row := s.db.QueryRowContext(queryCtx,
		`SELECT COALESCE(MAX(version), 0), COUNT(*) FROM schema_migrations`)
	if err := row.Scan(&version, &count); err != nil {
		return 0, 0, fmt.Errorf("query migration status: %w", err)
	}

	return version, count, nil
}

// migrate держит advisory lock на всё время прогона: параллельные инстансы
// booking-service с включенным авто-migrate не будут мешать друг другу.
func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	unlock, err := acquireMigrationLock(ctx, conn)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := conn.ExecContext(ctx, migrationTableDDL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	switch direction {
	case migrationUp:
		return runUp(ctx, conn, migrations, steps)
	case migrationDown:
		return runDown(ctx, conn, migrations, steps)
	default:
		return fmt.Errorf("unsupported migration direction: %s", direction)
	}
}

func acquireMigrationLock(ctx context.Context, conn *sql.Conn) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	// Разблокируем на фоне Background: исходный ctx к этому моменту
	// может быть уже отменен.
	return func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}, nil
}

func runUp(ctx context.Context, conn *sql.Conn, migrations []migration, steps int) error {
	applied, err := appliedVersionSet(ctx, conn)
	if err != nil {
		return err
	}

	done := 0
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		record := `INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, NOW())`
		if err := execMigrationTx(ctx, conn, m, m.UpSQL, record, "up"); err != nil {
			return err
		}
		done++
		if steps > 0 && done >= steps {
			break
		}
	}

	return nil
}

func runDown(ctx context.Context, conn *sql.Conn, migrations []migration, steps int) error {
	byVersion := make(map[int64]migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.Version] = m
	}

	versions, err := appliedVersionsNewestFirst(ctx, conn, steps)
	if err != nil {
		return err
	}

	for _, version := range versions {
		m, ok := byVersion[version]
		if !ok {
			return fmt.Errorf("cannot rollback unknown migration version %d", version)
		}
		record := `DELETE FROM schema_migrations WHERE version = $1`
		if err := execMigrationTx(ctx, conn, m, m.DownSQL, record, "down"); err != nil {
			return err
		}
	}

	return nil
}

// execMigrationTx выполняет скрипт миграции и запись в schema_migrations
// одной транзакцией: либо схема и журнал меняются вместе, либо никак.
func execMigrationTx(ctx context.Context, conn *sql.Conn, m migration, script, record, label string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx (%s %d): %w", label, m.Version, err)
	}

	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute %s migration %d_%s: %w", label, m.Version, m.Name, err)
	}

	recordArgs := []any{m.Version}
	if label == "up" {
		recordArgs = append(recordArgs, m.Name)
	}
	if _, err := tx.ExecContext(ctx, record, recordArgs...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record %s migration %d_%s: %w", label, m.Version, m.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %d_%s: %w", label, m.Version, m.Name, err)
	}

	return nil
}

func appliedVersionSet(ctx context.Context, conn *sql.Conn) (map[int64]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}

	return applied, nil
}

func appliedVersionsNewestFirst(ctx context.Context, conn *sql.Conn, limit int) ([]int64, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT version
		FROM schema_migrations
		ORDER BY version DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations desc: %w", err)
	}
	defer rows.Close()

	versions := make([]int64, 0, limit)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration desc: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations desc: %w", err)
	}

	return versions, nil
}

// parsedMigrationFile — один файл до спаривания up/down.
type parsedMigrationFile struct {
	version   int64
	name      string
	direction string
	body      string
}

func parseMigrationFile(fsys fs.FS, path string) (parsedMigrationFile, error) {
	base := filepath.Base(path)
	matches := migrationFilePattern.FindStringSubmatch(base)
	if len(matches) != 4 {
		return parsedMigrationFile{}, fmt.Errorf("invalid migration file name: %s", base)
	}

	version, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return parsedMigrationFile{}, fmt.Errorf("parse migration version from %s: %w", base, err)
	}

	bodyRaw, err := fs.ReadFile(fsys, path)
	if err != nil {
		return parsedMigrationFile{}, fmt.Errorf("read migration file %s: %w", path, err)
	}
	body := strings.TrimSpace(string(bodyRaw))
	if body == "" {
		return parsedMigrationFile{}, fmt.Errorf("migration file is empty: %s", base)
	}

	return parsedMigrationFile{
		version:   version,
		name:      matches[2],
		direction: matches[3],
		body:      body,
	}, nil
}

// loadMigrationsFromFS читает файлы по migrationsGlob, спаривает up/down
// по версии и возвращает миграции по возрастанию версии.
func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, migrationsGlob)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	pairs := make(map[int64]*migration)
	for _, file := range files {
		parsed, err := parseMigrationFile(fsys, file)
		if err != nil {
			return nil, err
		}

		pair, ok := pairs[parsed.version]
		if !ok {
			pair = &migration{Version: parsed.version, Name: parsed.name}
			pairs[parsed.version] = pair
		} else if pair.Name != parsed.name {
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s",
				parsed.version, pair.Name, parsed.name)
		}

		switch parsed.direction {
		case "up":
			if pair.UpSQL != "" {
				return nil, fmt.Errorf("duplicate up migration for version %d", parsed.version)
			}
			pair.UpSQL = parsed.body
		case "down":
			if pair.DownSQL != "" {
				return nil, fmt.Errorf("duplicate down migration for version %d", parsed.version)
			}
			pair.DownSQL = parsed.body
		}
	}

	migrations := make([]migration, 0, len(pairs))
	for _, pair := range pairs {
		if pair.UpSQL == "" || pair.DownSQL == "" {
			return nil, fmt.Errorf("migration %d_%s must have both up and down files",
				pair.Version, pair.Name)
		}
		migrations = append(migrations, *pair)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })

	return migrations, nil
}
