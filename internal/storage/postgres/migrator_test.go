package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrationsFromFS_Success(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		// Файлы заданы не по порядку, загрузчик должен отсортировать по версии.
		"sql/migrations/0002_lease_locks.up.sql": {
			Data: []byte("CREATE TABLE lease_locks_probe (id INT);"),
		},
		"sql/migrations/0002_lease_locks.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS lease_locks_probe;"),
		},
		"sql/migrations/0001_booking_core.up.sql": {
			Data: []byte("CREATE TABLE booking_core_probe (id INT);"),
		},
		"sql/migrations/0001_booking_core.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS booking_core_probe;"),
		},
	}

	migrations, err := loadMigrationsFromFS(fsys)
	if err != nil {
		t.Fatalf("loadMigrationsFromFS failed: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}

	if migrations[0].Version != 1 || migrations[0].Name != "booking_core" {
		t.Fatalf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[1].Version != 2 || migrations[1].Name != "lease_locks" {
		t.Fatalf("unexpected second migration: %+v", migrations[1])
	}
}

func TestLoadMigrationsFromFS_MissingDown(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_booking_core.up.sql": {
			Data: []byte("CREATE TABLE booking_core_probe (id INT);"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for missing down migration")
	}
	if !strings.Contains(err.Error(), "both up and down") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadMigrationsFromFS_InvalidFilename(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/schema_dump.sql": {
			Data: []byte("SELECT 1;"),
		},
	}

	if _, err := loadMigrationsFromFS(fsys); err == nil {
		t.Fatal("expected error for invalid migration file name")
	}
}

func TestLoadMigrationsFromFS_EmptyFile(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_booking_core.up.sql": {
			Data: []byte("   \n"),
		},
		"sql/migrations/0001_booking_core.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS booking_core_probe;"),
		},
	}

	if _, err := loadMigrationsFromFS(fsys); err == nil {
		t.Fatal("expected error for empty migration file body")
	}
}

func TestEmbeddedMigrations_Parse(t *testing.T) {
	t.Parallel()

	// Вшитый набор миграций должен быть валидным и начинаться с версии 1.
	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		t.Fatalf("embedded migrations are invalid: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected at least one embedded migration")
	}
	if migrations[0].Version != 1 {
		t.Fatalf("expected embedded migrations to start at version 1, got %d", migrations[0].Version)
	}
}
