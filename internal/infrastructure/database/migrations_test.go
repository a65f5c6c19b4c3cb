package database

import (
	"context"
	"embed"
	"io/fs"
	"testing"
	"time"
)

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

// useTestMigrations points the package at the testdata migrations for the
// duration of a test, restoring the previous source afterwards.
func useTestMigrations(t *testing.T) {
	t.Helper()

	sub, err := fs.Sub(testMigrationsFS, "testdata")
	if err != nil {
		t.Fatalf("fs.Sub: %v", err)
	}

	orig := migrationSource
	t.Cleanup(func() { migrationSource = orig })
	SetMigrationSource(sub)
}

func TestMigrate(t *testing.T) {
	useTestMigrations(t)

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	var tableName string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='test_zones'",
	).Scan(&tableName)
	if err != nil {
		t.Fatalf("table test_zones not created: %v", err)
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 1 {
		t.Errorf("expected 1 applied migration, got %d", len(applied))
	}
	if len(pending) != 0 {
		t.Errorf("expected 0 pending migrations, got %d", len(pending))
	}

	// Running again should be idempotent.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	useTestMigrations(t)

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}

	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='test_zones'",
	).Scan(&count)
	if err != nil {
		t.Fatalf("query error: %v", err)
	}
	if count != 0 {
		t.Error("table test_zones should have been dropped")
	}

	applied, _, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected 0 applied migrations after rollback, got %d", len(applied))
	}
}

func TestMigrateWithoutSource(t *testing.T) {
	orig := migrationSource
	t.Cleanup(func() { migrationSource = orig })
	migrationSource = nil

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	// No registered source is a no-op, not an error.
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() with no source error = %v", err)
	}
}

func TestGetMigrationStatus(t *testing.T) {
	useTestMigrations(t)

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()

	if err := db.createMigrationsTable(ctx); err != nil {
		t.Fatalf("createMigrationsTable() error = %v", err)
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected 0 applied, got %d", len(applied))
	}
	if len(pending) != 1 {
		t.Errorf("expected 1 pending, got %d", len(pending))
	}
}

func TestSplitMigrationFilename(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		wantVersion string
		wantDesc    string
		wantUp      bool
		wantOk      bool
	}{
		{
			name:        "up migration",
			filename:    "20260801_090000_create_zones.up.sql",
			wantVersion: "20260801_090000",
			wantDesc:    "create_zones",
			wantUp:      true,
			wantOk:      true,
		},
		{
			name:        "down migration",
			filename:    "20260801_090000_create_zones.down.sql",
			wantVersion: "20260801_090000",
			wantDesc:    "create_zones",
			wantUp:      false,
			wantOk:      true,
		},
		{
			name:     "not sql",
			filename: "readme.txt",
			wantOk:   false,
		},
		{
			name:     "no direction suffix",
			filename: "20260801_090000_create_zones.sql",
			wantOk:   false,
		},
		{
			name:     "no version prefix",
			filename: "stray.up.sql",
			wantOk:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, desc, up, ok := splitMigrationFilename(tt.filename)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOk)
			}
			if !ok {
				return
			}
			if version != tt.wantVersion {
				t.Errorf("version = %q, want %q", version, tt.wantVersion)
			}
			if desc != tt.wantDesc {
				t.Errorf("desc = %q, want %q", desc, tt.wantDesc)
			}
			if up != tt.wantUp {
				t.Errorf("up = %v, want %v", up, tt.wantUp)
			}
		})
	}
}
