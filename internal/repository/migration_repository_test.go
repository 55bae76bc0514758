package repository

import (
	"context"
	"testing"

	"key-vault-service/internal/domain"
)

func TestMigrationRepository_ApplyAndFind(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewMigrationRepository(db)

	if err := repo.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable failed: %v", err)
	}
	// 2回目は何もしない
	if err := repo.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable failed: %v", err)
	}

	m := &domain.Migration{Version: "900", Name: "create_widgets", Checksum: "abc123"}
	if err := repo.Apply(ctx, m, "CREATE TABLE widgets (id TEXT)"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	var tables int64
	db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='widgets'").Scan(&tables)
	if tables != 1 {
		t.Error("expected widgets table to be created")
	}

	applied, err := repo.FindAllApplied(ctx)
	if err != nil {
		t.Fatalf("FindAllApplied failed: %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("want 1 applied migration, got %d", len(applied))
	}
	got := applied[0]
	if got.Version != "900" || got.Name != "create_widgets" || got.AppliedChecksum != "abc123" {
		t.Errorf("unexpected migration %+v", got)
	}
	if !got.IsApplied() || got.AppliedAt == nil || got.AppliedAt.IsZero() {
		t.Errorf("expected applied status with timestamp, got %+v", got)
	}
}

func TestMigrationRepository_ApplyRollsBackHistory(t *testing.T) {
	ctx := context.Background()
	repo := NewMigrationRepository(setupTestDB(t))
	if err := repo.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable failed: %v", err)
	}

	err := repo.Apply(ctx, &domain.Migration{Version: "901", Name: "broken"}, "CREATE TABEL nope")
	if err == nil {
		t.Fatal("expected error for invalid SQL")
	}

	applied, err := repo.FindAllApplied(ctx)
	if err != nil {
		t.Fatalf("FindAllApplied failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("want no recorded migrations, got %d", len(applied))
	}
}

func TestMigrationRepository_EnsureTableUpgradesLegacyTable(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	if err := db.Exec("CREATE TABLE schema_migrations (version VARCHAR(14) PRIMARY KEY, applied_at DATETIME NOT NULL)").Error; err != nil {
		t.Fatalf("failed to create legacy table: %v", err)
	}
	if err := db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES ('001', CURRENT_TIMESTAMP)").Error; err != nil {
		t.Fatalf("failed to seed legacy row: %v", err)
	}

	repo := NewMigrationRepository(db)
	if err := repo.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable failed: %v", err)
	}
	if !db.Migrator().HasColumn(&SchemaMigrationModel{}, "checksum") {
		t.Fatal("expected checksum column to be added")
	}

	applied, err := repo.FindAllApplied(ctx)
	if err != nil {
		t.Fatalf("FindAllApplied failed: %v", err)
	}
	if len(applied) != 1 || applied[0].AppliedChecksum != "" {
		t.Errorf("want legacy row with empty checksum, got %+v", applied)
	}
}
