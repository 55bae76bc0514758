package repository

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"key-vault-service/internal/domain"
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成し、SQLite用マイグレーションを適用する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// :memory:は接続ごとに別のデータベースになるため接続を1本に固定する
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	files, err := filepath.Glob(filepath.Join("..", "..", "migrations", "sqlite", "*.sql"))
	if err != nil || len(files) == 0 {
		t.Fatalf("failed to find sqlite migrations: %v", err)
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("failed to read %s: %v", f, err)
		}
		if err := db.Exec(string(sql)).Error; err != nil {
			t.Fatalf("failed to apply %s: %v", f, err)
		}
	}

	return db
}

func newTestKey(tenantID string, material domain.KeyMaterial, alg domain.Algorithm) *domain.EncryptionKey {
	return &domain.EncryptionKey{
		TenantID:  tenantID,
		Algorithm: alg,
		Material:  material,
		Version:   1,
		Status:    domain.KeyStatusActive,
		ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
		Metadata: domain.CreationMetadata{
			Purpose:        "pii",
			ComplianceTags: []string{"gdpr"},
		},
	}
}

func TestKeyRepository_CreateAndFindByID(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRepository(setupTestDB(t))

	tests := []struct {
		name     string
		material domain.KeyMaterial
		alg      domain.Algorithm
	}{
		{"symmetric", domain.SymmetricMaterial{WrappedKey: []byte("wrapped")}, domain.AlgorithmAES256},
		{"asymmetric", domain.AsymmetricMaterial{PublicKey: []byte("pub"), WrappedPrivateKey: []byte("priv")}, domain.AlgorithmRSA2048},
		{"hybrid", domain.HybridMaterial{PublicKey: []byte("pub"), WrappedPrivateKey: []byte("priv"), WrappedSymmetricKey: []byte("sym")}, domain.AlgorithmECP256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := newTestKey("tenant-1", tt.material, tt.alg)
			if err := repo.Create(ctx, key); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if key.ID == "" {
				t.Fatal("expected ID to be generated, got empty")
			}
			if key.CreatedAt.IsZero() {
				t.Error("expected CreatedAt to be set, got zero value")
			}

			got, err := repo.FindByID(ctx, "tenant-1", key.ID)
			if err != nil {
				t.Fatalf("FindByID failed: %v", err)
			}
			if got == nil {
				t.Fatal("expected key, got nil")
			}
			if got.KeyType() != tt.material.KeyType() {
				t.Errorf("expected key type %s, got %s", tt.material.KeyType(), got.KeyType())
			}
			if got.Algorithm != tt.alg {
				t.Errorf("expected algorithm %s, got %s", tt.alg, got.Algorithm)
			}
			if got.Metadata.Purpose != "pii" || len(got.Metadata.ComplianceTags) != 1 {
				t.Errorf("expected metadata to round trip, got %+v", got.Metadata)
			}

			switch m := got.Material.(type) {
			case domain.SymmetricMaterial:
				if string(m.WrappedKey) != "wrapped" {
					t.Errorf("expected wrapped key, got %s", m.WrappedKey)
				}
			case domain.AsymmetricMaterial:
				if string(m.PublicKey) != "pub" || string(m.WrappedPrivateKey) != "priv" {
					t.Errorf("unexpected material %+v", m)
				}
			case domain.HybridMaterial:
				if string(m.WrappedSymmetricKey) != "sym" {
					t.Errorf("unexpected material %+v", m)
				}
			}
		})
	}
}

func TestKeyRepository_FindByID_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRepository(setupTestDB(t))

	key := newTestKey("tenant-1", domain.SymmetricMaterial{WrappedKey: []byte("w")}, domain.AlgorithmAES256)
	if err := repo.Create(ctx, key); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := repo.FindByID(ctx, "tenant-2", key.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for other tenant, got %+v", got)
	}

	got, err = repo.FindByID(ctx, "tenant-1", "missing")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestKeyRepository_FindAll(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	sym := newTestKey("tenant-1", domain.SymmetricMaterial{WrappedKey: []byte("w")}, domain.AlgorithmAES256)
	asym := newTestKey("tenant-1", domain.AsymmetricMaterial{PublicKey: []byte("p"), WrappedPrivateKey: []byte("w")}, domain.AlgorithmRSA2048)
	asym.Status = domain.KeyStatusRevoked
	other := newTestKey("tenant-2", domain.SymmetricMaterial{WrappedKey: []byte("w")}, domain.AlgorithmAES256)
	for _, k := range []*domain.EncryptionKey{sym, asym, other} {
		if err := repo.Create(ctx, k); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	keys, err := repo.FindAll(ctx, "tenant-1", domain.KeyFilter{})
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 keys, got %d", len(keys))
	}

	keys, err = repo.FindAll(ctx, "tenant-1", domain.KeyFilter{Status: domain.KeyStatusActive})
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != sym.ID {
		t.Errorf("expected only active key, got %d keys", len(keys))
	}

	keys, err = repo.FindAll(ctx, "tenant-1", domain.KeyFilter{KeyType: domain.KeyTypeAsymmetric})
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != asym.ID {
		t.Errorf("expected only asymmetric key, got %d keys", len(keys))
	}
}

func TestKeyRepository_ReplaceActive(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRepository(setupTestDB(t))

	old := newTestKey("tenant-1", domain.SymmetricMaterial{WrappedKey: []byte("v1")}, domain.AlgorithmAES256)
	if err := repo.Create(ctx, old); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	successor := newTestKey("tenant-1", domain.SymmetricMaterial{WrappedKey: []byte("v2")}, domain.AlgorithmAES256)
	successor.Version = 2
	successor.RotatedFrom = old.ID

	replaced, err := repo.ReplaceActive(ctx, "tenant-1", old.ID, "scheduled", successor)
	if err != nil {
		t.Fatalf("ReplaceActive failed: %v", err)
	}
	if !replaced {
		t.Fatal("expected replaced=true")
	}
	if successor.ID == "" {
		t.Fatal("expected successor ID to be set")
	}

	gotOld, _ := repo.FindByID(ctx, "tenant-1", old.ID)
	if gotOld.Status != domain.KeyStatusRotated {
		t.Errorf("expected old key rotated, got %s", gotOld.Status)
	}
	if gotOld.StatusReason != "scheduled" {
		t.Errorf("expected reason scheduled, got %s", gotOld.StatusReason)
	}
	gotNew, _ := repo.FindByID(ctx, "tenant-1", successor.ID)
	if gotNew.Version != 2 || gotNew.RotatedFrom != old.ID {
		t.Errorf("unexpected successor %+v", gotNew)
	}

	// 既にrotatedの鍵は置き換えない
	again := newTestKey("tenant-1", domain.SymmetricMaterial{WrappedKey: []byte("v3")}, domain.AlgorithmAES256)
	replaced, err = repo.ReplaceActive(ctx, "tenant-1", old.ID, "again", again)
	if err != nil {
		t.Fatalf("ReplaceActive failed: %v", err)
	}
	if replaced {
		t.Error("expected replaced=false for rotated key")
	}
	keys, _ := repo.FindAll(ctx, "tenant-1", domain.KeyFilter{})
	if len(keys) != 2 {
		t.Errorf("expected no successor to be created, got %d keys", len(keys))
	}
}

func TestKeyRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRepository(setupTestDB(t))

	key := newTestKey("tenant-1", domain.SymmetricMaterial{WrappedKey: []byte("w")}, domain.AlgorithmAES256)
	if err := repo.Create(ctx, key); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	from := []domain.KeyStatus{domain.KeyStatusActive, domain.KeyStatusRotated}
	updated, err := repo.UpdateStatus(ctx, "tenant-1", key.ID, from, domain.KeyStatusRevoked, "compromised")
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if !updated {
		t.Fatal("expected updated=true")
	}

	// 既にrevokedのため条件に一致しない
	updated, err = repo.UpdateStatus(ctx, "tenant-1", key.ID, from, domain.KeyStatusRevoked, "again")
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if updated {
		t.Error("expected updated=false")
	}

	got, _ := repo.FindByID(ctx, "tenant-1", key.ID)
	if got.Status != domain.KeyStatusRevoked || got.StatusReason != "compromised" {
		t.Errorf("unexpected status %s (%s)", got.Status, got.StatusReason)
	}
}

func TestKeyRepository_FindExpiredActive(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRepository(setupTestDB(t))
	now := time.Now().UTC()

	expired := newTestKey("tenant-1", domain.SymmetricMaterial{WrappedKey: []byte("w")}, domain.AlgorithmAES256)
	expired.ExpiresAt = now.Add(-time.Hour)
	valid := newTestKey("tenant-1", domain.SymmetricMaterial{WrappedKey: []byte("w")}, domain.AlgorithmAES256)
	revoked := newTestKey("tenant-2", domain.SymmetricMaterial{WrappedKey: []byte("w")}, domain.AlgorithmAES256)
	revoked.ExpiresAt = now.Add(-time.Hour)
	revoked.Status = domain.KeyStatusRevoked
	for _, k := range []*domain.EncryptionKey{expired, valid, revoked} {
		if err := repo.Create(ctx, k); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	keys, err := repo.FindExpiredActive(ctx, now, 100)
	if err != nil {
		t.Fatalf("FindExpiredActive failed: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != expired.ID {
		t.Errorf("expected only the expired active key, got %d keys", len(keys))
	}
}
