package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"key-vault-service/internal/encryption"
	"key-vault-service/internal/handler"
	"key-vault-service/internal/infra"
	"key-vault-service/internal/repository"
	"key-vault-service/internal/usecase"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// setupAPI はマイグレーション済みのSQLiteを使ってAPIサーバーを起動する。
func setupAPI(t *testing.T) string {
	t.Helper()

	dsn := "sqlite:" + filepath.Join(t.TempDir(), "vault.db")
	t.Setenv("DATABASE_URL", dsn)
	t.Setenv("MIGRATIONS_DIR", filepath.Join("..", "..", "migrations", "sqlite"))

	out, err := runCLI(t, "migrate", "up")
	if err != nil {
		t.Fatalf("migrate up failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Applied 3 migration(s)") {
		t.Fatalf("unexpected migrate output: %s", out)
	}

	db, err := infra.NewDB(dsn, false)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	guard, err := infra.NewLocalGuard(bytes.Repeat([]byte{0x11}, 32))
	if err != nil {
		t.Fatalf("failed to create guard: %v", err)
	}
	engine, err := encryption.NewEngine(encryption.DefaultEngineConfig())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	keys := usecase.NewKeyService(repository.NewKeyRepository(db), guard, engine, nil, nil,
		usecase.KeyServiceConfig{RotationInterval: 24 * time.Hour})
	vault := usecase.NewVaultService(keys, repository.NewRecordRepository(db), engine, usecase.VaultConfig{MaxPayloadBytes: 1 << 20})
	audit := usecase.NewAuditService(repository.NewAuditRepository(db), nil, time.Second)
	coord := usecase.NewCoordinator(keys, vault, audit, engine, nil, nil, nil, usecase.CoordinatorConfig{MaxEncryptionAttempts: 5})

	srv := httptest.NewServer(handler.NewRouter(handler.RouterConfig{
		Keys:   handler.NewKeyHandler(coord),
		Crypto: handler.NewCryptoHandler(coord, 1<<20),
		Audit:  handler.NewAuditHandler(coord),
	}))
	t.Cleanup(func() {
		srv.Close()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return srv.URL
}

func TestKeyctl_EndToEnd(t *testing.T) {
	api := setupAPI(t)
	base := []string{"--api-url", api, "--requester", "ops-cli"}

	out, err := runCLI(t, append(base, "generate", "--tenant", "acme", "--type", "symmetric", "--algorithm", "AES-256", "--tag", "pci", "--output", "json")...)
	if err != nil {
		t.Fatalf("generate failed: %v\n%s", err, out)
	}
	var key handler.KeyResponse
	if err := json.Unmarshal([]byte(out), &key); err != nil {
		t.Fatalf("failed to decode generate output %q: %v", out, err)
	}
	if key.Algorithm != "AES-256" || len(key.Metadata.ComplianceTags) != 1 {
		t.Errorf("unexpected key: %+v", key)
	}

	out, err = runCLI(t, append(base, "encrypt", "--tenant", "acme", "--key", key.ID, "--text", "hello", "--output", "json")...)
	if err != nil {
		t.Fatalf("encrypt failed: %v\n%s", err, out)
	}
	var enc handler.EncryptResponse
	if err := json.Unmarshal([]byte(out), &enc); err != nil {
		t.Fatalf("failed to decode encrypt output %q: %v", out, err)
	}

	out, err = runCLI(t, append(base, "decrypt", "--tenant", "acme", "--data", enc.DataID)...)
	if err != nil {
		t.Fatalf("decrypt failed: %v\n%s", err, out)
	}
	if strings.TrimSpace(out) != `"hello"` {
		t.Errorf("want \"hello\", got %q", out)
	}

	out, err = runCLI(t, append(base, "list", "--tenant", "acme")...)
	if err != nil {
		t.Fatalf("list failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, key.ID) {
		t.Errorf("want key %s in list output, got %s", key.ID, out)
	}

	out, err = runCLI(t, append(base, "audit", "--tenant", "acme", "--operation", "encrypt")...)
	if err != nil {
		t.Fatalf("audit failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ops-cli") || !strings.Contains(out, "Showing 1 of 1 entries") {
		t.Errorf("unexpected audit output: %s", out)
	}

	out, err = runCLI(t, append(base, "stats", "--tenant", "acme")...)
	if err != nil {
		t.Fatalf("stats failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Total: 3") {
		t.Errorf("unexpected stats output: %s", out)
	}
}

func TestKeyctl_Digests(t *testing.T) {
	api := setupAPI(t)
	base := []string{"--api-url", api}

	out, err := runCLI(t, append(base, "hash", "--tenant", "acme", "--data", "abc")...)
	if err != nil {
		t.Fatalf("hash failed: %v\n%s", err, out)
	}
	if !strings.HasPrefix(out, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad") {
		t.Errorf("unexpected hash output: %s", out)
	}

	out, err = runCLI(t, append(base, "hmac", "--tenant", "acme", "--secret", "k", "--data", "msg")...)
	if err != nil {
		t.Fatalf("hmac failed: %v\n%s", err, out)
	}
	sig := strings.Fields(out)[0]

	out, err = runCLI(t, append(base, "verify-hmac", "--tenant", "acme", "--secret", "k", "--data", "msg", "--signature", sig)...)
	if err != nil || !strings.Contains(out, "valid") {
		t.Errorf("want valid signature, got %v: %s", err, out)
	}

	_, err = runCLI(t, append(base, "verify-hmac", "--tenant", "acme", "--secret", "k", "--data", "other", "--signature", sig)...)
	if err == nil {
		t.Error("want error for mismatched signature")
	}
}

func TestKeyctl_ErrorResponse(t *testing.T) {
	api := setupAPI(t)

	_, err := runCLI(t, "--api-url", api, "rotate", "--tenant", "acme", "--key", "not-a-uuid")
	if err == nil {
		t.Fatal("want error")
	}
	if !strings.Contains(err.Error(), "VALIDATION_ERROR") {
		t.Errorf("want validation error code, got %v", err)
	}
}

func TestKeyctl_MissingAPIURL(t *testing.T) {
	t.Setenv("KEYCTL_API_URL", "")

	_, err := runCLI(t, "list", "--tenant", "acme")
	if err == nil || !strings.Contains(err.Error(), "--api-url") {
		t.Errorf("want missing api-url error, got %v", err)
	}
}

func TestKeyctl_Version(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, version) {
		t.Errorf("want version %s, got %s", version, out)
	}
}

func TestMigrationsDir(t *testing.T) {
	t.Setenv("MIGRATIONS_DIR", "")
	tests := map[string]string{
		"postgres://u:p@localhost/db": filepath.Join("migrations", "postgres"),
		"sqlite:/tmp/vault.db":        filepath.Join("migrations", "sqlite"),
		"user:pass@tcp(localhost)/db": filepath.Join("migrations", "mysql"),
	}
	for dsn, want := range tests {
		if got := migrationsDir(dsn); got != want {
			t.Errorf("migrationsDir(%q): want %s, got %s", dsn, want, got)
		}
	}
}

func TestMigrateDryRunAndStatus(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite:"+filepath.Join(t.TempDir(), "vault.db"))
	t.Setenv("MIGRATIONS_DIR", filepath.Join("..", "..", "migrations", "sqlite"))

	out, err := runCLI(t, "migrate", "up", "--dry-run")
	if err != nil {
		t.Fatalf("dry run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "would apply 001_create_encryption_keys") || !strings.Contains(out, "would apply 003_create_audit_entries") {
		t.Errorf("unexpected dry run output: %s", out)
	}

	out, err = runCLI(t, "migrate", "status")
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, out)
	}
	if strings.Count(out, "pending") != 3 {
		t.Errorf("want 3 pending migrations, got: %s", out)
	}

	if out, err := runCLI(t, "migrate", "up"); err != nil {
		t.Fatalf("migrate up failed: %v\n%s", err, out)
	}

	out, err = runCLI(t, "migrate", "status")
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, out)
	}
	if strings.Count(out, "applied") != 3 || strings.Contains(out, "pending") {
		t.Errorf("want 3 applied migrations, got: %s", out)
	}

	out, err = runCLI(t, "migrate", "up", "--dry-run")
	if err != nil {
		t.Fatalf("dry run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "No pending migrations.") {
		t.Errorf("unexpected dry run output: %s", out)
	}
}
