package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"key-vault-service/internal/encryption"
	"key-vault-service/internal/infra"
	"key-vault-service/internal/repository"
	"key-vault-service/internal/usecase"
)

const testMaxPayload = 4096

type testServer struct {
	router http.Handler
	coord  *usecase.Coordinator
	http   *recordingHTTP
}

type recordingHTTP struct {
	paths []string
}

func (r *recordingHTTP) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.paths = append(r.paths, method+" "+path+" "+status)
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := infra.NewDB("sqlite::memory:", false)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
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

// setupServer は実際のユースケース・リポジトリ・ガードでハンドラを組み立てる。
func setupServer(t *testing.T) *testServer {
	t.Helper()

	db := setupTestDB(t)
	guard, err := infra.NewLocalGuard(bytes.Repeat([]byte{0x07}, 32))
	if err != nil {
		t.Fatalf("failed to create guard: %v", err)
	}
	engine, err := encryption.NewEngine(encryption.DefaultEngineConfig())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	keys := usecase.NewKeyService(repository.NewKeyRepository(db), guard, engine, usecase.NewKeyCache(16, time.Minute), nil,
		usecase.KeyServiceConfig{RotationInterval: 90 * 24 * time.Hour})
	vault := usecase.NewVaultService(keys, repository.NewRecordRepository(db), engine, usecase.VaultConfig{MaxPayloadBytes: testMaxPayload})
	audit := usecase.NewAuditService(repository.NewAuditRepository(db), nil, time.Second)
	coord := usecase.NewCoordinator(keys, vault, audit, engine, nil, nil, nil, usecase.CoordinatorConfig{
		OperationTimeout:      5 * time.Second,
		MaxEncryptionAttempts: 3,
		MaxPayloadBytes:       testMaxPayload,
	})

	rec := &recordingHTTP{}
	router := NewRouter(RouterConfig{
		Keys:    NewKeyHandler(coord),
		Crypto:  NewCryptoHandler(coord, testMaxPayload),
		Audit:   NewAuditHandler(coord),
		Metrics: rec,
		Health:  func(ctx context.Context) error { return sqlDBPing(ctx, db) },
	})
	return &testServer{router: router, coord: coord, http: rec}
}

func sqlDBPing(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// do はリクエストを送り、レスポンスボディをoutにデコードする。
func (s *testServer) do(t *testing.T, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(RequesterHeader, "svc-billing")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec
}

func (s *testServer) createKey(t *testing.T, tenant, keyType, alg string) KeyResponse {
	t.Helper()

	var resp KeyResponse
	rec := s.do(t, http.MethodPost, "/v1/tenants/"+tenant+"/keys", map[string]any{
		"key_type":  keyType,
		"algorithm": alg,
		"metadata":  map[string]any{"purpose": "pii", "compliance_tags": []string{"gdpr"}},
	}, &resp)
	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return resp
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var resp struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response %q: %v", rec.Body.String(), err)
	}
	return resp.Code
}

func mustContain(t *testing.T, body, want string) {
	t.Helper()
	if !strings.Contains(body, want) {
		t.Errorf("want body to contain %q, got %s", want, body)
	}
}
