package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestCreateKey_Success(t *testing.T) {
	s := setupServer(t)

	key := s.createKey(t, "tenant-001", "symmetric", "aes-256")

	if key.TenantID != "tenant-001" {
		t.Errorf("want tenant_id tenant-001, got %s", key.TenantID)
	}
	if key.Algorithm != "AES-256" || key.KeyType != "symmetric" {
		t.Errorf("want AES-256/symmetric, got %s/%s", key.Algorithm, key.KeyType)
	}
	if key.Version != 1 || key.Status != "active" {
		t.Errorf("want version 1 active, got %d %s", key.Version, key.Status)
	}
	if key.PublicKey != "" {
		t.Error("want no public key for symmetric key")
	}
	if key.Metadata.Purpose != "pii" {
		t.Errorf("want purpose pii, got %q", key.Metadata.Purpose)
	}
}

func TestCreateKey_AsymmetricExposesPublicKeyOnly(t *testing.T) {
	s := setupServer(t)

	var raw map[string]any
	rec := s.do(t, http.MethodPost, "/v1/tenants/tenant-001/keys", map[string]any{
		"key_type":  "asymmetric",
		"algorithm": "EC-P256",
	}, &raw)
	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d", rec.Code)
	}
	if raw["public_key"] == "" || raw["public_key"] == nil {
		t.Error("want public key in response")
	}
	for _, field := range []string{"material", "private_key", "wrapped_private_key"} {
		if _, ok := raw[field]; ok {
			t.Errorf("response must not contain %s", field)
		}
	}
}

func TestCreateKey_DirectHandlerCall(t *testing.T) {
	s := setupServer(t)
	h := NewKeyHandler(s.coord)

	req := httptest.NewRequest(http.MethodPost, "/v1/tenants/tenant-001/keys", strings.NewReader(`{"key_type":"symmetric","algorithm":"CHACHA20-POLY1305"}`))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("tenant_id", "tenant-001")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.CreateKey(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("want status 201, got %d", rec.Code)
	}
}

func TestCreateKey_Errors(t *testing.T) {
	tests := []struct {
		name       string
		tenant     string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "invalid tenant",
			tenant:     "tenant.001",
			body:       `{"key_type":"symmetric","algorithm":"AES-256"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "unknown key type",
			tenant:     "tenant-001",
			body:       `{"key_type":"quantum","algorithm":"AES-256"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_KEY_TYPE",
		},
		{
			name:       "algorithm does not match key type",
			tenant:     "tenant-001",
			body:       `{"key_type":"symmetric","algorithm":"RSA-2048"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_ALGORITHM",
		},
		{
			name:       "missing fields",
			tenant:     "tenant-001",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "malformed JSON",
			tenant:     "tenant-001",
			body:       `{"key_type":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupServer(t)

			rec := s.do(t, http.MethodPost, "/v1/tenants/"+tt.tenant+"/keys", tt.body, nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("want status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if got := errorCode(t, rec); got != tt.wantCode {
				t.Errorf("want code %s, got %s", tt.wantCode, got)
			}
		})
	}
}

func TestCreateKey_ValidationDetails(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPost, "/v1/tenants/tenant-001/keys", `{}`, nil)

	var resp struct {
		Details map[string]string `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Details["key_type"] != "is required" {
		t.Errorf("want key_type detail, got %v", resp.Details)
	}
}

func TestListKeys(t *testing.T) {
	s := setupServer(t)
	s.createKey(t, "tenant-001", "symmetric", "AES-256")
	s.createKey(t, "tenant-001", "asymmetric", "EC-P256")
	s.createKey(t, "tenant-002", "symmetric", "AES-256")

	var all KeyListResponse
	rec := s.do(t, http.MethodGet, "/v1/tenants/tenant-001/keys", nil, &all)
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if len(all.Keys) != 2 {
		t.Errorf("want 2 keys, got %d", len(all.Keys))
	}

	var filtered KeyListResponse
	s.do(t, http.MethodGet, "/v1/tenants/tenant-001/keys?key_type=asymmetric", nil, &filtered)
	if len(filtered.Keys) != 1 || filtered.Keys[0].KeyType != "asymmetric" {
		t.Errorf("want 1 asymmetric key, got %+v", filtered.Keys)
	}

	rec = s.do(t, http.MethodGet, "/v1/tenants/tenant-001/keys?status=deleted", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestListKeys_EmptyTenant(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodGet, "/v1/tenants/tenant-001/keys", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	mustContain(t, rec.Body.String(), `"keys":[]`)
}

func TestRotateAndRevokeKey(t *testing.T) {
	s := setupServer(t)
	key := s.createKey(t, "tenant-001", "symmetric", "AES-256")

	var rotated RotateKeyResponse
	rec := s.do(t, http.MethodPost, "/v1/tenants/tenant-001/keys/"+key.ID+"/rotate", map[string]string{"reason": "scheduled"}, &rotated)
	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rotated.OldKeyID != key.ID || rotated.NewVersion != 2 {
		t.Errorf("unexpected rotation result: %+v", rotated)
	}
	if rotated.Key.RotatedFrom != key.ID {
		t.Errorf("want rotated_from %s, got %s", key.ID, rotated.Key.RotatedFrom)
	}

	rec = s.do(t, http.MethodPost, "/v1/tenants/tenant-001/keys/"+key.ID+"/rotate", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("want status 409 rotating a rotated key, got %d", rec.Code)
	}

	var revoked KeyResponse
	rec = s.do(t, http.MethodPost, "/v1/tenants/tenant-001/keys/"+rotated.NewKeyID+"/revoke", map[string]any{"reason": "compromised", "hard": true}, &revoked)
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if revoked.Status != "hard_revoked" {
		t.Errorf("want hard_revoked, got %s", revoked.Status)
	}

	rec = s.do(t, http.MethodPost, "/v1/tenants/tenant-001/keys/"+rotated.NewKeyID+"/revoke", nil, nil)
	if got := errorCode(t, rec); rec.Code != http.StatusConflict || got != "KEY_ALREADY_REVOKED" {
		t.Errorf("want 409 KEY_ALREADY_REVOKED, got %d %s", rec.Code, got)
	}
}

func TestRotateKey_NotFound(t *testing.T) {
	s := setupServer(t)
	key := s.createKey(t, "tenant-001", "symmetric", "AES-256")

	rec := s.do(t, http.MethodPost, "/v1/tenants/tenant-002/keys/"+key.ID+"/rotate", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/v1/tenants/tenant-001/keys/not-a-uuid/rotate", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestResetAttempts(t *testing.T) {
	s := setupServer(t)
	key := s.createKey(t, "tenant-001", "symmetric", "AES-256")

	var resp ResetAttemptsResponse
	rec := s.do(t, http.MethodPost, "/v1/tenants/tenant-001/keys/"+key.ID+"/reset-attempts", nil, &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if resp.KeyID != key.ID || resp.Cleared {
		t.Errorf("want nothing cleared for %s, got %+v", key.ID, resp)
	}
}
