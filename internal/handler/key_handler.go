package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"key-vault-service/internal/domain"
	"key-vault-service/internal/usecase"
	"key-vault-service/pkg/httputil"
)

// keyBodyLimit は鍵管理リクエストのボディ上限。
const keyBodyLimit = 64 << 10

// KeyHandler は鍵管理のHTTPハンドラを提供する。
type KeyHandler struct {
	vault Vault
}

// NewKeyHandler は新しいKeyHandlerを生成する。
func NewKeyHandler(vault Vault) *KeyHandler {
	return &KeyHandler{vault: vault}
}

// CreateKeyRequest は鍵生成のリクエスト形式。
type CreateKeyRequest struct {
	KeyType   string                  `json:"key_type"`
	Algorithm string                  `json:"algorithm"`
	Metadata  domain.CreationMetadata `json:"metadata"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyResponse `json:"keys"`
}

// RotateKeyResponse は鍵ローテーションのレスポンス形式。
type RotateKeyResponse struct {
	OldKeyID   string      `json:"old_key_id"`
	NewKeyID   string      `json:"new_key_id"`
	NewVersion uint        `json:"new_version"`
	Key        KeyResponse `json:"key"`
}

// ResetAttemptsResponse はロックアウト解除のレスポンス形式。
type ResetAttemptsResponse struct {
	KeyID   string `json:"key_id"`
	Cleared bool   `json:"cleared"`
}

type reasonBody struct {
	Reason string `json:"reason"`
	Hard   bool   `json:"hard"`
}

// CreateKey は新しい暗号鍵を生成する。
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var body CreateKeyRequest
	if err := httputil.DecodeJSON(w, r, &body, keyBodyLimit); err != nil {
		writeError(w, reject(r, h.vault, usecase.OpGenerateKey, "", err))
		return
	}

	meta, err := h.vault.GenerateKey(r.Context(), usecase.GenerateKeyRequest{
		TenantID:  tenantID(r),
		Requester: requester(r),
		KeyType:   body.KeyType,
		Algorithm: body.Algorithm,
		Metadata:  body.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.JSON(w, http.StatusCreated, newKeyResponse(meta))
}

// ListKeys はテナントの鍵一覧を取得する。status・key_typeクエリで絞り込める。
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keys, err := h.vault.ListKeys(r.Context(), usecase.ListKeysRequest{
		TenantID:  tenantID(r),
		Requester: requester(r),
		Status:    q.Get("status"),
		KeyType:   q.Get("key_type"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := KeyListResponse{Keys: make([]KeyResponse, 0, len(keys))}
	for _, k := range keys {
		resp.Keys = append(resp.Keys, newKeyResponse(k))
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// RotateKey は鍵をローテーションする。
func (h *KeyHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := httputil.DecodeJSON(w, r, &body, keyBodyLimit); err != nil {
		writeError(w, reject(r, h.vault, usecase.OpRotateKey, chi.URLParam(r, "key_id"), err))
		return
	}

	res, err := h.vault.RotateKey(r.Context(), usecase.RotateKeyRequest{
		TenantID:  tenantID(r),
		Requester: requester(r),
		KeyID:     chi.URLParam(r, "key_id"),
		Reason:    body.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.JSON(w, http.StatusCreated, RotateKeyResponse{
		OldKeyID:   res.OldKeyID,
		NewKeyID:   res.NewKeyID,
		NewVersion: res.NewVersion,
		Key:        newKeyResponse(res.Key),
	})
}

// RevokeKey は鍵を失効させる。
func (h *KeyHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := httputil.DecodeJSON(w, r, &body, keyBodyLimit); err != nil {
		writeError(w, reject(r, h.vault, usecase.OpRevokeKey, chi.URLParam(r, "key_id"), err))
		return
	}

	meta, err := h.vault.RevokeKey(r.Context(), usecase.RevokeKeyRequest{
		TenantID:  tenantID(r),
		Requester: requester(r),
		KeyID:     chi.URLParam(r, "key_id"),
		Reason:    body.Reason,
		Hard:      body.Hard,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, newKeyResponse(meta))
}

// ResetAttempts はロックアウトされた鍵の失敗回数を消去する。
func (h *KeyHandler) ResetAttempts(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	cleared, err := h.vault.ResetKeyAttempts(r.Context(), usecase.ResetKeyAttemptsRequest{
		TenantID:  tenantID(r),
		Requester: requester(r),
		KeyID:     keyID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, ResetAttemptsResponse{KeyID: keyID, Cleared: cleared})
}
