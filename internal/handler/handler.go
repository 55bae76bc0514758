// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"key-vault-service/internal/domain"
	"key-vault-service/internal/usecase"
	"key-vault-service/pkg/httputil"
)

// RequesterHeader は呼び出し元の識別子を運ぶヘッダー。
const RequesterHeader = "X-Requester-ID"

// Vault はハンドラが呼び出す操作。usecase.Coordinatorが実装する。
type Vault interface {
	GenerateKey(ctx context.Context, req usecase.GenerateKeyRequest) (*domain.KeyMetadata, error)
	ListKeys(ctx context.Context, req usecase.ListKeysRequest) ([]*domain.KeyMetadata, error)
	RotateKey(ctx context.Context, req usecase.RotateKeyRequest) (*domain.RotationResult, error)
	RevokeKey(ctx context.Context, req usecase.RevokeKeyRequest) (*domain.KeyMetadata, error)
	ResetKeyAttempts(ctx context.Context, req usecase.ResetKeyAttemptsRequest) (bool, error)
	Encrypt(ctx context.Context, req usecase.EncryptRequest) (*usecase.EncryptResult, error)
	Decrypt(ctx context.Context, req usecase.DecryptRequest) (*usecase.DecryptResult, error)
	Hash(ctx context.Context, req usecase.HashRequest) (*usecase.DigestResult, error)
	HMAC(ctx context.Context, req usecase.HMACRequest) (*usecase.DigestResult, error)
	VerifyHMAC(ctx context.Context, req usecase.VerifyHMACRequest) (bool, error)
	QueryAuditLog(ctx context.Context, req usecase.AuditQueryRequest) (*domain.AuditPage, error)
	GetStatistics(ctx context.Context, req usecase.StatisticsRequest) (*domain.AuditStatistics, error)
	RejectRequest(ctx context.Context, req usecase.RejectedRequest) error
}

// reject は操作に到達しなかった要求をvaultに記録させ、レスポンスに使うエラーを返す。
// ボディのエラーはドメインのエラーに置き換える。
func reject(r *http.Request, vault Vault, operation, keyID string, err error) error {
	switch {
	case errors.Is(err, httputil.ErrBodyTooLarge):
		err = fmt.Errorf("%w: %v", domain.ErrPayloadTooLarge, err)
	case errors.Is(err, httputil.ErrMalformedBody):
		err = domain.NewValidationError("body", "must be valid JSON")
	}
	return vault.RejectRequest(r.Context(), usecase.RejectedRequest{
		Operation: operation,
		TenantID:  tenantID(r),
		Requester: requester(r),
		KeyID:     keyID,
		Cause:     err,
	})
}

func tenantID(r *http.Request) string {
	return chi.URLParam(r, "tenant_id")
}

func requester(r *http.Request) string {
	return r.Header.Get(RequesterHeader)
}

// KeyResponse は鍵メタデータのレスポンス形式。鍵素材は含まない。
type KeyResponse struct {
	ID          string                  `json:"id"`
	TenantID    string                  `json:"tenant_id"`
	KeyType     string                  `json:"key_type"`
	Algorithm   string                  `json:"algorithm"`
	Version     uint                    `json:"version"`
	Status      string                  `json:"status"`
	PublicKey   string                  `json:"public_key,omitempty"`
	RotatedFrom string                  `json:"rotated_from,omitempty"`
	ExpiresAt   string                  `json:"expires_at"`
	Metadata    domain.CreationMetadata `json:"metadata"`
	CreatedAt   string                  `json:"created_at"`
}

func newKeyResponse(m *domain.KeyMetadata) KeyResponse {
	resp := KeyResponse{
		ID:          m.ID,
		TenantID:    m.TenantID,
		KeyType:     string(m.KeyType),
		Algorithm:   string(m.Algorithm),
		Version:     m.Version,
		Status:      string(m.Status),
		RotatedFrom: m.RotatedFrom,
		ExpiresAt:   m.ExpiresAt.Format(time.RFC3339),
		Metadata:    m.Metadata,
		CreatedAt:   m.CreatedAt.Format(time.RFC3339),
	}
	if len(m.PublicKey) > 0 {
		resp.PublicKey = base64.StdEncoding.EncodeToString(m.PublicKey)
	}
	return resp
}
