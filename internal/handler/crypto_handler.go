package handler

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"key-vault-service/internal/domain"
	"key-vault-service/internal/usecase"
	"key-vault-service/pkg/httputil"
)

// CryptoHandler は暗号化・復号・ダイジェストのHTTPハンドラを提供する。
type CryptoHandler struct {
	vault     Vault
	bodyLimit int64
}

// NewCryptoHandler は新しいCryptoHandlerを生成する。
// ボディ上限はbase64のオーバーヘッドを考慮し、ペイロード上限より大きく取る。
// ペイロード上限の判定はユースケース層で行う。
func NewCryptoHandler(vault Vault, maxPayloadBytes int64) *CryptoHandler {
	limit := int64(0)
	if maxPayloadBytes > 0 {
		limit = maxPayloadBytes*2 + 1<<20
	}
	return &CryptoHandler{vault: vault, bodyLimit: limit}
}

// EncryptBody は暗号化のリクエスト形式。valueは任意のJSON、binaryはbase64のバイト列で、どちらか一方を指定する。
type EncryptBody struct {
	KeyID          string          `json:"key_id"`
	Value          json.RawMessage `json:"value"`
	Binary         []byte          `json:"binary"`
	Classification string          `json:"classification"`
}

// EncryptResponse は暗号化のレスポンス形式。
type EncryptResponse struct {
	DataID         string `json:"data_id"`
	KeyID          string `json:"key_id"`
	KeyVersion     uint   `json:"key_version"`
	KeyType        string `json:"key_type"`
	Algorithm      string `json:"algorithm"`
	DataType       string `json:"data_type"`
	OriginalSize   int    `json:"original_size"`
	CiphertextSize int    `json:"ciphertext_size"`
	CreatedAt      string `json:"created_at"`
}

// DecryptBody は復号のリクエスト形式。
type DecryptBody struct {
	DataID string `json:"data_id"`
	KeyID  string `json:"key_id"`
}

// DecryptResponse は復号のレスポンス形式。data_typeがbinaryの場合はbinary、それ以外はvalueに値が入る。
type DecryptResponse struct {
	DataID     string                `json:"data_id"`
	KeyID      string                `json:"key_id"`
	KeyVersion uint                  `json:"key_version"`
	Algorithm  string                `json:"algorithm"`
	DataType   string                `json:"data_type"`
	Value      json.RawMessage       `json:"value,omitempty"`
	Binary     []byte                `json:"binary,omitempty"`
	Metadata   domain.RecordMetadata `json:"metadata"`
}

// DigestBody はハッシュ・HMACのリクエスト形式。key・data・signatureはbase64。
type DigestBody struct {
	Algorithm string `json:"algorithm"`
	Key       []byte `json:"key"`
	Data      []byte `json:"data"`
}

// VerifyHMACBody はHMAC検証のリクエスト形式。signatureは16進文字列。
type VerifyHMACBody struct {
	Algorithm string `json:"algorithm"`
	Key       []byte `json:"key"`
	Data      []byte `json:"data"`
	Signature string `json:"signature"`
}

// DigestResponse はハッシュ・HMACのレスポンス形式。digestは16進文字列。
type DigestResponse struct {
	Algorithm string `json:"algorithm"`
	Digest    string `json:"digest"`
}

// VerifyResponse はHMAC検証のレスポンス形式。
type VerifyResponse struct {
	Valid bool `json:"valid"`
}

// Encrypt は値を暗号化して保存する。
func (h *CryptoHandler) Encrypt(w http.ResponseWriter, r *http.Request) {
	var body EncryptBody
	if err := httputil.DecodeJSON(w, r, &body, h.bodyLimit); err != nil {
		writeError(w, reject(r, h.vault, usecase.OpEncrypt, "", err))
		return
	}

	req := usecase.EncryptRequest{
		TenantID:       tenantID(r),
		Requester:      requester(r),
		KeyID:          body.KeyID,
		Binary:         body.Binary,
		Classification: body.Classification,
	}
	// 型付きnilをanyに入れると指定ありと区別できなくなる
	if body.Value != nil {
		req.Value = body.Value
	}

	res, err := h.vault.Encrypt(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.JSON(w, http.StatusCreated, EncryptResponse{
		DataID:         res.DataID,
		KeyID:          res.KeyID,
		KeyVersion:     res.KeyVersion,
		KeyType:        string(res.KeyType),
		Algorithm:      string(res.Algorithm),
		DataType:       string(res.DataType),
		OriginalSize:   res.OriginalSize,
		CiphertextSize: res.CiphertextSize,
		CreatedAt:      res.CreatedAt.Format(time.RFC3339),
	})
}

// Decrypt は保存済みデータを復号する。
func (h *CryptoHandler) Decrypt(w http.ResponseWriter, r *http.Request) {
	var body DecryptBody
	if err := httputil.DecodeJSON(w, r, &body, keyBodyLimit); err != nil {
		writeError(w, reject(r, h.vault, usecase.OpDecrypt, "", err))
		return
	}

	res, err := h.vault.Decrypt(r.Context(), usecase.DecryptRequest{
		TenantID:  tenantID(r),
		Requester: requester(r),
		DataID:    body.DataID,
		KeyID:     body.KeyID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := DecryptResponse{
		DataID:     res.DataID,
		KeyID:      res.KeyID,
		KeyVersion: res.KeyVersion,
		Algorithm:  string(res.Algorithm),
		DataType:   string(res.DataType),
		Metadata:   res.Metadata,
	}
	if res.DataType == domain.DataTypeBinary {
		resp.Binary = res.Data
	} else {
		resp.Value = json.RawMessage(res.Data)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// Hash はデータのダイジェストを計算する。
func (h *CryptoHandler) Hash(w http.ResponseWriter, r *http.Request) {
	var body DigestBody
	if err := httputil.DecodeJSON(w, r, &body, h.bodyLimit); err != nil {
		writeError(w, reject(r, h.vault, usecase.OpHash, "", err))
		return
	}

	res, err := h.vault.Hash(r.Context(), usecase.HashRequest{
		TenantID:  tenantID(r),
		Requester: requester(r),
		Algorithm: body.Algorithm,
		Data:      body.Data,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, DigestResponse{Algorithm: string(res.Algorithm), Digest: hex.EncodeToString(res.Digest)})
}

// HMAC はデータのHMACを計算する。
func (h *CryptoHandler) HMAC(w http.ResponseWriter, r *http.Request) {
	var body DigestBody
	if err := httputil.DecodeJSON(w, r, &body, h.bodyLimit); err != nil {
		writeError(w, reject(r, h.vault, usecase.OpHMAC, "", err))
		return
	}

	res, err := h.vault.HMAC(r.Context(), usecase.HMACRequest{
		TenantID:  tenantID(r),
		Requester: requester(r),
		Algorithm: body.Algorithm,
		Key:       body.Key,
		Data:      body.Data,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, DigestResponse{Algorithm: string(res.Algorithm), Digest: hex.EncodeToString(res.Digest)})
}

// VerifyHMAC は署名を検証する。一致しない場合もステータスは200でvalidがfalseになる。
func (h *CryptoHandler) VerifyHMAC(w http.ResponseWriter, r *http.Request) {
	var body VerifyHMACBody
	if err := httputil.DecodeJSON(w, r, &body, h.bodyLimit); err != nil {
		writeError(w, reject(r, h.vault, usecase.OpVerifyHMAC, "", err))
		return
	}
	sig, err := hex.DecodeString(body.Signature)
	if err != nil {
		writeError(w, reject(r, h.vault, usecase.OpVerifyHMAC, "", domain.NewValidationError("signature", "must be a hex string")))
		return
	}

	valid, err := h.vault.VerifyHMAC(r.Context(), usecase.VerifyHMACRequest{
		TenantID:  tenantID(r),
		Requester: requester(r),
		Algorithm: body.Algorithm,
		Key:       body.Key,
		Data:      body.Data,
		Signature: sig,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, VerifyResponse{Valid: valid})
}
