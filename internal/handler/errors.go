package handler

import (
	"errors"
	"net/http"

	"key-vault-service/internal/domain"
	"key-vault-service/pkg/httputil"
)

// errorStatus はエラーコードごとのHTTPステータス。
var errorStatus = map[string]int{
	"VALIDATION_ERROR":       http.StatusBadRequest,
	"INVALID_KEY_TYPE":       http.StatusBadRequest,
	"INVALID_ALGORITHM":      http.StatusBadRequest,
	"INVALID_KEY_SIZE":       http.StatusBadRequest,
	"INVALID_KEY_LENGTH":     http.StatusBadRequest,
	"UNSUPPORTED_ALGORITHM":  http.StatusBadRequest,
	"KEY_NOT_FOUND":          http.StatusNotFound,
	"DATA_NOT_FOUND":         http.StatusNotFound,
	"KEY_INACTIVE":           http.StatusConflict,
	"KEY_ALREADY_REVOKED":    http.StatusConflict,
	"KEY_EXPIRED":            http.StatusGone,
	"KEY_LOCKED":             http.StatusLocked,
	"PAYLOAD_TOO_LARGE":      http.StatusRequestEntityTooLarge,
	"INTEGRITY_CHECK_FAILED": http.StatusUnprocessableEntity,
	"DECRYPTION_FAILED":      http.StatusUnprocessableEntity,
	"RATE_LIMIT_EXCEEDED":    http.StatusTooManyRequests,
	"TIMEOUT":                http.StatusGatewayTimeout,
	"INVALID_KEY_MATERIAL":   http.StatusInternalServerError,
	"KEY_UNWRAP_FAILED":      http.StatusInternalServerError,
	"INTERNAL_ERROR":         http.StatusInternalServerError,
}

// errorMessage はクライアントに返すメッセージ。エラー本文は内部情報を含みうるため返さない。
var errorMessage = map[string]string{
	"VALIDATION_ERROR":       "validation failed",
	"INVALID_KEY_TYPE":       "invalid key type",
	"INVALID_ALGORITHM":      "invalid algorithm for key type",
	"INVALID_KEY_SIZE":       "invalid key size",
	"INVALID_KEY_LENGTH":     "invalid key length",
	"UNSUPPORTED_ALGORITHM":  "unsupported algorithm",
	"KEY_NOT_FOUND":          "key not found for this tenant",
	"DATA_NOT_FOUND":         "data not found for this tenant",
	"KEY_INACTIVE":           "key is not active",
	"KEY_ALREADY_REVOKED":    "key is already revoked",
	"KEY_EXPIRED":            "key has expired",
	"KEY_LOCKED":             "key is locked after repeated failures",
	"PAYLOAD_TOO_LARGE":      "payload too large",
	"INTEGRITY_CHECK_FAILED": "integrity check failed",
	"DECRYPTION_FAILED":      "decryption failed",
	"RATE_LIMIT_EXCEEDED":    "rate limit exceeded",
	"TIMEOUT":                "operation timed out",
}

func statusFor(code string) int {
	if status, ok := errorStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeError はエラーをエラーコードに分類してレスポンスを返す。
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, httputil.ErrBodyTooLarge):
		httputil.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large")
		return
	case errors.Is(err, httputil.ErrMalformedBody):
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed JSON body")
		return
	}

	code := domain.ErrorCode(err)
	status := statusFor(code)

	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		httputil.ErrorWithDetails(w, status, code, errorMessage[code], ve.Fields)
		return
	}

	msg, ok := errorMessage[code]
	if !ok {
		msg = "internal server error"
	}
	httputil.Error(w, status, code, msg)
}
