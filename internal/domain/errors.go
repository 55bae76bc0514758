package domain

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrValidation はリクエストの形式が不正な場合のエラー。暗号処理の前に返す。
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTenantID はテナントIDの形式が不正な場合のエラー。
	ErrInvalidTenantID = errors.New("invalid tenant ID")
)

// 鍵に関するエラー。
var (
	// ErrKeyNotFound は指定されたテナント・IDの鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyInactive は鍵が有効でない（ローテーション済み・失効済み）場合のエラー。
	ErrKeyInactive = errors.New("key is inactive")

	// ErrKeyExpired は鍵の有効期限が切れている場合のエラー。
	ErrKeyExpired = errors.New("key has expired")

	// ErrInvalidKeyType は鍵種別が不正な場合のエラー。
	ErrInvalidKeyType = errors.New("invalid key type")

	// ErrInvalidAlgorithm はアルゴリズムが不正、または鍵種別と組み合わせられない場合のエラー。
	ErrInvalidAlgorithm = errors.New("invalid algorithm for key type")

	// ErrInvalidKeyMaterial は鍵素材の形式が不正な場合のエラー。
	ErrInvalidKeyMaterial = errors.New("invalid key material")

	// ErrInvalidKeySize は鍵長が許可範囲外の場合のエラー。
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrInvalidKeyLength は鍵またはIVの長さがアルゴリズムと一致しない場合のエラー。
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrKeyAlreadyRevoked は既に失効済みの鍵を失効しようとした場合のエラー。
	ErrKeyAlreadyRevoked = errors.New("key is already revoked")

	// ErrKeyLocked は失敗回数が上限を超え、手動での解除が必要な場合のエラー。
	ErrKeyLocked = errors.New("key is locked after repeated failures")
)

// データに関するエラー。
var (
	// ErrDataNotFound は暗号化データが存在しない場合のエラー。
	ErrDataNotFound = errors.New("data not found")

	// ErrPayloadTooLarge はペイロードが上限サイズを超えた場合のエラー。
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrIntegrityCheckFailed は復号結果のチェックサムが一致しない、または暗号文が改ざんされている場合のエラー。
	ErrIntegrityCheckFailed = errors.New("integrity check failed")
)

// 暗号処理に関するエラー。
var (
	// ErrUnsupportedAlgorithm は暗号エンジンが扱えないアルゴリズムの場合のエラー。
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrDecryptionFailed は復号に失敗した場合のエラー。失敗要因は区別しない。
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrKeyUnwrapFailed は鍵素材のアンラップに失敗した場合のエラー。
	ErrKeyUnwrapFailed = errors.New("key unwrap failed")
)

var (
	// ErrRateLimitExceeded はレート制限を超えた場合のエラー。
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrTimeout は処理が制限時間内に完了しなかった場合のエラー。
	ErrTimeout = errors.New("operation timed out")

	// ErrInternal は想定外の内部エラー。詳細はログにのみ残す。
	ErrInternal = errors.New("internal error")
)

// マイグレーションに関するエラー。
var (
	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")

	// ErrMigrationDrift は適用済みファイルの内容が変更されている場合のエラー。
	ErrMigrationDrift = errors.New("applied migration has been modified")
)

// ValidationError はフィールド単位の検証エラーを保持する。
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError は単一フィールドの検証エラーを生成する。
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + ": " + e.Fields[name]
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

// Is はErrValidationとの比較を可能にする。
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// errorCodes は呼び出し元に返す安定したエラーコード。判定順に並べる。
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrValidation, "VALIDATION_ERROR"},
	{ErrInvalidTenantID, "VALIDATION_ERROR"},
	{ErrKeyNotFound, "KEY_NOT_FOUND"},
	{ErrKeyInactive, "KEY_INACTIVE"},
	{ErrKeyExpired, "KEY_EXPIRED"},
	{ErrInvalidKeyType, "INVALID_KEY_TYPE"},
	{ErrInvalidAlgorithm, "INVALID_ALGORITHM"},
	{ErrInvalidKeyMaterial, "INVALID_KEY_MATERIAL"},
	{ErrInvalidKeySize, "INVALID_KEY_SIZE"},
	{ErrInvalidKeyLength, "INVALID_KEY_LENGTH"},
	{ErrKeyAlreadyRevoked, "KEY_ALREADY_REVOKED"},
	{ErrKeyLocked, "KEY_LOCKED"},
	{ErrDataNotFound, "DATA_NOT_FOUND"},
	{ErrPayloadTooLarge, "PAYLOAD_TOO_LARGE"},
	{ErrIntegrityCheckFailed, "INTEGRITY_CHECK_FAILED"},
	{ErrUnsupportedAlgorithm, "UNSUPPORTED_ALGORITHM"},
	{ErrDecryptionFailed, "DECRYPTION_FAILED"},
	{ErrKeyUnwrapFailed, "KEY_UNWRAP_FAILED"},
	{ErrRateLimitExceeded, "RATE_LIMIT_EXCEEDED"},
	{ErrTimeout, "TIMEOUT"},
}

// ErrorCode はエラーに対応する安定したエラーコードを返す。
// 分類できないエラーはINTERNAL_ERRORとなる。
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "INTERNAL_ERROR"
}

// IsKnown はエラーがドメインで定義された分類に属するか判定する。
func IsKnown(err error) bool {
	return ErrorCode(err) != "INTERNAL_ERROR"
}
