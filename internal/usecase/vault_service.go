package usecase

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"key-vault-service/internal/domain"
	"key-vault-service/internal/encryption"
)

// RecordRepository は暗号化データのデータアクセスのインターフェース。
type RecordRepository interface {
	Create(ctx context.Context, rec *domain.EncryptedRecord) error
	FindByID(ctx context.Context, tenantID, id string) (*domain.EncryptedRecord, error)
}

// EncryptRequest は暗号化リクエスト。Binaryはそのまま、ValueはJSONとして暗号化する。
// Valueが[]byteの場合もバイト列として扱う。ValueとBinaryはどちらか一方だけを指定する。
type EncryptRequest struct {
	TenantID       string `json:"tenant_id" validate:"required,tenant"`
	KeyID          string `json:"key_id" validate:"required,uuid"`
	Value          any    `json:"value"`
	Binary         []byte `json:"binary"`
	Requester      string `json:"requester" validate:"max=255"`
	Classification string `json:"classification" validate:"max=64"`
}

func (r EncryptRequest) check() error {
	switch {
	case r.Value != nil && r.Binary != nil:
		return domain.NewValidationError("value", "must not be combined with binary")
	case r.Value == nil && r.Binary == nil:
		return domain.NewValidationError("value", "is required")
	}
	return nil
}

// EncryptResult は暗号化結果。暗号文そのものは返さない。
type EncryptResult struct {
	DataID         string
	KeyID          string
	KeyVersion     uint
	KeyType        domain.KeyType
	Algorithm      domain.Algorithm
	DataType       domain.DataType
	OriginalSize   int
	CiphertextSize int
	CreatedAt      time.Time
}

// DecryptRequest は復号リクエスト。KeyIDを指定した場合はデータの鍵と一致しなければならない。
type DecryptRequest struct {
	TenantID  string `json:"tenant_id" validate:"required,tenant"`
	DataID    string `json:"data_id" validate:"required,uuid"`
	KeyID     string `json:"key_id" validate:"omitempty,uuid"`
	Requester string `json:"requester" validate:"max=255"`
}

// DecryptResult は復号結果。DataはDataTypeがbinaryなら元のバイト列、それ以外はJSON。
type DecryptResult struct {
	DataID     string
	KeyID      string
	KeyVersion uint
	Algorithm  domain.Algorithm
	DataType   domain.DataType
	Data       []byte
	Metadata   domain.RecordMetadata
}

// VaultConfig はVaultServiceの動作設定。
type VaultConfig struct {
	MaxPayloadBytes int64
}

// VaultService はアプリケーションデータの暗号化・復号を提供する。
type VaultService struct {
	keys    *KeyService
	records RecordRepository
	engine  *encryption.Engine
	cfg     VaultConfig
	now     func() time.Time
}

// NewVaultService は新しいVaultServiceを生成する。
func NewVaultService(keys *KeyService, records RecordRepository, engine *encryption.Engine, cfg VaultConfig) *VaultService {
	return &VaultService{
		keys:    keys,
		records: records,
		engine:  engine,
		cfg:     cfg,
		now:     time.Now,
	}
}

// keyGate は鍵素材を使う前に呼ばれ、エラーを返すと処理を中断する。
type keyGate func(keyID string) error

func openGate(string) error { return nil }

// Encrypt は値を指定された鍵で暗号化し、暗号化データとして保存する。
func (s *VaultService) Encrypt(ctx context.Context, req EncryptRequest) (*EncryptResult, error) {
	return s.encrypt(ctx, req, &opTrace{}, openGate)
}

func (s *VaultService) encrypt(ctx context.Context, req EncryptRequest, tr *opTrace, gate keyGate) (*EncryptResult, error) {
	start := s.now()
	tr.KeyID = req.KeyID

	value := req.Value
	if req.Binary != nil {
		value = req.Binary
	}
	payload, dataType, err := serializeValue(value)
	if err != nil {
		return nil, err
	}
	defer wipe(payload)
	tr.Metadata = withMeta(tr.Metadata, "data_type", string(dataType), "size", len(payload))

	if s.cfg.MaxPayloadBytes > 0 && int64(len(payload)) > s.cfg.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", domain.ErrPayloadTooLarge, len(payload), s.cfg.MaxPayloadBytes)
	}
	if err := gate(req.KeyID); err != nil {
		return nil, err
	}

	uk, err := s.keys.GetActiveKey(ctx, req.TenantID, req.KeyID)
	if err != nil {
		return nil, err
	}
	defer uk.Wipe()
	key := uk.Key
	tr.Algorithm = key.Algorithm

	sum := sha256.Sum256(payload)
	rec := &domain.EncryptedRecord{
		TenantID:   req.TenantID,
		KeyID:      key.ID,
		KeyVersion: key.Version,
		KeyType:    key.KeyType(),
		Algorithm:  key.Algorithm,
		DataType:   dataType,
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch m := key.Material.(type) {
	case domain.SymmetricMaterial:
		ct, err := s.engine.EncryptSymmetric(key.Algorithm, payload, uk.Symmetric, nil)
		if err != nil {
			return nil, fmt.Errorf("encrypting payload: %w", err)
		}
		rec.Ciphertext, rec.IV, rec.AuthTag = ct.Ciphertext, ct.IV, ct.Tag
	case domain.AsymmetricMaterial:
		ct, err := s.engine.EncryptAsymmetric(m.PublicKey, payload)
		if err != nil {
			return nil, fmt.Errorf("encrypting payload: %w", err)
		}
		rec.Ciphertext = ct
	case domain.HybridMaterial:
		hc, err := s.engine.EncryptHybrid(m.PublicKey, uk.Symmetric, payload)
		if err != nil {
			return nil, fmt.Errorf("encrypting payload: %w", err)
		}
		rec.Ciphertext, rec.IV, rec.AuthTag, rec.EncapsulatedKey = hc.Ciphertext, hc.IV, hc.Tag, hc.EncapsulatedKey
	default:
		return nil, domain.ErrInvalidKeyMaterial
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec.Metadata = domain.RecordMetadata{
		OriginalSize:   len(payload),
		Checksum:       hex.EncodeToString(sum[:]),
		Classification: req.Classification,
		DurationMs:     s.now().Sub(start).Milliseconds(),
		Requester:      req.Requester,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("saving record: %w", err)
	}
	tr.DataID = rec.ID

	return &EncryptResult{
		DataID:         rec.ID,
		KeyID:          key.ID,
		KeyVersion:     key.Version,
		KeyType:        key.KeyType(),
		Algorithm:      key.Algorithm,
		DataType:       dataType,
		OriginalSize:   len(payload),
		CiphertextSize: len(rec.Ciphertext),
		CreatedAt:      rec.CreatedAt,
	}, nil
}

// Decrypt は暗号化データを復号し、チェックサムを検証する。
func (s *VaultService) Decrypt(ctx context.Context, req DecryptRequest) (*DecryptResult, error) {
	return s.decrypt(ctx, req, &opTrace{}, openGate)
}

func (s *VaultService) decrypt(ctx context.Context, req DecryptRequest, tr *opTrace, gate keyGate) (*DecryptResult, error) {
	tr.DataID = req.DataID
	tr.KeyID = req.KeyID

	// 指定された鍵は呼び出し元テナントに属していなければならない
	if req.KeyID != "" {
		if _, err := s.keys.GetKey(ctx, req.TenantID, req.KeyID); err != nil {
			return nil, err
		}
	}

	rec, err := s.records.FindByID(ctx, req.TenantID, req.DataID)
	if err != nil {
		return nil, fmt.Errorf("finding record: %w", err)
	}
	if rec == nil {
		return nil, domain.ErrDataNotFound
	}
	if req.KeyID != "" && req.KeyID != rec.KeyID {
		return nil, fmt.Errorf("%w: data %s was not encrypted with key %s", domain.ErrKeyNotFound, rec.ID, req.KeyID)
	}
	tr.KeyID = rec.KeyID
	tr.Algorithm = rec.Algorithm
	tr.Metadata = withMeta(tr.Metadata, "key_version", rec.KeyVersion)

	if err := gate(rec.KeyID); err != nil {
		return nil, err
	}

	uk, err := s.keys.ResolveForDecrypt(ctx, req.TenantID, rec.KeyID)
	if err != nil {
		return nil, err
	}
	defer uk.Wipe()
	key := uk.Key
	if key.KeyType() != rec.KeyType || key.Algorithm != rec.Algorithm {
		return nil, fmt.Errorf("%w: record %s does not match key %s", domain.ErrIntegrityCheckFailed, rec.ID, key.ID)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plaintext, err := s.open(rec, uk)
	if err != nil {
		if errors.Is(err, domain.ErrDecryptionFailed) {
			slog.ErrorContext(ctx, "ciphertext authentication failed",
				"tenant_id", rec.TenantID,
				"data_id", rec.ID,
				"key_id", rec.KeyID,
			)
			return nil, fmt.Errorf("%w: data %s", domain.ErrIntegrityCheckFailed, rec.ID)
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		wipe(plaintext)
		return nil, err
	}

	sum := sha256.Sum256(plaintext)
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(rec.Metadata.Checksum)) != 1 {
		wipe(plaintext)
		slog.ErrorContext(ctx, "checksum mismatch",
			"tenant_id", rec.TenantID,
			"data_id", rec.ID,
			"key_id", rec.KeyID,
		)
		return nil, fmt.Errorf("%w: checksum mismatch for data %s", domain.ErrIntegrityCheckFailed, rec.ID)
	}

	return &DecryptResult{
		DataID:     rec.ID,
		KeyID:      rec.KeyID,
		KeyVersion: rec.KeyVersion,
		Algorithm:  rec.Algorithm,
		DataType:   rec.DataType,
		Data:       plaintext,
		Metadata:   rec.Metadata,
	}, nil
}

func (s *VaultService) open(rec *domain.EncryptedRecord, uk *domain.UnwrappedKey) ([]byte, error) {
	switch uk.Key.Material.(type) {
	case domain.SymmetricMaterial:
		ct := &encryption.SymmetricCiphertext{Ciphertext: rec.Ciphertext, IV: rec.IV, Tag: rec.AuthTag}
		return s.engine.DecryptSymmetric(rec.Algorithm, ct, uk.Symmetric)
	case domain.AsymmetricMaterial:
		return s.engine.DecryptAsymmetric(uk.PrivateKey, rec.Ciphertext)
	case domain.HybridMaterial:
		hc := &encryption.HybridCiphertext{
			EncapsulatedKey: rec.EncapsulatedKey,
			Ciphertext:      rec.Ciphertext,
			IV:              rec.IV,
			Tag:             rec.AuthTag,
		}
		return s.engine.DecryptHybrid(uk.PrivateKey, uk.Symmetric, hc)
	default:
		return nil, domain.ErrInvalidKeyMaterial
	}
}

// serializeValue は値を暗号化対象のバイト列に変換する。
func serializeValue(v any) ([]byte, domain.DataType, error) {
	if b, ok := v.([]byte); ok {
		return cloneBytes(b), domain.DataTypeBinary, nil
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return nil, "", domain.NewValidationError("value", "must be JSON serializable")
	}
	return payload, jsonDataType(payload), nil
}

func jsonDataType(payload []byte) domain.DataType {
	if len(payload) == 0 {
		return domain.DataTypeNull
	}
	switch payload[0] {
	case '{':
		return domain.DataTypeObject
	case '[':
		return domain.DataTypeArray
	case '"':
		return domain.DataTypeString
	case 't', 'f':
		return domain.DataTypeBoolean
	case 'n':
		return domain.DataTypeNull
	default:
		return domain.DataTypeNumber
	}
}
