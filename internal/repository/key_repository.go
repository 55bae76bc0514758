// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"key-vault-service/internal/domain"
)

// EncryptionKeyModel はgorm用のモデル定義。
type EncryptionKeyModel struct {
	ID                  string    `gorm:"type:char(36);primaryKey"`
	TenantID            string    `gorm:"type:varchar(64);not null;index:idx_keys_tenant_status"`
	KeyType             string    `gorm:"type:varchar(16);not null"`
	Algorithm           string    `gorm:"type:varchar(32);not null"`
	PublicKey           []byte    `gorm:"type:blob"`
	WrappedPrivateKey   []byte    `gorm:"type:blob"`
	WrappedSymmetricKey []byte    `gorm:"type:blob"`
	Version             uint      `gorm:"not null"`
	Status              string    `gorm:"type:varchar(16);not null;default:'active';index:idx_keys_tenant_status;index:idx_keys_status_expires"`
	StatusReason        string    `gorm:"type:varchar(255);not null;default:''"`
	RotatedFrom         *string   `gorm:"type:char(36)"`
	ExpiresAt           time.Time `gorm:"not null;index:idx_keys_status_expires"`
	Metadata            datatypes.JSONType[domain.CreationMetadata]
	CreatedAt           time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt           time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (EncryptionKeyModel) TableName() string {
	return "encryption_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (e *EncryptionKeyModel) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (e *EncryptionKeyModel) toDomain() (*domain.EncryptionKey, error) {
	var material domain.KeyMaterial
	switch domain.KeyType(e.KeyType) {
	case domain.KeyTypeSymmetric:
		material = domain.SymmetricMaterial{WrappedKey: e.WrappedSymmetricKey}
	case domain.KeyTypeAsymmetric:
		material = domain.AsymmetricMaterial{
			PublicKey:         e.PublicKey,
			WrappedPrivateKey: e.WrappedPrivateKey,
		}
	case domain.KeyTypeHybrid:
		material = domain.HybridMaterial{
			PublicKey:           e.PublicKey,
			WrappedPrivateKey:   e.WrappedPrivateKey,
			WrappedSymmetricKey: e.WrappedSymmetricKey,
		}
	default:
		return nil, fmt.Errorf("%w: unknown key type %q for key %s", domain.ErrInvalidKeyMaterial, e.KeyType, e.ID)
	}

	key := &domain.EncryptionKey{
		ID:           e.ID,
		TenantID:     e.TenantID,
		Algorithm:    domain.Algorithm(e.Algorithm),
		Material:     material,
		Version:      e.Version,
		Status:       domain.KeyStatus(e.Status),
		StatusReason: e.StatusReason,
		ExpiresAt:    e.ExpiresAt,
		Metadata:     e.Metadata.Data(),
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
	if e.RotatedFrom != nil {
		key.RotatedFrom = *e.RotatedFrom
	}
	return key, nil
}

// newEncryptionKeyModel はドメインエンティティをモデルに変換する。
func newEncryptionKeyModel(key *domain.EncryptionKey) *EncryptionKeyModel {
	m := &EncryptionKeyModel{
		ID:           key.ID,
		TenantID:     key.TenantID,
		KeyType:      string(key.KeyType()),
		Algorithm:    string(key.Algorithm),
		Version:      key.Version,
		Status:       string(key.Status),
		StatusReason: key.StatusReason,
		ExpiresAt:    key.ExpiresAt,
		Metadata:     datatypes.NewJSONType(key.Metadata),
	}
	if key.RotatedFrom != "" {
		m.RotatedFrom = &key.RotatedFrom
	}

	switch mat := key.Material.(type) {
	case domain.SymmetricMaterial:
		m.WrappedSymmetricKey = mat.WrappedKey
	case domain.AsymmetricMaterial:
		m.PublicKey = mat.PublicKey
		m.WrappedPrivateKey = mat.WrappedPrivateKey
	case domain.HybridMaterial:
		m.PublicKey = mat.PublicKey
		m.WrappedPrivateKey = mat.WrappedPrivateKey
		m.WrappedSymmetricKey = mat.WrappedSymmetricKey
	}
	return m
}

// KeyRepository はデータアクセスを提供する。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// Create は新しい暗号鍵を保存する。
func (r *KeyRepository) Create(ctx context.Context, key *domain.EncryptionKey) error {
	if key.Material == nil {
		return domain.ErrInvalidKeyMaterial
	}

	model := newEncryptionKeyModel(key)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create key",
			"operation", "create",
			"tenant_id", key.TenantID,
			"version", key.Version,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	key.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByID は指定されたテナント・IDの鍵を取得する。存在しない場合はnilを返す。
func (r *KeyRepository) FindByID(ctx context.Context, tenantID, id string) (*domain.EncryptionKey, error) {
	var model EncryptionKeyModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key",
			"operation", "find_by_id",
			"tenant_id", tenantID,
			"key_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// FindAll は指定されたテナントの鍵を作成順に取得する。
func (r *KeyRepository) FindAll(ctx context.Context, tenantID string, filter domain.KeyFilter) ([]*domain.EncryptionKey, error) {
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.KeyType != "" {
		q = q.Where("key_type = ?", string(filter.KeyType))
	}

	var models []EncryptionKeyModel
	if err := q.Order("created_at ASC, version ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find keys",
			"operation", "find_all",
			"tenant_id", tenantID,
			"error", err,
		)
		return nil, err
	}
	return toDomainKeys(models)
}

// ReplaceActive は有効な鍵をreasonとともにrotatedにし、後継鍵を保存する。両者は同一トランザクションで行う。
// 旧鍵が既に有効でない場合は何も変更せずfalseを返す。
func (r *KeyRepository) ReplaceActive(ctx context.Context, tenantID, oldID, reason string, successor *domain.EncryptionKey) (bool, error) {
	model := newEncryptionKeyModel(successor)
	replaced := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&EncryptionKeyModel{}).
			Where("tenant_id = ? AND id = ? AND status = ?", tenantID, oldID, string(domain.KeyStatusActive)).
			Updates(map[string]any{
				"status":        string(domain.KeyStatusRotated),
				"status_reason": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := tx.Create(model).Error; err != nil {
			return err
		}
		replaced = true
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to replace active key",
			"operation", "replace_active",
			"tenant_id", tenantID,
			"key_id", oldID,
			"error", err,
		)
		return false, err
	}
	if !replaced {
		return false, nil
	}

	successor.ID = model.ID
	successor.CreatedAt = model.CreatedAt
	successor.UpdatedAt = model.UpdatedAt
	return true, nil
}

// UpdateStatus は鍵のステータスがfromのいずれかである場合に限りtoへ更新する。
// 更新されなかった場合はfalseを返す。
func (r *KeyRepository) UpdateStatus(ctx context.Context, tenantID, id string, from []domain.KeyStatus, to domain.KeyStatus, reason string) (bool, error) {
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}

	res := r.db.WithContext(ctx).
		Model(&EncryptionKeyModel{}).
		Where("tenant_id = ? AND id = ? AND status IN ?", tenantID, id, statuses).
		Updates(map[string]any{
			"status":        string(to),
			"status_reason": reason,
		})
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to update status",
			"operation", "update_status",
			"tenant_id", tenantID,
			"key_id", id,
			"status", to,
			"error", res.Error,
		)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FindExpiredActive は有効期限を過ぎたactiveな鍵を取得する。
func (r *KeyRepository) FindExpiredActive(ctx context.Context, now time.Time, limit int) ([]*domain.EncryptionKey, error) {
	var models []EncryptionKeyModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", string(domain.KeyStatusActive), now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find expired keys",
			"operation", "find_expired_active",
			"error", err,
		)
		return nil, err
	}
	return toDomainKeys(models)
}

func toDomainKeys(models []EncryptionKeyModel) ([]*domain.EncryptionKey, error) {
	keys := make([]*domain.EncryptionKey, len(models))
	for i := range models {
		k, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return keys, nil
}
