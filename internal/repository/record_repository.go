package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"key-vault-service/internal/domain"
)

// EncryptedRecordModel はgorm用のモデル定義。
type EncryptedRecordModel struct {
	ID              string `gorm:"type:char(36);primaryKey"`
	TenantID        string `gorm:"type:varchar(64);not null;index:idx_records_tenant"`
	KeyID           string `gorm:"type:char(36);not null;index:idx_records_key"`
	KeyVersion      uint   `gorm:"not null"`
	KeyType         string `gorm:"type:varchar(16);not null"`
	Algorithm       string `gorm:"type:varchar(32);not null"`
	Ciphertext      []byte `gorm:"not null"`
	IV              []byte
	AuthTag         []byte
	EncapsulatedKey []byte
	DataType        string `gorm:"type:varchar(16);not null"`
	Metadata        datatypes.JSONType[domain.RecordMetadata]
	CreatedAt       time.Time `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (EncryptedRecordModel) TableName() string {
	return "encrypted_records"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (e *EncryptedRecordModel) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

func (e *EncryptedRecordModel) toDomain() *domain.EncryptedRecord {
	return &domain.EncryptedRecord{
		ID:              e.ID,
		TenantID:        e.TenantID,
		KeyID:           e.KeyID,
		KeyVersion:      e.KeyVersion,
		KeyType:         domain.KeyType(e.KeyType),
		Algorithm:       domain.Algorithm(e.Algorithm),
		Ciphertext:      e.Ciphertext,
		IV:              e.IV,
		AuthTag:         e.AuthTag,
		EncapsulatedKey: e.EncapsulatedKey,
		DataType:        domain.DataType(e.DataType),
		Metadata:        e.Metadata.Data(),
		CreatedAt:       e.CreatedAt,
	}
}

// RecordRepository は暗号化データのデータアクセスを提供する。
type RecordRepository struct {
	db *gorm.DB
}

// NewRecordRepository は新しいRecordRepositoryを生成する。
func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// Create は暗号化データを保存する。ctxが終了していればコミットせずにロールバックする。
func (r *RecordRepository) Create(ctx context.Context, rec *domain.EncryptedRecord) error {
	model := &EncryptedRecordModel{
		ID:              rec.ID,
		TenantID:        rec.TenantID,
		KeyID:           rec.KeyID,
		KeyVersion:      rec.KeyVersion,
		KeyType:         string(rec.KeyType),
		Algorithm:       string(rec.Algorithm),
		Ciphertext:      rec.Ciphertext,
		IV:              rec.IV,
		AuthTag:         rec.AuthTag,
		EncapsulatedKey: rec.EncapsulatedKey,
		DataType:        string(rec.DataType),
		Metadata:        datatypes.NewJSONType(rec.Metadata),
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		return ctx.Err()
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create record",
			"operation", "create_record",
			"tenant_id", rec.TenantID,
			"key_id", rec.KeyID,
			"error", err,
		)
		return err
	}
	rec.ID = model.ID
	rec.CreatedAt = model.CreatedAt
	return nil
}

// FindByID は指定されたテナント・IDの暗号化データを取得する。存在しない場合はnilを返す。
func (r *RecordRepository) FindByID(ctx context.Context, tenantID, id string) (*domain.EncryptedRecord, error) {
	var model EncryptedRecordModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find record",
			"operation", "find_record_by_id",
			"tenant_id", tenantID,
			"data_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}
