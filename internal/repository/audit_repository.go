package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"key-vault-service/internal/domain"
)

// AuditEntryModel はgorm用のモデル定義。
type AuditEntryModel struct {
	ID               string `gorm:"type:char(36);primaryKey"`
	TenantID         string `gorm:"type:varchar(64);not null;index:idx_audit_tenant_created"`
	Requester        string `gorm:"type:varchar(255);not null;default:''"`
	Operation        string `gorm:"type:varchar(32);not null"`
	KeyID            string `gorm:"type:varchar(36);not null;default:''"`
	DataID           string `gorm:"type:varchar(36);not null;default:''"`
	Algorithm        string `gorm:"type:varchar(32);not null;default:''"`
	Success          bool   `gorm:"not null"`
	ErrorCode        string `gorm:"type:varchar(64);not null;default:''"`
	ProcessingTimeUs int64  `gorm:"column:processing_time_us;not null;default:0"`
	Metadata         datatypes.JSONMap
	CreatedAt        time.Time `gorm:"not null;autoCreateTime;index:idx_audit_tenant_created"`
}

// TableName はテーブル名を返す。
func (AuditEntryModel) TableName() string {
	return "audit_entries"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (e *AuditEntryModel) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

func (e *AuditEntryModel) toDomain() *domain.AuditEntry {
	return &domain.AuditEntry{
		ID:             e.ID,
		TenantID:       e.TenantID,
		Requester:      e.Requester,
		Operation:      domain.Operation(e.Operation),
		KeyID:          e.KeyID,
		DataID:         e.DataID,
		Algorithm:      domain.Algorithm(e.Algorithm),
		Success:        e.Success,
		ErrorCode:      e.ErrorCode,
		ProcessingTime: time.Duration(e.ProcessingTimeUs) * time.Microsecond,
		Metadata:       map[string]any(e.Metadata),
		CreatedAt:      e.CreatedAt,
	}
}

// AuditRepository は監査ログのデータアクセスを提供する。追記と参照のみを行う。
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository は新しいAuditRepositoryを生成する。
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create は監査エントリを追記する。
func (r *AuditRepository) Create(ctx context.Context, entry *domain.AuditEntry) error {
	metadata := datatypes.JSONMap(entry.Metadata)
	if metadata == nil {
		metadata = datatypes.JSONMap{}
	}

	model := &AuditEntryModel{
		ID:               entry.ID,
		TenantID:         entry.TenantID,
		Requester:        entry.Requester,
		Operation:        string(entry.Operation),
		KeyID:            entry.KeyID,
		DataID:           entry.DataID,
		Algorithm:        string(entry.Algorithm),
		Success:          entry.Success,
		ErrorCode:        entry.ErrorCode,
		ProcessingTimeUs: entry.ProcessingTime.Microseconds(),
		Metadata:         metadata,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create audit entry",
			"operation", "create_audit_entry",
			"tenant_id", entry.TenantID,
			"audit_operation", entry.Operation,
			"error", err,
		)
		return err
	}
	entry.ID = model.ID
	entry.CreatedAt = model.CreatedAt
	return nil
}

// Find は条件に一致する監査エントリを新しい順に取得し、総件数とともに返す。
func (r *AuditRepository) Find(ctx context.Context, filter domain.AuditFilter, page domain.Pagination) ([]*domain.AuditEntry, int64, error) {
	var total int64
	if err := r.filtered(ctx, filter).Count(&total).Error; err != nil {
		slog.ErrorContext(ctx, "failed to count audit entries",
			"operation", "find_audit_entries",
			"tenant_id", filter.TenantID,
			"error", err,
		)
		return nil, 0, err
	}

	var models []AuditEntryModel
	err := r.filtered(ctx, filter).
		Order("created_at DESC, id DESC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find audit entries",
			"operation", "find_audit_entries",
			"tenant_id", filter.TenantID,
			"error", err,
		)
		return nil, 0, err
	}

	entries := make([]*domain.AuditEntry, len(models))
	for i := range models {
		entries[i] = models[i].toDomain()
	}
	return entries, total, nil
}

// Aggregate は条件に一致する監査エントリを操作・アルゴリズム・成否で集計する。
func (r *AuditRepository) Aggregate(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditAggregate, error) {
	var rows []struct {
		Operation string
		Algorithm string
		Success   bool
		Count     int64
		AvgUs     float64
	}
	err := r.filtered(ctx, filter).
		Select("operation, algorithm, success, COUNT(*) AS count, AVG(processing_time_us) AS avg_us").
		Group("operation, algorithm, success").
		Scan(&rows).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to aggregate audit entries",
			"operation", "aggregate_audit_entries",
			"tenant_id", filter.TenantID,
			"error", err,
		)
		return nil, err
	}

	aggregates := make([]domain.AuditAggregate, len(rows))
	for i, row := range rows {
		aggregates[i] = domain.AuditAggregate{
			Operation: domain.Operation(row.Operation),
			Algorithm: domain.Algorithm(row.Algorithm),
			Success:   row.Success,
			Count:     row.Count,
			AvgMs:     row.AvgUs / 1000,
		}
	}
	return aggregates, nil
}

func (r *AuditRepository) filtered(ctx context.Context, f domain.AuditFilter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&AuditEntryModel{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.Requester != "" {
		q = q.Where("requester = ?", f.Requester)
	}
	if f.Operation != "" {
		q = q.Where("operation = ?", string(f.Operation))
	}
	if f.KeyID != "" {
		q = q.Where("key_id = ?", f.KeyID)
	}
	if f.DataID != "" {
		q = q.Where("data_id = ?", f.DataID)
	}
	if f.Algorithm != "" {
		q = q.Where("algorithm = ?", string(f.Algorithm))
	}
	if f.Success != nil {
		q = q.Where("success = ?", *f.Success)
	}
	if f.Since != nil {
		q = q.Where("created_at >= ?", *f.Since)
	}
	if f.Until != nil {
		q = q.Where("created_at < ?", *f.Until)
	}
	return q
}
