package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"key-vault-service/internal/domain"
)

// SchemaMigrationModel はschema_migrationsテーブルのモデル。
type SchemaMigrationModel struct {
	Version   string    `gorm:"column:version;primaryKey;type:varchar(14)"`
	Name      string    `gorm:"column:name;type:varchar(255);not null;default:''"`
	Checksum  string    `gorm:"column:checksum;type:varchar(64);not null;default:''"`
	AppliedAt time.Time `gorm:"column:applied_at;not null"`
}

// TableName はテーブル名を指定。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// MigrationRepository はschema_migrationsへの履歴記録とスキーマ変更の実行を担う。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// EnsureTable はschema_migrationsを作成し、name・checksum列のない旧形式の表には列を追加する。
func (r *MigrationRepository) EnsureTable(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&SchemaMigrationModel{}); err != nil {
		slog.ErrorContext(ctx, "failed to prepare schema_migrations table",
			"operation", "ensure_table",
			"error", err,
		)
		return err
	}
	return nil
}

// FindAllApplied は適用済みの履歴をバージョン順に返す。
func (r *MigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var models []SchemaMigrationModel
	if err := r.db.WithContext(ctx).Order("version ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find applied migrations",
			"operation", "find_all_applied",
			"error", err,
		)
		return nil, err
	}

	migrations := make([]*domain.Migration, len(models))
	for i := range models {
		migrations[i] = &domain.Migration{
			Version:         models[i].Version,
			Name:            models[i].Name,
			AppliedChecksum: models[i].Checksum,
			AppliedAt:       &models[i].AppliedAt,
			Status:          domain.MigrationStatusApplied,
		}
	}
	return migrations, nil
}

// Apply はスキーマ変更SQLの実行と履歴の記録を1トランザクションで行う。
// MySQLのDDLは暗黙コミットされるため、履歴の記録だけがロールバック対象になる。
func (r *MigrationRepository) Apply(ctx context.Context, m *domain.Migration, script string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(script).Error; err != nil {
			slog.ErrorContext(ctx, "failed to execute migration SQL",
				"operation", "apply_migration",
				"version", m.Version,
				"error", err,
			)
			return fmt.Errorf("executing migration SQL: %w", err)
		}

		model := &SchemaMigrationModel{
			Version:   m.Version,
			Name:      m.Name,
			Checksum:  m.Checksum,
			AppliedAt: time.Now().UTC(),
		}
		if err := tx.Create(model).Error; err != nil {
			slog.ErrorContext(ctx, "failed to record migration",
				"operation", "apply_migration",
				"version", m.Version,
				"error", err,
			)
			return fmt.Errorf("recording migration: %w", err)
		}
		return nil
	})
}
