package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"

	"key-vault-service/internal/domain"
)

// MigrationRepository はスキーマ変更の実行と履歴を扱うリポジトリのインターフェース。
type MigrationRepository interface {
	EnsureTable(ctx context.Context) error
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	Apply(ctx context.Context, m *domain.Migration, script string) error
}

// MigrationService はmigrations/<方言>配下のSQLファイルを順に適用する。
type MigrationService struct {
	repo  MigrationRepository
	files fs.FS
}

// NewMigrationService は新しいMigrationServiceを生成する。filesの直下にある*.sqlが対象。
func NewMigrationService(repo MigrationRepository, files fs.FS) *MigrationService {
	return &MigrationService{repo: repo, files: files}
}

// ApplyMigrations は未適用のマイグレーションをバージョン順に実行し、適用件数を返す。
// 適用済みファイルの内容が変わっている場合は何も実行せずErrMigrationDriftを返す。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	plan, err := s.plan(ctx)
	if err != nil {
		return 0, err
	}
	if drifted := versionsWithStatus(plan, domain.MigrationStatusModified); len(drifted) > 0 {
		return 0, fmt.Errorf("%w: %s", domain.ErrMigrationDrift, strings.Join(drifted, ", "))
	}
	if orphaned := versionsWithStatus(plan, domain.MigrationStatusOrphaned); len(orphaned) > 0 {
		slog.WarnContext(ctx, "applied migrations missing from migrations directory",
			"operation", "apply_migrations",
			"versions", orphaned,
		)
	}

	applied := 0
	for _, m := range plan {
		if m.Status != domain.MigrationStatusPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return applied, err
		}

		script, err := fs.ReadFile(s.files, m.FilePath)
		if err != nil {
			return applied, fmt.Errorf("reading migration %s: %w", m.Version, err)
		}
		if err := s.repo.Apply(ctx, m, string(script)); err != nil {
			return applied, fmt.Errorf("%w: version %s: %v", domain.ErrMigrationFailed, m.Version, err)
		}
		slog.InfoContext(ctx, "migration applied", "version", m.Version, "name", m.Name)
		applied++
	}
	return applied, nil
}

// PendingMigrations は次回のApplyMigrationsで実行されるマイグレーションを返す。
func (s *MigrationService) PendingMigrations(ctx context.Context) ([]*domain.Migration, error) {
	plan, err := s.plan(ctx)
	if err != nil {
		return nil, err
	}
	var pending []*domain.Migration
	for _, m := range plan {
		if m.Status == domain.MigrationStatusPending {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// GetMigrationStatus はファイルと履歴を突き合わせた全マイグレーションの状態を返す。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	return s.plan(ctx)
}

func (s *MigrationService) plan(ctx context.Context) ([]*domain.Migration, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("preparing schema_migrations: %w", err)
	}

	files, err := s.scanMigrationFiles()
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migration files",
			"operation", "plan_migrations",
			"error", err,
		)
		return nil, err
	}

	history, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching applied migrations: %w", err)
	}
	applied := make(map[string]*domain.Migration, len(history))
	for _, h := range history {
		applied[h.Version] = h
	}

	for _, m := range files {
		h, ok := applied[m.Version]
		if !ok {
			continue
		}
		delete(applied, m.Version)
		m.AppliedAt = h.AppliedAt
		m.AppliedChecksum = h.AppliedChecksum
		m.Status = domain.MigrationStatusApplied
		if m.Drifted() {
			m.Status = domain.MigrationStatusModified
		}
	}
	for _, h := range applied {
		h.Status = domain.MigrationStatusOrphaned
		files = append(files, h)
	}

	slices.SortFunc(files, func(a, b *domain.Migration) int {
		return strings.Compare(a.Version, b.Version)
	})
	return files, nil
}

// scanMigrationFiles は*.sqlを読み込み、チェックサム付きで返す。
func (s *MigrationService) scanMigrationFiles() ([]*domain.Migration, error) {
	entries, err := fs.ReadDir(s.files, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", domain.ErrMigrationFileNotFound, err)
		}
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []*domain.Migration
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("%w: %s and %s share version %s", domain.ErrInvalidMigrationFile, prev, entry.Name(), version)
		}
		seen[version] = entry.Name()

		script, err := fs.ReadFile(s.files, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(script)

		migrations = append(migrations, &domain.Migration{
			Version:  version,
			Name:     name,
			FilePath: entry.Name(),
			Checksum: hex.EncodeToString(sum[:]),
			Status:   domain.MigrationStatusPending,
		})
	}
	if len(migrations) == 0 {
		return nil, fmt.Errorf("%w: no .sql files", domain.ErrMigrationFileNotFound)
	}
	return migrations, nil
}

// parseMigrationFileName はファイル名からバージョンと名前を抽出する。
// ファイル名のフォーマット: {version}_{name}.sql (例: 001_create_encryption_keys.sql)
func parseMigrationFileName(filename string) (version, name string, err error) {
	version, name, ok := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	if !ok || version == "" || name == "" {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	return version, name, nil
}

func versionsWithStatus(plan []*domain.Migration, status domain.MigrationStatus) []string {
	var versions []string
	for _, m := range plan {
		if m.Status == status {
			versions = append(versions, m.Version)
		}
	}
	return versions
}
