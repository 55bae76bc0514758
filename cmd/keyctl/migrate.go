package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"key-vault-service/internal/infra"
	"key-vault-service/internal/repository"
	"key-vault-service/internal/usecase"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  "Manage database migrations for the key vault service",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateStatusCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long:  "Apply all pending migrations to the database. Refuses to run when an applied migration file has been modified.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			migrationService, closeDB, err := newMigrationService()
			if err != nil {
				return err
			}
			defer closeDB()

			if dryRun {
				pending, err := migrationService.PendingMigrations(ctx)
				if err != nil {
					return fmt.Errorf("failed to plan migrations: %w", err)
				}
				if len(pending) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
					return nil
				}
				for _, m := range pending {
					fmt.Fprintf(cmd.OutOrStdout(), "would apply %s_%s\n", m.Version, m.Name)
				}
				return nil
			}

			// マイグレーション実行
			appliedCount, err := migrationService.ApplyMigrations(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			if appliedCount == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", appliedCount)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	return cmd
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long:  "Show the status of all migrations (pending/applied/modified/orphaned)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			migrationService, closeDB, err := newMigrationService()
			if err != nil {
				return err
			}
			defer closeDB()

			migrations, err := migrationService.GetMigrationStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			// テーブル形式で出力
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT\tCHECKSUM")
			fmt.Fprintln(w, "-------\t----\t------\t----------\t--------")

			for _, migration := range migrations {
				appliedAt := "-"
				if migration.AppliedAt != nil {
					appliedAt = migration.AppliedAt.Format("2006-01-02 15:04:05")
				}

				checksum := migration.Checksum
				if checksum == "" {
					checksum = migration.AppliedChecksum
				}
				if len(checksum) > 12 {
					checksum = checksum[:12]
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", migration.Version, orDash(migration.Name), migration.Status, appliedAt, orDash(checksum))
			}

			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}
			return nil
		},
	}
}

// newMigrationService はDATABASE_URLに接続し、方言に合ったマイグレーションディレクトリでサービスを生成する。
func newMigrationService() (*usecase.MigrationService, func(), error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	db, err := infra.NewDB(dsn, false)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	absPath, err := filepath.Abs(migrationsDir(dsn))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve migrations directory: %w", err)
	}

	return usecase.NewMigrationService(repository.NewMigrationRepository(db), os.DirFS(absPath)), closer(db), nil
}

// migrationsDir はMIGRATIONS_DIR、未設定の場合は./migrations/<方言>を返す。
func migrationsDir(dsn string) string {
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		return dir
	}
	dialect := "mysql"
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialect = "postgres"
	case strings.HasPrefix(dsn, "sqlite:"), strings.HasPrefix(dsn, "file:"):
		dialect = "sqlite"
	}
	return filepath.Join("migrations", dialect)
}

func closer(db *gorm.DB) func() {
	return func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
}
