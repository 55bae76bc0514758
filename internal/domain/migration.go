package domain

import "time"

// MigrationStatus はスキーマ変更ファイルと適用履歴を突き合わせた状態。
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
	// MigrationStatusModified は適用後にファイル内容が変わったもの。
	MigrationStatusModified MigrationStatus = "modified"
	// MigrationStatusOrphaned は履歴にあるがファイルが存在しないもの。
	MigrationStatusOrphaned MigrationStatus = "orphaned"
)

// Migration は鍵・暗号化レコード・監査ログのテーブル定義の変更単位。
type Migration struct {
	Version  string // "001"
	Name     string // create_encryption_keys
	FilePath string
	// Checksum はファイル内容のSHA-256（16進）。
	Checksum string
	// AppliedChecksum は適用時に記録したChecksum。チェックサム導入前の履歴では空。
	AppliedChecksum string
	AppliedAt       *time.Time
	Status          MigrationStatus
}

// IsApplied は適用済みか判定する。内容が変わったものも適用済みとみなす。
func (m *Migration) IsApplied() bool {
	return m.Status == MigrationStatusApplied || m.Status == MigrationStatusModified
}

// Drifted は適用時と現在のファイル内容が異なるか判定する。
func (m *Migration) Drifted() bool {
	return m.AppliedChecksum != "" && m.Checksum != "" && m.AppliedChecksum != m.Checksum
}
