// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"strings"
	"time"
)

// KeyType は鍵の暗号方式の種別を表す。
type KeyType string

const (
	KeyTypeSymmetric  KeyType = "symmetric"
	KeyTypeAsymmetric KeyType = "asymmetric"
	KeyTypeHybrid     KeyType = "hybrid"
)

// ParseKeyType は文字列をKeyTypeに変換する。
func ParseKeyType(s string) (KeyType, error) {
	switch kt := KeyType(strings.ToLower(s)); kt {
	case KeyTypeSymmetric, KeyTypeAsymmetric, KeyTypeHybrid:
		return kt, nil
	default:
		return "", ErrInvalidKeyType
	}
}

// Algorithm は鍵のアルゴリズムを表す。
type Algorithm string

const (
	AlgorithmAES256           Algorithm = "AES-256"
	AlgorithmChaCha20Poly1305 Algorithm = "CHACHA20-POLY1305"
	AlgorithmRSA1024          Algorithm = "RSA-1024"
	AlgorithmRSA2048          Algorithm = "RSA-2048"
	AlgorithmRSA3072          Algorithm = "RSA-3072"
	AlgorithmRSA4096          Algorithm = "RSA-4096"
	AlgorithmECP256           Algorithm = "EC-P256"
	AlgorithmECP384           Algorithm = "EC-P384"
	AlgorithmECP521           Algorithm = "EC-P521"
)

// AlgorithmFamily はアルゴリズムの系統を表す。
type AlgorithmFamily int

const (
	FamilyUnknown AlgorithmFamily = iota
	FamilySymmetric
	FamilyRSA
	FamilyEC
)

var algorithmFamilies = map[Algorithm]AlgorithmFamily{
	AlgorithmAES256:           FamilySymmetric,
	AlgorithmChaCha20Poly1305: FamilySymmetric,
	AlgorithmRSA1024:          FamilyRSA,
	AlgorithmRSA2048:          FamilyRSA,
	AlgorithmRSA3072:          FamilyRSA,
	AlgorithmRSA4096:          FamilyRSA,
	AlgorithmECP256:           FamilyEC,
	AlgorithmECP384:           FamilyEC,
	AlgorithmECP521:           FamilyEC,
}

var rsaKeyBits = map[Algorithm]int{
	AlgorithmRSA1024: 1024,
	AlgorithmRSA2048: 2048,
	AlgorithmRSA3072: 3072,
	AlgorithmRSA4096: 4096,
}

// ParseAlgorithm は文字列をAlgorithmに変換する。大文字小文字は区別しない。
func ParseAlgorithm(s string) (Algorithm, error) {
	alg := Algorithm(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := algorithmFamilies[alg]; !ok {
		return "", ErrInvalidAlgorithm
	}
	return alg, nil
}

// Family はアルゴリズムの系統を返す。
func (a Algorithm) Family() AlgorithmFamily {
	return algorithmFamilies[a]
}

// RSAKeyBits はRSAアルゴリズムの鍵長を返す。RSA以外は0。
func (a Algorithm) RSAKeyBits() int {
	return rsaKeyBits[a]
}

// SupportsKeyType は鍵種別とアルゴリズムの組み合わせが有効か判定する。
func (a Algorithm) SupportsKeyType(kt KeyType) bool {
	switch kt {
	case KeyTypeSymmetric:
		return a.Family() == FamilySymmetric
	case KeyTypeAsymmetric, KeyTypeHybrid:
		return a.Family() == FamilyRSA || a.Family() == FamilyEC
	default:
		return false
	}
}

// KeyStatus は暗号鍵のステータスを表す。
type KeyStatus string

const (
	// KeyStatusActive は暗号化・復号の両方に使える鍵を表す。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusRotated は後継鍵に置き換えられ、復号にのみ使える鍵を表す。
	KeyStatusRotated KeyStatus = "rotated"
	// KeyStatusRevoked は失効済みで、既存データの復号にのみ使える鍵を表す。
	KeyStatusRevoked KeyStatus = "revoked"
	// KeyStatusHardRevoked は失効済みで復号も禁止された鍵を表す。
	KeyStatusHardRevoked KeyStatus = "hard_revoked"
	// KeyStatusExpired は有効期限切れの鍵を表す。
	KeyStatusExpired KeyStatus = "expired"
)

// KeyMaterial は鍵種別ごとに保持する（ラップ済み）鍵素材を表す。
// 実装はSymmetricMaterial, AsymmetricMaterial, HybridMaterialの3つに限られる。
type KeyMaterial interface {
	KeyType() KeyType
	sealed()
}

// SymmetricMaterial は共通鍵のラップ済み素材。
type SymmetricMaterial struct {
	WrappedKey []byte
}

// AsymmetricMaterial は公開鍵とラップ済み秘密鍵。
type AsymmetricMaterial struct {
	PublicKey         []byte
	WrappedPrivateKey []byte
}

// HybridMaterial は公開鍵・ラップ済み秘密鍵・ラップ済み共通鍵。
type HybridMaterial struct {
	PublicKey           []byte
	WrappedPrivateKey   []byte
	WrappedSymmetricKey []byte
}

func (SymmetricMaterial) KeyType() KeyType  { return KeyTypeSymmetric }
func (AsymmetricMaterial) KeyType() KeyType { return KeyTypeAsymmetric }
func (HybridMaterial) KeyType() KeyType     { return KeyTypeHybrid }

func (SymmetricMaterial) sealed()  {}
func (AsymmetricMaterial) sealed() {}
func (HybridMaterial) sealed()     {}

// CreationMetadata は鍵生成時に付与されるメタデータ。
type CreationMetadata struct {
	Purpose        string   `json:"purpose,omitempty"`
	Environment    string   `json:"environment,omitempty"`
	ComplianceTags []string `json:"compliance_tags,omitempty"`
}

// EncryptionKey は暗号鍵エンティティを表す。
type EncryptionKey struct {
	ID           string
	TenantID     string
	Algorithm    Algorithm
	Material     KeyMaterial
	Version      uint
	Status       KeyStatus
	StatusReason string
	RotatedFrom  string
	ExpiresAt    time.Time
	Metadata     CreationMetadata
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// KeyType は鍵素材から鍵種別を返す。
func (k *EncryptionKey) KeyType() KeyType {
	if k.Material == nil {
		return ""
	}
	return k.Material.KeyType()
}

// IsExpiredAt は指定時刻に有効期限を過ぎているか判定する。
func (k *EncryptionKey) IsExpiredAt(now time.Time) bool {
	return k.Status == KeyStatusExpired || !now.Before(k.ExpiresAt)
}

// PublicKey は公開鍵を持つ鍵種別であれば公開鍵を返す。
func (k *EncryptionKey) PublicKey() []byte {
	switch m := k.Material.(type) {
	case AsymmetricMaterial:
		return m.PublicKey
	case HybridMaterial:
		return m.PublicKey
	default:
		return nil
	}
}

// ToMetadata は鍵素材を含まないメタデータに変換する。
func (k *EncryptionKey) ToMetadata() *KeyMetadata {
	return &KeyMetadata{
		ID:          k.ID,
		TenantID:    k.TenantID,
		KeyType:     k.KeyType(),
		Algorithm:   k.Algorithm,
		Version:     k.Version,
		Status:      k.Status,
		PublicKey:   k.PublicKey(),
		RotatedFrom: k.RotatedFrom,
		ExpiresAt:   k.ExpiresAt,
		Metadata:    k.Metadata,
		CreatedAt:   k.CreatedAt,
	}
}

// KeyMetadata は暗号鍵のメタデータを表す（秘密の鍵素材を含まない）。
type KeyMetadata struct {
	ID          string
	TenantID    string
	KeyType     KeyType
	Algorithm   Algorithm
	Version     uint
	Status      KeyStatus
	PublicKey   []byte
	RotatedFrom string
	ExpiresAt   time.Time
	Metadata    CreationMetadata
	CreatedAt   time.Time
}

// KeyFilter は鍵一覧の絞り込み条件。
type KeyFilter struct {
	Status  KeyStatus
	KeyType KeyType
}

// RotationResult は鍵ローテーションの結果。
type RotationResult struct {
	OldKeyID   string
	NewKeyID   string
	NewVersion uint
	Key        *KeyMetadata
}

// UnwrappedKey は復号済みの鍵素材を表す。永続化してはならない。
type UnwrappedKey struct {
	Key        *EncryptionKey
	Symmetric  []byte
	PrivateKey []byte
}

// Wipe は平文の鍵素材をゼロクリアする。
func (u *UnwrappedKey) Wipe() {
	if u == nil {
		return
	}
	for i := range u.Symmetric {
		u.Symmetric[i] = 0
	}
	for i := range u.PrivateKey {
		u.PrivateKey[i] = 0
	}
}
