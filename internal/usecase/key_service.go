// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"key-vault-service/internal/domain"
	"key-vault-service/internal/encryption"
)

// DefaultSweepBatchSize は1回の問い合わせで期限切れにする鍵の最大数。
const DefaultSweepBatchSize = 100

// KeyRepository は暗号鍵のデータアクセスのインターフェース。
type KeyRepository interface {
	Create(ctx context.Context, key *domain.EncryptionKey) error
	FindByID(ctx context.Context, tenantID, id string) (*domain.EncryptionKey, error)
	FindAll(ctx context.Context, tenantID string, filter domain.KeyFilter) ([]*domain.EncryptionKey, error)
	ReplaceActive(ctx context.Context, tenantID, oldID, reason string, successor *domain.EncryptionKey) (bool, error)
	UpdateStatus(ctx context.Context, tenantID, id string, from []domain.KeyStatus, to domain.KeyStatus, reason string) (bool, error)
	FindExpiredActive(ctx context.Context, now time.Time, limit int) ([]*domain.EncryptionKey, error)
}

// MaterialGuard は鍵素材のラップ/アンラップのインターフェース。
type MaterialGuard interface {
	Wrap(ctx context.Context, material []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
}

// KeyServiceConfig はKeyServiceの動作設定。
type KeyServiceConfig struct {
	RotationInterval time.Duration
	// BlockDecryptOnExpiredKey がfalseなら期限切れ鍵での復号を許す。trueならErrKeyExpiredを返す。
	// 既定は許可側。config.Config.BlockDecryptOnExpiredKey を参照。
	BlockDecryptOnExpiredKey bool
	SweepBatchSize           int
}

// KeyService は暗号鍵のライフサイクルに関するビジネスロジックを提供する。
type KeyService struct {
	repo    KeyRepository
	guard   MaterialGuard
	engine  *encryption.Engine
	cache   *KeyCache
	metrics Metrics
	cfg     KeyServiceConfig
	now     func() time.Time
}

// NewKeyService は新しいKeyServiceを生成する。cacheはnilでもよい。
func NewKeyService(repo KeyRepository, guard MaterialGuard, engine *encryption.Engine, cache *KeyCache, metrics Metrics, cfg KeyServiceConfig) *KeyService {
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = DefaultSweepBatchSize
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &KeyService{
		repo:    repo,
		guard:   guard,
		engine:  engine,
		cache:   cache,
		metrics: metrics,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GenerateKey は指定されたテナントに新しい暗号鍵を生成する。
func (s *KeyService) GenerateKey(ctx context.Context, tenantID string, keyType domain.KeyType, alg domain.Algorithm, metadata domain.CreationMetadata) (*domain.KeyMetadata, error) {
	if _, err := domain.ParseKeyType(string(keyType)); err != nil {
		return nil, err
	}
	if !alg.SupportsKeyType(keyType) {
		return nil, fmt.Errorf("%w: %s cannot be used for %s keys", domain.ErrInvalidAlgorithm, alg, keyType)
	}

	material, err := s.newMaterial(ctx, keyType, alg)
	if err != nil {
		return nil, err
	}

	key := &domain.EncryptionKey{
		TenantID:  tenantID,
		Algorithm: alg,
		Material:  material,
		Version:   1,
		Status:    domain.KeyStatusActive,
		ExpiresAt: s.now().Add(s.cfg.RotationInterval),
		Metadata:  metadata,
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, key); err != nil {
		return nil, fmt.Errorf("creating key: %w", err)
	}

	slog.InfoContext(ctx, "key generated",
		"tenant_id", tenantID,
		"key_id", key.ID,
		"key_type", keyType,
		"algorithm", alg,
	)
	return key.ToMetadata(), nil
}

// newMaterial は鍵種別に応じた鍵素材を生成し、秘密部分をラップする。
func (s *KeyService) newMaterial(ctx context.Context, keyType domain.KeyType, alg domain.Algorithm) (domain.KeyMaterial, error) {
	switch keyType {
	case domain.KeyTypeSymmetric:
		wrapped, err := s.newWrappedSymmetric(ctx, alg)
		if err != nil {
			return nil, err
		}
		return domain.SymmetricMaterial{WrappedKey: wrapped}, nil
	case domain.KeyTypeAsymmetric:
		pub, wrappedPriv, err := s.newWrappedKeyPair(ctx, alg)
		if err != nil {
			return nil, err
		}
		return domain.AsymmetricMaterial{PublicKey: pub, WrappedPrivateKey: wrappedPriv}, nil
	case domain.KeyTypeHybrid:
		pub, wrappedPriv, err := s.newWrappedKeyPair(ctx, alg)
		if err != nil {
			return nil, err
		}
		// ハイブリッド鍵の共通鍵は常にAES-256
		wrappedSym, err := s.newWrappedSymmetric(ctx, domain.AlgorithmAES256)
		if err != nil {
			return nil, err
		}
		return domain.HybridMaterial{
			PublicKey:           pub,
			WrappedPrivateKey:   wrappedPriv,
			WrappedSymmetricKey: wrappedSym,
		}, nil
	default:
		return nil, domain.ErrInvalidKeyType
	}
}

func (s *KeyService) newWrappedSymmetric(ctx context.Context, alg domain.Algorithm) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sym, err := s.engine.GenerateSymmetricKey(alg)
	if err != nil {
		return nil, fmt.Errorf("generating symmetric key: %w", err)
	}
	defer wipe(sym)

	wrapped, err := s.guard.Wrap(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("wrapping symmetric key: %w", err)
	}
	return wrapped, nil
}

func (s *KeyService) newWrappedKeyPair(ctx context.Context, alg domain.Algorithm) ([]byte, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	pub, priv, err := s.engine.GenerateAsymmetricKeyPair(alg, alg.RSAKeyBits())
	if err != nil {
		return nil, nil, fmt.Errorf("generating key pair: %w", err)
	}
	defer wipe(priv)

	wrapped, err := s.guard.Wrap(ctx, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("wrapping private key: %w", err)
	}
	return pub, wrapped, nil
}

// GetKey は鍵のメタデータ付きエンティティを取得する。素材はラップされたまま。
func (s *KeyService) GetKey(ctx context.Context, tenantID, keyID string) (*domain.EncryptionKey, error) {
	key, err := s.repo.FindByID(ctx, tenantID, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	return key, nil
}

// GetActiveKey は暗号化に使える鍵をアンラップして返す。呼び出し側は使用後にWipeする。
func (s *KeyService) GetActiveKey(ctx context.Context, tenantID, keyID string) (*domain.UnwrappedKey, error) {
	if u, ok := s.cache.Get(tenantID, keyID); ok {
		s.metrics.RecordCacheLookup(true)
		return u, nil
	}
	s.metrics.RecordCacheLookup(false)

	epoch := s.cache.Epoch()
	key, err := s.GetKey(ctx, tenantID, keyID)
	if err != nil {
		return nil, err
	}

	switch {
	case key.Status == domain.KeyStatusExpired:
		return nil, domain.ErrKeyExpired
	case key.Status != domain.KeyStatusActive:
		return nil, fmt.Errorf("%w: key %s is %s", domain.ErrKeyInactive, key.ID, key.Status)
	case key.IsExpiredAt(s.now()):
		return nil, domain.ErrKeyExpired
	}

	u, err := s.unwrap(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cache.Put(u, epoch)
	return u, nil
}

// ResolveForDecrypt は復号に使う鍵をアンラップして返す。
// rotated・revokedの鍵は許可し、hard_revokedは拒否する。期限切れは設定に従う。
func (s *KeyService) ResolveForDecrypt(ctx context.Context, tenantID, keyID string) (*domain.UnwrappedKey, error) {
	if u, ok := s.cache.Get(tenantID, keyID); ok {
		s.metrics.RecordCacheLookup(true)
		return u, nil
	}
	s.metrics.RecordCacheLookup(false)

	epoch := s.cache.Epoch()
	key, err := s.GetKey(ctx, tenantID, keyID)
	if err != nil {
		return nil, err
	}
	if key.Status == domain.KeyStatusHardRevoked {
		return nil, fmt.Errorf("%w: key %s is hard revoked", domain.ErrKeyInactive, key.ID)
	}
	if s.cfg.BlockDecryptOnExpiredKey && key.IsExpiredAt(s.now()) {
		return nil, domain.ErrKeyExpired
	}

	u, err := s.unwrap(ctx, key)
	if err != nil {
		return nil, err
	}
	if !key.IsExpiredAt(s.now()) {
		s.cache.Put(u, epoch)
	}
	return u, nil
}

// unwrap は鍵の秘密部分をアンラップする。失敗時は部分的な素材を返さない。
func (s *KeyService) unwrap(ctx context.Context, key *domain.EncryptionKey) (*domain.UnwrappedKey, error) {
	u := &domain.UnwrappedKey{Key: key}

	var err error
	switch m := key.Material.(type) {
	case domain.SymmetricMaterial:
		u.Symmetric, err = s.unwrapPart(ctx, m.WrappedKey)
	case domain.AsymmetricMaterial:
		u.PrivateKey, err = s.unwrapPart(ctx, m.WrappedPrivateKey)
	case domain.HybridMaterial:
		if u.PrivateKey, err = s.unwrapPart(ctx, m.WrappedPrivateKey); err == nil {
			u.Symmetric, err = s.unwrapPart(ctx, m.WrappedSymmetricKey)
		}
	default:
		err = domain.ErrInvalidKeyMaterial
	}
	if err != nil {
		u.Wipe()
		slog.ErrorContext(ctx, "failed to unwrap key material",
			"tenant_id", key.TenantID,
			"key_id", key.ID,
			"error", err,
		)
		return nil, err
	}
	return u, nil
}

func (s *KeyService) unwrapPart(ctx context.Context, wrapped []byte) ([]byte, error) {
	if len(wrapped) == 0 {
		return nil, domain.ErrInvalidKeyMaterial
	}
	material, err := s.guard.Unwrap(ctx, wrapped)
	if err != nil {
		if errors.Is(err, domain.ErrKeyUnwrapFailed) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyUnwrapFailed, err)
	}
	if len(material) == 0 {
		return nil, domain.ErrKeyUnwrapFailed
	}
	return material, nil
}

// RotateKey は同じ種別・アルゴリズム・メタデータで新しい版の鍵を生成し、旧鍵をrotatedにする。
// 旧鍵は保持され、過去の暗号化データは引き続き復号できる。
func (s *KeyService) RotateKey(ctx context.Context, tenantID, keyID, reason string) (*domain.RotationResult, error) {
	old, err := s.GetKey(ctx, tenantID, keyID)
	if err != nil {
		return nil, err
	}
	if old.Status != domain.KeyStatusActive {
		return nil, fmt.Errorf("%w: key %s is %s", domain.ErrKeyInactive, old.ID, old.Status)
	}

	material, err := s.newMaterial(ctx, old.KeyType(), old.Algorithm)
	if err != nil {
		return nil, err
	}

	successor := &domain.EncryptionKey{
		TenantID:    tenantID,
		Algorithm:   old.Algorithm,
		Material:    material,
		Version:     old.Version + 1,
		Status:      domain.KeyStatusActive,
		RotatedFrom: old.ID,
		ExpiresAt:   s.now().Add(s.cfg.RotationInterval),
		Metadata:    old.Metadata,
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	replaced, err := s.repo.ReplaceActive(ctx, tenantID, old.ID, reason, successor)
	if err != nil {
		return nil, fmt.Errorf("replacing key: %w", err)
	}
	if !replaced {
		// 並行するローテーション・失効で既にactiveでなくなった
		return nil, fmt.Errorf("%w: key %s changed during rotation", domain.ErrKeyInactive, old.ID)
	}
	s.cache.Invalidate(tenantID, old.ID)

	slog.InfoContext(ctx, "key rotated",
		"tenant_id", tenantID,
		"key_id", old.ID,
		"new_key_id", successor.ID,
		"new_version", successor.Version,
	)
	return &domain.RotationResult{
		OldKeyID:   old.ID,
		NewKeyID:   successor.ID,
		NewVersion: successor.Version,
		Key:        successor.ToMetadata(),
	}, nil
}

// RevokeKey は鍵を失効させる。hardがfalseの場合は暗号化のみを禁止し、
// trueの場合は復号も禁止する。
func (s *KeyService) RevokeKey(ctx context.Context, tenantID, keyID, reason string, hard bool) (*domain.KeyMetadata, error) {
	key, err := s.GetKey(ctx, tenantID, keyID)
	if err != nil {
		return nil, err
	}

	from := []domain.KeyStatus{domain.KeyStatusActive, domain.KeyStatusRotated, domain.KeyStatusExpired}
	to := domain.KeyStatusRevoked
	if hard {
		from = append(from, domain.KeyStatusRevoked)
		to = domain.KeyStatusHardRevoked
	}
	if !slices.Contains(from, key.Status) {
		return nil, fmt.Errorf("%w: key %s is %s", domain.ErrKeyAlreadyRevoked, key.ID, key.Status)
	}

	updated, err := s.repo.UpdateStatus(ctx, tenantID, key.ID, from, to, reason)
	if err != nil {
		return nil, fmt.Errorf("updating status: %w", err)
	}
	if !updated {
		return nil, fmt.Errorf("%w: key %s", domain.ErrKeyAlreadyRevoked, key.ID)
	}
	s.cache.Invalidate(tenantID, key.ID)

	slog.WarnContext(ctx, "key revoked",
		"tenant_id", tenantID,
		"key_id", key.ID,
		"hard", hard,
		"reason", reason,
	)
	key.Status = to
	key.StatusReason = reason
	return key.ToMetadata(), nil
}

// SweepExpired は有効期限を過ぎたactiveな鍵をexpiredにする。並行実行しても安全。
func (s *KeyService) SweepExpired(ctx context.Context) (int, error) {
	swept := 0
	defer func() { s.metrics.RecordKeysSwept(swept) }()

	for {
		keys, err := s.repo.FindExpiredActive(ctx, s.now(), s.cfg.SweepBatchSize)
		if err != nil {
			return swept, fmt.Errorf("finding expired keys: %w", err)
		}

		changed := 0
		for _, key := range keys {
			updated, err := s.repo.UpdateStatus(ctx, key.TenantID, key.ID,
				[]domain.KeyStatus{domain.KeyStatusActive}, domain.KeyStatusExpired, "expired")
			if err != nil {
				return swept, fmt.Errorf("expiring key %s: %w", key.ID, err)
			}
			s.cache.Invalidate(key.TenantID, key.ID)
			if updated {
				changed++
			}
		}
		swept += changed

		if len(keys) < s.cfg.SweepBatchSize || changed == 0 {
			return swept, nil
		}
	}
}

// ListKeys は指定されたテナントの鍵メタデータを取得する。素材は含まない。
func (s *KeyService) ListKeys(ctx context.Context, tenantID string, filter domain.KeyFilter) ([]*domain.KeyMetadata, error) {
	keys, err := s.repo.FindAll(ctx, tenantID, filter)
	if err != nil {
		return nil, fmt.Errorf("finding keys: %w", err)
	}

	metadata := make([]*domain.KeyMetadata, len(keys))
	for i, k := range keys {
		metadata[i] = k.ToMetadata()
	}
	return metadata, nil
}
