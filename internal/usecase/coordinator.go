package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"key-vault-service/internal/domain"
	"key-vault-service/internal/encryption"
	"key-vault-service/internal/ratelimit"
)

// DefaultOperationTimeout は操作ごとのデフォルトのタイムアウト。
const DefaultOperationTimeout = 30 * time.Second

// 操作名。メトリクスのラベルとトレースのスパン名に使う。
const (
	OpGenerateKey      = "generate_key"
	OpListKeys         = "list_keys"
	OpRotateKey        = "rotate_key"
	OpRevokeKey        = "revoke_key"
	OpResetKeyAttempts = "reset_key_attempts"
	OpEncrypt          = "encrypt"
	OpDecrypt          = "decrypt"
	OpHash             = "hash"
	OpHMAC             = "hmac"
	OpVerifyHMAC       = "verify_hmac"
	OpQueryAuditLog    = "query_audit_log"
	OpGetStatistics    = "get_statistics"
)

// auditedOperations は監査対象の操作と監査エントリの操作種別。
var auditedOperations = map[string]domain.Operation{
	OpGenerateKey: domain.OperationKeyGenerate,
	OpRotateKey:   domain.OperationKeyRotate,
	OpRevokeKey:   domain.OperationKeyRevoke,
	OpEncrypt:     domain.OperationEncrypt,
	OpDecrypt:     domain.OperationDecrypt,
}

// maxReasonBytes は監査メタデータに残す理由文字列の上限。
const maxReasonBytes = 255

// RateLimiter はテナント・操作分類ごとのレート制限のインターフェース。
type RateLimiter interface {
	Allow(ctx context.Context, tenantID string, class ratelimit.Class) error
}

type noLimit struct{}

func (noLimit) Allow(context.Context, string, ratelimit.Class) error { return nil }

// CoordinatorConfig はCoordinatorの動作設定。
type CoordinatorConfig struct {
	OperationTimeout      time.Duration
	MaxEncryptionAttempts int
	MaxPayloadBytes       int64
}

// Coordinator は全操作の入口。検証・レート制限・ロックアウト・タイムアウト・
// 監査・計測を一か所で行う。
type Coordinator struct {
	keys     *KeyService
	vault    *VaultService
	audit    *AuditService
	engine   *encryption.Engine
	limiter  RateLimiter
	metrics  Metrics
	tracer   trace.Tracer
	validate *validator.Validate
	attempts *attemptTracker
	cfg      CoordinatorConfig
	now      func() time.Time
}

// NewCoordinator は新しいCoordinatorを生成する。limiter・metrics・tracerはnilでもよい。
func NewCoordinator(keys *KeyService, vault *VaultService, audit *AuditService, engine *encryption.Engine, limiter RateLimiter, metrics Metrics, tracer trace.Tracer, cfg CoordinatorConfig) *Coordinator {
	if limiter == nil {
		limiter = noLimit{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}
	return &Coordinator{
		keys:     keys,
		vault:    vault,
		audit:    audit,
		engine:   engine,
		limiter:  limiter,
		metrics:  metrics,
		tracer:   tracer,
		validate: newValidator(),
		attempts: newAttemptTracker(cfg.MaxEncryptionAttempts),
		cfg:      cfg,
		now:      time.Now,
	}
}

// opTrace は監査エントリに載せる操作の詳細。操作のゴルーチンが所有し、
// タイムアウト時は開始時点の内容だけが使われる。Metadataは置き換えのみで変更しない。
type opTrace struct {
	KeyID     string
	DataID    string
	Algorithm domain.Algorithm
	Metadata  map[string]any
}

func withMeta(m map[string]any, kv ...any) map[string]any {
	out := make(map[string]any, len(m)+len(kv)/2)
	maps.Copy(out, m)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}

type opSpec struct {
	name      string
	audit     domain.Operation
	class     ratelimit.Class
	tenantID  string
	requester string
	gated     bool
}

type opFunc[T any] func(ctx context.Context, tr *opTrace, gate keyGate) (T, error)

type opResult[T any] struct {
	value T
	tr    opTrace
	err   error
}

// run は1つの操作を 検証 → レート制限 → 実行（ロックアウト・スパン・タイムアウト） → エラー分類 → 監査 → 計測 の順に処理する。
// 監査対象の操作は結果にかかわらず監査エントリを1件だけ記録する。
func run[T any](ctx context.Context, c *Coordinator, op opSpec, req any, base opTrace, fn opFunc[T]) (T, error) {
	start := c.now()
	res := opResult[T]{tr: base}

	if err := c.validate.Struct(req); err != nil {
		res.err = toValidationError(err)
	} else if v, ok := req.(interface{ check() error }); ok {
		res.err = v.check()
	}
	if res.err == nil {
		res.err = c.limiter.Allow(ctx, op.tenantID, op.class)
	}
	if res.err == nil {
		res = execute(ctx, c, op, base, fn)
	}
	err := c.classify(ctx, op, res.err)

	if op.gated && res.tr.KeyID != "" {
		switch {
		case err == nil:
			c.attempts.reset(op.tenantID, res.tr.KeyID)
		case countsAsAttempt(err):
			if n := c.attempts.fail(op.tenantID, res.tr.KeyID); n == c.cfg.MaxEncryptionAttempts {
				slog.WarnContext(ctx, "key locked after repeated failures",
					"tenant_id", op.tenantID,
					"key_id", res.tr.KeyID,
					"attempts", n,
				)
			}
		}
	}

	elapsed := c.now().Sub(start)
	if op.audit != "" {
		c.audit.Record(ctx, auditEntry(op, res.tr, err, elapsed))
	}
	c.metrics.RecordOperation(op.name, resultLabel(err), elapsed)

	if err != nil {
		var zero T
		return zero, err
	}
	return res.value, nil
}

// execute はスパンとタイムアウトの下で操作を実行する。
func execute[T any](ctx context.Context, c *Coordinator, op opSpec, base opTrace, fn opFunc[T]) opResult[T] {
	ctx, span := c.tracer.Start(ctx, "keyvault."+op.name, trace.WithAttributes(
		attribute.String("keyvault.operation", op.name),
		attribute.String("keyvault.tenant_id", op.tenantID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()

	gate := keyGate(openGate)
	if op.gated {
		gate = func(keyID string) error { return c.attempts.check(op.tenantID, keyID) }
	}

	done := make(chan opResult[T], 1)
	go func() {
		tr := base
		v, err := fn(ctx, &tr, gate)
		done <- opResult[T]{value: v, tr: tr, err: err}
	}()

	var res opResult[T]
	select {
	case res = <-done:
	case <-ctx.Done():
		// 同時に完了していれば完了した結果を優先する
		select {
		case res = <-done:
		default:
			// 実行中のゴルーチンはctxのキャンセルで中断する。結果は破棄する。
			// 保存はctxを確認してからコミットするが、確認後にコミットが終わる僅かな間は
			// TIMEOUTを返しつつレコードが残ることがある
			res = opResult[T]{tr: base, err: ctx.Err()}
		}
	}

	if res.tr.KeyID != "" {
		span.SetAttributes(attribute.String("keyvault.key_id", res.tr.KeyID))
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, domain.ErrorCode(res.err))
	}
	return res
}

// RejectedRequest は本文を解釈できず、操作の実行に至らなかった要求。
type RejectedRequest struct {
	Operation string
	TenantID  string
	Requester string
	KeyID     string
	Cause     error
}

// RejectRequest は実行前に拒否された要求を記録し、呼び出し元に返すエラーを返す。
// 監査対象の操作であれば失敗の監査エントリを1件記録する。
func (c *Coordinator) RejectRequest(ctx context.Context, req RejectedRequest) error {
	op := opSpec{
		name:      req.Operation,
		audit:     auditedOperations[req.Operation],
		tenantID:  req.TenantID,
		requester: req.Requester,
	}
	err := c.classify(ctx, op, req.Cause)
	if op.audit != "" {
		c.audit.Record(ctx, auditEntry(op, opTrace{KeyID: req.KeyID}, err, 0))
	}
	c.metrics.RecordOperation(op.name, resultLabel(err), 0)
	return err
}

// classify は呼び出し元に返すエラーを決める。未知のエラーは詳細をログに残してErrInternalにする。
func (c *Coordinator) classify(ctx context.Context, op opSpec, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		slog.WarnContext(ctx, "operation timed out",
			"operation", op.name,
			"tenant_id", op.tenantID,
			"timeout", c.cfg.OperationTimeout,
		)
		return fmt.Errorf("%s: %w", op.name, domain.ErrTimeout)
	case errors.Is(err, context.Canceled):
		slog.InfoContext(ctx, "operation canceled by caller",
			"operation", op.name,
			"tenant_id", op.tenantID,
		)
		return fmt.Errorf("%s: canceled: %w", op.name, domain.ErrTimeout)
	case domain.IsKnown(err):
		return err
	default:
		slog.ErrorContext(ctx, "operation failed",
			"operation", op.name,
			"tenant_id", op.tenantID,
			"error", err,
		)
		return domain.ErrInternal
	}
}

func auditEntry(op opSpec, tr opTrace, err error, elapsed time.Duration) *domain.AuditEntry {
	return &domain.AuditEntry{
		TenantID:       truncate(op.tenantID, 64),
		Requester:      truncate(op.requester, 255),
		Operation:      op.audit,
		KeyID:          truncate(tr.KeyID, 36),
		DataID:         truncate(tr.DataID, 36),
		Algorithm:      domain.Algorithm(truncate(string(tr.Algorithm), 32)),
		Success:        err == nil,
		ErrorCode:      domain.ErrorCode(err),
		ProcessingTime: elapsed,
		Metadata:       tr.Metadata,
	}
}

// truncate はsを最大nバイトに切り詰める。文字の途中では切らず、不正なUTF-8は置き換える。
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return strings.ToLower(domain.ErrorCode(err))
}

// GenerateKeyRequest は鍵生成リクエスト。
type GenerateKeyRequest struct {
	TenantID  string                  `json:"tenant_id" validate:"required,tenant"`
	Requester string                  `json:"requester" validate:"max=255"`
	KeyType   string                  `json:"key_type" validate:"required"`
	Algorithm string                  `json:"algorithm" validate:"required"`
	Metadata  domain.CreationMetadata `json:"metadata"`
}

// GenerateKey は新しい鍵を生成する。
func (c *Coordinator) GenerateKey(ctx context.Context, req GenerateKeyRequest) (*domain.KeyMetadata, error) {
	op := opSpec{
		name:      OpGenerateKey,
		audit:     domain.OperationKeyGenerate,
		class:     ratelimit.ClassKeyManagement,
		tenantID:  req.TenantID,
		requester: req.Requester,
	}
	base := opTrace{Metadata: map[string]any{"key_type": req.KeyType}}

	return run(ctx, c, op, req, base, func(ctx context.Context, tr *opTrace, _ keyGate) (*domain.KeyMetadata, error) {
		kt, err := domain.ParseKeyType(req.KeyType)
		if err != nil {
			return nil, err
		}
		alg, err := domain.ParseAlgorithm(req.Algorithm)
		if err != nil {
			return nil, err
		}
		tr.Algorithm = alg

		meta, err := c.keys.GenerateKey(ctx, req.TenantID, kt, alg, req.Metadata)
		if err != nil {
			return nil, err
		}
		tr.KeyID = meta.ID
		return meta, nil
	})
}

// ListKeysRequest は鍵一覧リクエスト。
type ListKeysRequest struct {
	TenantID  string `json:"tenant_id" validate:"required,tenant"`
	Requester string `json:"requester" validate:"max=255"`
	Status    string `json:"status" validate:"omitempty,oneof=active rotated revoked hard_revoked expired"`
	KeyType   string `json:"key_type" validate:"omitempty,oneof=symmetric asymmetric hybrid"`
}

// ListKeys はテナントの鍵メタデータを返す。
func (c *Coordinator) ListKeys(ctx context.Context, req ListKeysRequest) ([]*domain.KeyMetadata, error) {
	op := opSpec{
		name:      OpListKeys,
		class:     ratelimit.ClassKeyManagement,
		tenantID:  req.TenantID,
		requester: req.Requester,
	}
	filter := domain.KeyFilter{Status: domain.KeyStatus(req.Status), KeyType: domain.KeyType(req.KeyType)}

	return run(ctx, c, op, req, opTrace{}, func(ctx context.Context, _ *opTrace, _ keyGate) ([]*domain.KeyMetadata, error) {
		return c.keys.ListKeys(ctx, req.TenantID, filter)
	})
}

// RotateKeyRequest は鍵ローテーションリクエスト。
type RotateKeyRequest struct {
	TenantID  string `json:"tenant_id" validate:"required,tenant"`
	Requester string `json:"requester" validate:"max=255"`
	KeyID     string `json:"key_id" validate:"required,uuid"`
	Reason    string `json:"reason" validate:"max=255"`
}

// RotateKey は鍵をローテーションする。
func (c *Coordinator) RotateKey(ctx context.Context, req RotateKeyRequest) (*domain.RotationResult, error) {
	op := opSpec{
		name:      OpRotateKey,
		audit:     domain.OperationKeyRotate,
		class:     ratelimit.ClassKeyManagement,
		tenantID:  req.TenantID,
		requester: req.Requester,
	}
	base := opTrace{KeyID: req.KeyID, Metadata: map[string]any{"reason": truncate(req.Reason, maxReasonBytes)}}

	return run(ctx, c, op, req, base, func(ctx context.Context, tr *opTrace, _ keyGate) (*domain.RotationResult, error) {
		res, err := c.keys.RotateKey(ctx, req.TenantID, req.KeyID, req.Reason)
		if err != nil {
			return nil, err
		}
		tr.Algorithm = res.Key.Algorithm
		tr.Metadata = withMeta(tr.Metadata, "new_key_id", res.NewKeyID, "new_version", res.NewVersion)
		return res, nil
	})
}

// RevokeKeyRequest は鍵失効リクエスト。Hardがtrueの場合は復号も禁止する。
type RevokeKeyRequest struct {
	TenantID  string `json:"tenant_id" validate:"required,tenant"`
	Requester string `json:"requester" validate:"max=255"`
	KeyID     string `json:"key_id" validate:"required,uuid"`
	Reason    string `json:"reason" validate:"max=255"`
	Hard      bool   `json:"hard"`
}

// RevokeKey は鍵を失効させる。
func (c *Coordinator) RevokeKey(ctx context.Context, req RevokeKeyRequest) (*domain.KeyMetadata, error) {
	op := opSpec{
		name:      OpRevokeKey,
		audit:     domain.OperationKeyRevoke,
		class:     ratelimit.ClassKeyManagement,
		tenantID:  req.TenantID,
		requester: req.Requester,
	}
	base := opTrace{KeyID: req.KeyID, Metadata: map[string]any{"reason": truncate(req.Reason, maxReasonBytes), "hard": req.Hard}}

	return run(ctx, c, op, req, base, func(ctx context.Context, tr *opTrace, _ keyGate) (*domain.KeyMetadata, error) {
		meta, err := c.keys.RevokeKey(ctx, req.TenantID, req.KeyID, req.Reason, req.Hard)
		if err != nil {
			return nil, err
		}
		tr.Algorithm = meta.Algorithm
		return meta, nil
	})
}

// ResetKeyAttemptsRequest はロックアウト解除リクエスト。
type ResetKeyAttemptsRequest struct {
	TenantID  string `json:"tenant_id" validate:"required,tenant"`
	Requester string `json:"requester" validate:"max=255"`
	KeyID     string `json:"key_id" validate:"required,uuid"`
}

// ResetKeyAttempts は鍵の失敗回数を消去し、ロックを解除する。記録があった場合にtrueを返す。
func (c *Coordinator) ResetKeyAttempts(ctx context.Context, req ResetKeyAttemptsRequest) (bool, error) {
	op := opSpec{
		name:      OpResetKeyAttempts,
		class:     ratelimit.ClassKeyManagement,
		tenantID:  req.TenantID,
		requester: req.Requester,
	}

	return run(ctx, c, op, req, opTrace{KeyID: req.KeyID}, func(ctx context.Context, _ *opTrace, _ keyGate) (bool, error) {
		if _, err := c.keys.GetKey(ctx, req.TenantID, req.KeyID); err != nil {
			return false, err
		}
		cleared := c.attempts.reset(req.TenantID, req.KeyID)
		slog.InfoContext(ctx, "key attempts reset",
			"tenant_id", req.TenantID,
			"key_id", req.KeyID,
			"requester", req.Requester,
			"cleared", cleared,
		)
		return cleared, nil
	})
}

// Encrypt は値を暗号化して保存する。
func (c *Coordinator) Encrypt(ctx context.Context, req EncryptRequest) (*EncryptResult, error) {
	op := opSpec{
		name:      OpEncrypt,
		audit:     domain.OperationEncrypt,
		class:     ratelimit.ClassCrypto,
		tenantID:  req.TenantID,
		requester: req.Requester,
		gated:     true,
	}

	return run(ctx, c, op, req, opTrace{KeyID: req.KeyID}, func(ctx context.Context, tr *opTrace, gate keyGate) (*EncryptResult, error) {
		return c.vault.encrypt(ctx, req, tr, gate)
	})
}

// Decrypt は暗号化データを復号する。
func (c *Coordinator) Decrypt(ctx context.Context, req DecryptRequest) (*DecryptResult, error) {
	op := opSpec{
		name:      OpDecrypt,
		audit:     domain.OperationDecrypt,
		class:     ratelimit.ClassCrypto,
		tenantID:  req.TenantID,
		requester: req.Requester,
		gated:     true,
	}
	base := opTrace{KeyID: req.KeyID, DataID: req.DataID}

	return run(ctx, c, op, req, base, func(ctx context.Context, tr *opTrace, gate keyGate) (*DecryptResult, error) {
		return c.vault.decrypt(ctx, req, tr, gate)
	})
}

// HashRequest はハッシュ計算リクエスト。
type HashRequest struct {
	TenantID  string `json:"tenant_id" validate:"required,tenant"`
	Requester string `json:"requester" validate:"max=255"`
	Algorithm string `json:"algorithm"`
	Data      []byte `json:"data"`
}

// HMACRequest はHMAC計算リクエスト。
type HMACRequest struct {
	TenantID  string `json:"tenant_id" validate:"required,tenant"`
	Requester string `json:"requester" validate:"max=255"`
	Algorithm string `json:"algorithm"`
	Key       []byte `json:"key" validate:"required"`
	Data      []byte `json:"data"`
}

// VerifyHMACRequest はHMAC検証リクエスト。
type VerifyHMACRequest struct {
	TenantID  string `json:"tenant_id" validate:"required,tenant"`
	Requester string `json:"requester" validate:"max=255"`
	Algorithm string `json:"algorithm"`
	Key       []byte `json:"key" validate:"required"`
	Data      []byte `json:"data"`
	Signature []byte `json:"signature" validate:"required"`
}

// DigestResult はハッシュ・HMACの結果。
type DigestResult struct {
	Algorithm encryption.HashAlgorithm
	Digest    []byte
}

func (c *Coordinator) checkSize(data []byte) error {
	if c.cfg.MaxPayloadBytes > 0 && int64(len(data)) > c.cfg.MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", domain.ErrPayloadTooLarge, len(data), c.cfg.MaxPayloadBytes)
	}
	return nil
}

// Hash はデータのダイジェストを返す。
func (c *Coordinator) Hash(ctx context.Context, req HashRequest) (*DigestResult, error) {
	op := opSpec{name: OpHash, class: ratelimit.ClassGeneric, tenantID: req.TenantID, requester: req.Requester}

	return run(ctx, c, op, req, opTrace{}, func(ctx context.Context, _ *opTrace, _ keyGate) (*DigestResult, error) {
		if err := c.checkSize(req.Data); err != nil {
			return nil, err
		}
		alg, err := encryption.ParseHashAlgorithm(req.Algorithm)
		if err != nil {
			return nil, err
		}
		digest, err := c.engine.Hash(alg, req.Data)
		if err != nil {
			return nil, err
		}
		return &DigestResult{Algorithm: alg, Digest: digest}, nil
	})
}

// HMAC はデータのHMACを返す。
func (c *Coordinator) HMAC(ctx context.Context, req HMACRequest) (*DigestResult, error) {
	op := opSpec{name: OpHMAC, class: ratelimit.ClassGeneric, tenantID: req.TenantID, requester: req.Requester}

	return run(ctx, c, op, req, opTrace{}, func(ctx context.Context, _ *opTrace, _ keyGate) (*DigestResult, error) {
		if err := c.checkSize(req.Data); err != nil {
			return nil, err
		}
		alg, err := encryption.ParseHashAlgorithm(req.Algorithm)
		if err != nil {
			return nil, err
		}
		mac, err := c.engine.HMAC(alg, req.Key, req.Data)
		if err != nil {
			return nil, err
		}
		return &DigestResult{Algorithm: alg, Digest: mac}, nil
	})
}

// VerifyHMAC は署名がデータのHMACと一致するかを定数時間で検証する。
func (c *Coordinator) VerifyHMAC(ctx context.Context, req VerifyHMACRequest) (bool, error) {
	op := opSpec{name: OpVerifyHMAC, class: ratelimit.ClassGeneric, tenantID: req.TenantID, requester: req.Requester}

	return run(ctx, c, op, req, opTrace{}, func(ctx context.Context, _ *opTrace, _ keyGate) (bool, error) {
		if err := c.checkSize(req.Data); err != nil {
			return false, err
		}
		alg, err := encryption.ParseHashAlgorithm(req.Algorithm)
		if err != nil {
			return false, err
		}
		return c.engine.VerifyHMAC(alg, req.Key, req.Data, req.Signature)
	})
}

// AuditFilterInput は監査ログの絞り込み条件。
type AuditFilterInput struct {
	Requester string     `json:"requester" validate:"max=255"`
	Operation string     `json:"operation" validate:"omitempty,oneof=encrypt decrypt key_generate key_rotate key_revoke"`
	KeyID     string     `json:"key_id" validate:"max=36"`
	DataID    string     `json:"data_id" validate:"max=36"`
	Algorithm string     `json:"algorithm" validate:"max=32"`
	Success   *bool      `json:"success"`
	Since     *time.Time `json:"since"`
	Until     *time.Time `json:"until"`
}

func (f AuditFilterInput) check() error {
	if f.Since != nil && f.Until != nil && f.Since.After(*f.Until) {
		return domain.NewValidationError("filter.since", "must not be after until")
	}
	return nil
}

func (f AuditFilterInput) toDomain(tenantID string) domain.AuditFilter {
	return domain.AuditFilter{
		TenantID:  tenantID,
		Requester: f.Requester,
		Operation: domain.Operation(f.Operation),
		KeyID:     f.KeyID,
		DataID:    f.DataID,
		Algorithm: domain.Algorithm(strings.ToUpper(f.Algorithm)),
		Success:   f.Success,
		Since:     f.Since,
		Until:     f.Until,
	}
}

// AuditQueryRequest は監査ログ検索リクエスト。Limitが0の場合はデフォルト件数を返す。
type AuditQueryRequest struct {
	TenantID  string           `json:"tenant_id" validate:"required,tenant"`
	Requester string           `json:"requester" validate:"max=255"`
	Filter    AuditFilterInput `json:"filter"`
	Limit     int              `json:"limit" validate:"gte=0,lte=1000"`
	Offset    int              `json:"offset" validate:"gte=0"`
}

func (r AuditQueryRequest) check() error { return r.Filter.check() }

// QueryAuditLog はテナントの監査ログを新しい順に返す。
func (c *Coordinator) QueryAuditLog(ctx context.Context, req AuditQueryRequest) (*domain.AuditPage, error) {
	op := opSpec{name: OpQueryAuditLog, class: ratelimit.ClassGeneric, tenantID: req.TenantID, requester: req.Requester}

	return run(ctx, c, op, req, opTrace{}, func(ctx context.Context, _ *opTrace, _ keyGate) (*domain.AuditPage, error) {
		page := domain.Pagination{Limit: req.Limit, Offset: req.Offset}
		return c.audit.Query(ctx, req.Filter.toDomain(req.TenantID), page)
	})
}

// StatisticsRequest は監査統計リクエスト。
type StatisticsRequest struct {
	TenantID  string           `json:"tenant_id" validate:"required,tenant"`
	Requester string           `json:"requester" validate:"max=255"`
	Filter    AuditFilterInput `json:"filter"`
}

func (r StatisticsRequest) check() error { return r.Filter.check() }

// GetStatistics はテナントの操作統計を返す。
func (c *Coordinator) GetStatistics(ctx context.Context, req StatisticsRequest) (*domain.AuditStatistics, error) {
	op := opSpec{name: OpGetStatistics, class: ratelimit.ClassGeneric, tenantID: req.TenantID, requester: req.Requester}

	return run(ctx, c, op, req, opTrace{}, func(ctx context.Context, _ *opTrace, _ keyGate) (*domain.AuditStatistics, error) {
		return c.audit.Statistics(ctx, req.Filter.toDomain(req.TenantID))
	})
}
