package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"key-vault-service/internal/domain"
)

// Class は予算を共有する操作の分類。
type Class string

const (
	ClassKeyManagement Class = "key_management"
	ClassCrypto        Class = "crypto"
	ClassGeneric       Class = "generic"
)

// Limiter はテナント・クラスごとにStoreへ問い合わせる。
type Limiter struct {
	store  Store
	limits map[Class]Config
	onDeny func(tenantID string, class Class)
}

// NewLimiter は新しいLimiterを生成する。設定のないクラスは制限しない。
func NewLimiter(store Store, limits map[Class]Config) (*Limiter, error) {
	for class, cfg := range limits {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("rate limit %s: %w", class, err)
		}
	}
	return &Limiter{store: store, limits: limits}, nil
}

// OnDeny は拒否時に呼ばれるコールバックを設定する。
func (l *Limiter) OnDeny(fn func(tenantID string, class Class)) {
	l.onDeny = fn
}

// Allow はリクエストを許可するか判定し、超過時はErrRateLimitExceededを返す。
// ストアの障害時は警告を出して許可する。
func (l *Limiter) Allow(ctx context.Context, tenantID string, class Class) error {
	cfg, ok := l.limits[class]
	if !ok {
		return nil
	}

	allowed, retryAfter, err := l.store.Allow(ctx, tenantID+":"+string(class), cfg)
	if err != nil {
		slog.WarnContext(ctx, "rate limit store unavailable, allowing request",
			"tenant_id", tenantID,
			"class", class,
			"error", err,
		)
		return nil
	}
	if !allowed {
		if l.onDeny != nil {
			l.onDeny(tenantID, class)
		}
		return fmt.Errorf("%w: %s, retry after %s", domain.ErrRateLimitExceeded, class, retryAfter.Round(time.Second))
	}
	return nil
}
