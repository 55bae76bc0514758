package usecase

import (
	"context"
	"log/slog"
	"time"
)

// KeySweeper は期限切れの鍵を定期的にexpiredにするバックグラウンド処理。
type KeySweeper struct {
	keys     *KeyService
	interval time.Duration
}

// NewKeySweeper は新しいKeySweeperを生成する。
func NewKeySweeper(keys *KeyService, interval time.Duration) *KeySweeper {
	return &KeySweeper{keys: keys, interval: interval}
}

// Run はctxがキャンセルされるまで一定間隔で掃除を行う。起動直後にも1回実行する。
func (s *KeySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *KeySweeper) sweepOnce(ctx context.Context) {
	n, err := s.keys.SweepExpired(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.ErrorContext(ctx, "failed to sweep expired keys",
			"operation", "sweep_expired",
			"swept", n,
			"error", err,
		)
		return
	}
	if n > 0 {
		slog.InfoContext(ctx, "expired keys swept", "swept", n)
	}
}
