// Package ratelimit はテナント・操作クラス単位の固定ウィンドウ方式のレート制限を提供する。
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Config は1ウィンドウあたりの許可回数とウィンドウ長。
type Config struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Validate は設定値が正であることを検証する。
func (c Config) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// Store はレート制限の状態を保持するバックエンド。
type Store interface {
	// Allow はkeyのリクエストを許可するか判定する。
	// 拒否した場合はウィンドウがリセットされるまでの時間を返す。
	Allow(ctx context.Context, key string, cfg Config) (allowed bool, retryAfter time.Duration, err error)
}
