package usecase

import (
	"errors"
	"fmt"
	"sync"

	"key-vault-service/internal/domain"
)

// attemptTracker は鍵ごとの連続失敗回数を数える。上限に達した鍵は
// ResetKeyAttemptsで解除されるまで暗号化・復号に使えない。
type attemptTracker struct {
	mu       sync.Mutex
	max      int
	failures map[string]int
}

func newAttemptTracker(max int) *attemptTracker {
	return &attemptTracker{max: max, failures: make(map[string]int)}
}

func (t *attemptTracker) check(tenantID, keyID string) error {
	if t.max <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.failures[cacheKey(tenantID, keyID)]; n >= t.max {
		return fmt.Errorf("%w: key %s failed %d times", domain.ErrKeyLocked, keyID, n)
	}
	return nil
}

// fail は失敗回数を1つ増やし、増やした後の回数を返す。
func (t *attemptTracker) fail(tenantID, keyID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := cacheKey(tenantID, keyID)
	t.failures[k]++
	return t.failures[k]
}

// reset は失敗回数を消去し、消去前に記録があったかを返す。
func (t *attemptTracker) reset(tenantID, keyID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := cacheKey(tenantID, keyID)
	_, ok := t.failures[k]
	delete(t.failures, k)
	return ok
}

// countsAsAttempt は鍵素材を使った結果の失敗かを判定する。
// 検証エラーやレート制限、見つからない鍵は数えない。
func countsAsAttempt(err error) bool {
	return errors.Is(err, domain.ErrIntegrityCheckFailed) ||
		errors.Is(err, domain.ErrDecryptionFailed) ||
		errors.Is(err, domain.ErrKeyUnwrapFailed) ||
		errors.Is(err, domain.ErrInvalidKeyMaterial)
}
