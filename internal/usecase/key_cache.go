package usecase

import (
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"key-vault-service/internal/domain"
)

type cacheEntry struct {
	key       *domain.UnwrappedKey
	expiresAt time.Time
}

// KeyCache はアンラップ済みのactiveな鍵素材を保持する容量・有効期限付きのLRUキャッシュ。
// エントリの寿命はttlと鍵の有効期限の早い方で、追い出された素材はゼロクリアされる。
// nilのKeyCacheは常にミスする。
type KeyCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, *cacheEntry]
	now func() time.Time
	// epoch はInvalidate・Purgeのたびに進む。Putは読み込み開始時のepochと一致する場合だけ保持する
	epoch uint64
}

// NewKeyCache は新しいKeyCacheを生成する。sizeが0以下の場合はnilを返し、キャッシュを無効にする。
func NewKeyCache(size int, ttl time.Duration) *KeyCache {
	if size <= 0 {
		return nil
	}
	onEvict := func(_ string, e *cacheEntry) {
		e.key.Wipe()
	}
	return &KeyCache{
		lru: expirable.NewLRU[string, *cacheEntry](size, onEvict, ttl),
		now: time.Now,
	}
}

func cacheKey(tenantID, keyID string) string {
	return tenantID + ":" + keyID
}

// Get はキャッシュされた鍵素材のコピーを返す。呼び出し側はWipeで破棄する。
func (c *KeyCache) Get(tenantID, keyID string) (*domain.UnwrappedKey, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey(tenantID, keyID)
	e, ok := c.lru.Get(k)
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		c.lru.Remove(k)
		return nil, false
	}
	return copyUnwrapped(e.key), true
}

// Epoch は現在の無効化世代を返す。鍵をストアから読む前に取得し、Putに渡す。
func (c *KeyCache) Epoch() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Put はactiveな鍵素材のコピーを保持する。それ以外のステータスは保持しない。
// epochの取得後にInvalidateかPurgeが行われていた場合、読み込んだ状態が古い可能性があるため保持しない。
func (c *KeyCache) Put(u *domain.UnwrappedKey, epoch uint64) {
	if c == nil || u == nil || u.Key == nil || u.Key.Status != domain.KeyStatusActive {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}

	k := cacheKey(u.Key.TenantID, u.Key.ID)
	// 上書き時は古い素材もonEvictで消す
	c.lru.Remove(k)
	c.lru.Add(k, &cacheEntry{key: copyUnwrapped(u), expiresAt: u.Key.ExpiresAt})
}

// Invalidate は指定された鍵をキャッシュから取り除く。
func (c *KeyCache) Invalidate(tenantID, keyID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.lru.Remove(cacheKey(tenantID, keyID))
}

// Purge は全エントリを破棄する。
func (c *KeyCache) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.lru.Purge()
}

// Len は保持しているエントリ数を返す。
func (c *KeyCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func copyUnwrapped(u *domain.UnwrappedKey) *domain.UnwrappedKey {
	key := *u.Key
	return &domain.UnwrappedKey{
		Key:        &key,
		Symmetric:  cloneBytes(u.Symmetric),
		PrivateKey: cloneBytes(u.PrivateKey),
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// wipe は平文の鍵素材をゼロクリアする。
func wipe(b []byte) {
	memguard.WipeBytes(b)
}
