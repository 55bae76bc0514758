package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore は複数インスタンスでカウンタを共有するRedisバックエンド。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore は新しいRedisStoreを生成する。
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "keyvault:ratelimit:"}
}

// NewRedisClient はURLからRedisクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// Allow はStoreを実装する。INCRとPTTLを1往復で実行し、新しいウィンドウであれば期限を設定する。
func (s *RedisStore) Allow(ctx context.Context, key string, cfg Config) (bool, time.Duration, error) {
	redisKey := s.prefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("incrementing counter: %w", err)
	}

	count := incr.Val()
	ttl := pttl.Val()
	// TTLなし（-1）は前回の期限設定に失敗したケース
	if count == 1 || ttl < 0 {
		if err := s.client.PExpire(ctx, redisKey, cfg.WindowDuration).Err(); err != nil {
			return false, 0, fmt.Errorf("setting window expiry: %w", err)
		}
		ttl = cfg.WindowDuration
	}

	if count > int64(cfg.RequestsPerWindow) {
		return false, ttl, nil
	}
	return true, 0, nil
}
