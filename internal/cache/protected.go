package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	ri "github.com/redis/go-redis/v9"

	"WxPayGateway/storage/redis"
)

const (
	// 空值缓存标识
	emptyValueFlag = "__EMPTY__"
	// 空值缓存TTL，较短时间避免长期占用
	emptyValueTTL = 5 * time.Minute
)

// ProtectedCache 带空值保护的 JSON 缓存
type ProtectedCache struct {
	client    *ri.Client
	keyPrefix string
	ttl       time.Duration
	emptyTTL  time.Duration
}

func NewProtectedCache(client *ri.Client, keyPrefix string, ttl time.Duration) *ProtectedCache {
	return &ProtectedCache{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		emptyTTL:  emptyValueTTL,
	}
}

// Set value 为 nil 时写入空值标识
func (pc *ProtectedCache) Set(ctx context.Context, key string, value interface{}) error {
	cacheKey := redis.Key(pc.keyPrefix, key)

	if value == nil {
		return pc.client.Set(ctx, cacheKey, emptyValueFlag, pc.emptyTTL).Err()
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	return pc.client.Set(ctx, cacheKey, data, pc.ttl).Err()
}

// Get 返回是否命中；空值命中时 dest 不变
func (pc *ProtectedCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	cacheKey := redis.Key(pc.keyPrefix, key)

	data, err := pc.client.Get(ctx, cacheKey).Result()
	if err != nil {
		if stderrors.Is(err, ri.Nil) {
			return false, nil // 缓存未命中
		}
		return false, fmt.Errorf("failed to get cache: %w", err)
	}

	if data == emptyValueFlag {
		return true, nil
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache value: %w", err)
	}

	return true, nil
}

func (pc *ProtectedCache) Delete(ctx context.Context, key string) error {
	return pc.client.Del(ctx, redis.Key(pc.keyPrefix, key)).Err()
}
