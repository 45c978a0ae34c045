package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	ri "github.com/redis/go-redis/v9"

	"WxPayGateway/storage/redis"
)

// 按幂等键的分布式锁，SET NX PX 加锁，持有者 token 校验后释放
const (
	lockPrefix        = "lock:dispatch"
	lockRetryInterval = 50 * time.Millisecond
)

var releaseScript = ri.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client *ri.Client
	ttl    time.Duration
}

// NewRedisLocker ttl 必须大于转发超时，否则锁可能在转发途中过期
func NewRedisLocker(client *ri.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

// Lock 在 ctx 截止前反复尝试，超时返回 ok=false
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), bool, error) {
	fullKey := redis.Key(lockPrefix, key)
	token := uuid.NewString()

	for {
		acquired, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, nil
			}
			return nil, false, err
		}

		if acquired {
			unlock := func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err()
			}
			return unlock, true, nil
		}

		timer := time.NewTimer(lockRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, nil
		case <-timer.C:
		}
	}
}
