package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"WxPayGateway/pkg/errors"
	"WxPayGateway/pkg/logger"
	"WxPayGateway/pkg/response"
	"WxPayGateway/storage/redis"
)

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	// 时间窗口（秒）
	Window int
	// 时间窗口内最大请求数
	MaxRequests int
	// 限流键前缀
	KeyPrefix string
	// 阻塞时长（秒），超过限制后禁止访问的时间，0 表示不阻塞
	BlockDuration int
}

// PayRateLimitConfig 支付代理接口默认限流
var PayRateLimitConfig = RateLimitConfig{
	Window:        60,
	MaxRequests:   600,
	KeyPrefix:     "rate:pay",
	BlockDuration: 60,
}

// RateLimiter 基于 Redis ZSET 的滑动窗口限流器
type RateLimiter struct {
	config RateLimitConfig
	client redislib.UniversalClient
	now    func() time.Time
}

func NewRateLimiter(config RateLimitConfig, client redislib.UniversalClient) *RateLimiter {
	return &RateLimiter{
		config: config,
		client: client,
		now:    time.Now,
	}
}

// identifier 已认证按调用方限流，否则按 IP
func (rl *RateLimiter) identifier(ctx context.Context, c *app.RequestContext) string {
	if caller, ok := GetCaller(ctx, c); ok {
		return "caller:" + caller
	}
	return "ip:" + c.ClientIP()
}

// Allow 检查是否允许请求，使用滑动窗口算法
func (rl *RateLimiter) Allow(ctx context.Context, id string) (bool, int, error) {
	key := redis.Key(rl.config.KeyPrefix, id)
	now := rl.now()
	windowStart := now.Add(-time.Duration(rl.config.Window) * time.Second)

	pipe := rl.client.Pipeline()

	// 先移除窗口之外的请求记录
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	pipe.ZAdd(ctx, key, redislib.Z{
		Score:  float64(now.UnixNano()),
		Member: now.UnixNano(),
	})
	zcardCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, time.Duration(rl.config.Window+10)*time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("failed to execute pipeline: %w", err)
	}

	count := int(zcardCmd.Val())
	return count <= rl.config.MaxRequests, count, nil
}

func (rl *RateLimiter) blockKey(id string) string {
	return redis.Key(rl.config.KeyPrefix, "block", id)
}

func (rl *RateLimiter) Block(ctx context.Context, id string) error {
	if rl.config.BlockDuration <= 0 {
		return nil
	}
	return rl.client.Set(ctx, rl.blockKey(id), "1", time.Duration(rl.config.BlockDuration)*time.Second).Err()
}

func (rl *RateLimiter) IsBlocked(ctx context.Context, id string) (bool, error) {
	result, err := rl.client.Exists(ctx, rl.blockKey(id)).Result()
	return result > 0, err
}

// RateLimitMiddleware 创建限流中间件，Redis 故障时放行
func RateLimitMiddleware(config RateLimitConfig, client redislib.UniversalClient) app.HandlerFunc {
	limiter := NewRateLimiter(config, client)

	return func(ctx context.Context, c *app.RequestContext) {
		id := limiter.identifier(ctx, c)

		blocked, err := limiter.IsBlocked(ctx, id)
		if err != nil {
			logger.Logger.Error("Failed to check block status", zap.Error(err))
			c.Next(ctx)
			return
		}
		if blocked {
			c.Abort()
			response.Error(ctx, c, errors.TooManyRequests)
			return
		}

		allowed, count, err := limiter.Allow(ctx, id)
		if err != nil {
			logger.Logger.Error("Failed to check rate limit", zap.Error(err))
			c.Next(ctx)
			return
		}

		remaining := config.MaxRequests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
		c.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Response.Header.Set("X-RateLimit-Reset", strconv.FormatInt(limiter.now().Add(time.Duration(config.Window)*time.Second).Unix(), 10))

		if !allowed {
			if err := limiter.Block(ctx, id); err != nil {
				logger.Logger.Error("Failed to block caller", zap.String("id", id), zap.Error(err))
			}
			logger.Logger.Warn("Rate limit exceeded", zap.String("id", id), zap.Int("count", count))

			c.Abort()
			response.Error(ctx, c, errors.TooManyRequests)
			return
		}

		c.Next(ctx)
	}
}
