package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"WxPayGateway/pkg/logger"
	"WxPayGateway/storage/database"
	"WxPayGateway/storage/mq"
	"WxPayGateway/storage/redis"
)

const closeTimeout = 15 * time.Second

// Close 先停 MQ 不再接收重投消息，再关 Redis 锁，最后关数据库
// memory 模式下未初始化的连接直接跳过
func Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	closers := []struct {
		name  string
		close func(context.Context) error
	}{
		{"rabbitmq", mq.Close},
		{"redis", redis.Close},
		{"postgres", database.Close},
	}

	for _, c := range closers {
		if err := c.close(ctx); err != nil {
			logger.Logger.Error("Failed to close storage connection", zap.String("storage", c.name), zap.Error(err))
			continue
		}
		logger.Logger.Debug("Storage connection closed", zap.String("storage", c.name))
	}

	logger.Logger.Info("All storage connections closed")
}
