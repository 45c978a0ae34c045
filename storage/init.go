package storage

import (
	"WxPayGateway/config"
	"WxPayGateway/storage/database"
	"WxPayGateway/storage/mq"
	"WxPayGateway/storage/redis"
)

// Init 统一初始化存储层。memory 模式只依赖 Redis
func Init() error {
	if err := redis.Init(); err != nil {
		return err
	}

	if !config.Cfg.DurableDispatch() {
		return nil
	}

	if err := database.Init(); err != nil {
		return err
	}

	return mq.Init()
}
