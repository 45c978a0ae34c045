package middleware

import (
	"go.uber.org/zap"

	"WxPayGateway/pkg/logger"
)

// Init 初始化需要共享状态的中间件，调用前需 token.Init
func Init() error {
	if err := initAuthMiddleware(); err != nil {
		logger.Logger.Error("Failed to initialize auth middleware", zap.Error(err))
		return err
	}

	logger.Logger.Info("All middlewares initialized successfully")
	return nil
}
