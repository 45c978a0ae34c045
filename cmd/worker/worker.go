package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"WxPayGateway/config"
	"WxPayGateway/internal/bootstrap"
	"WxPayGateway/internal/queue"
	"WxPayGateway/pkg/logger"
	"WxPayGateway/pkg/metrics"
	"WxPayGateway/pkg/snowflake"
	"WxPayGateway/storage"
)

func main() {
	config.MustLoad()

	logger.Init()
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Logger.Info("Received shutdown signal",
			zap.String("signal", sig.String()),
		)
		cancel()
	}()

	cfg := &config.Cfg
	if !cfg.DurableDispatch() {
		logger.Logger.Fatal("Worker requires DISPATCH_STORE=postgres", zap.String("dispatch_store", cfg.DispatchStore))
	}

	if err := metrics.InitMetrics(); err != nil {
		logger.Logger.Warn("Failed to initialize metrics, continuing without them", zap.Error(err))
	}

	if err := storage.Init(); err != nil {
		logger.Logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer storage.Close()

	// 多个 worker 需配置不同的 SNOWFLAKE_MACHINE_ID
	if err := snowflake.Init(cfg.SnowflakeMachineID, cfg.SnowflakeDataCenter); err != nil {
		logger.Logger.Fatal("Failed to initialize snowflake", zap.Error(err))
	}

	components, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		logger.Logger.Fatal("Failed to build gateway components", zap.Error(err))
	}

	logger.Logger.Info("Worker service starting",
		zap.String("service", cfg.ServiceName+"-worker"),
		zap.String("environment", cfg.Environment),
	)

	// 启动所有的消费者部分
	queue.StartAllConsumers(ctx, components.Dispatcher)

	logger.Logger.Info("Worker service shutting down gracefully")
}
