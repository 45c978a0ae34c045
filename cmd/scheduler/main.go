package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"WxPayGateway/config"
	"WxPayGateway/internal/bootstrap"
	"WxPayGateway/internal/schedule"
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

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Logger.Info("Scheduler received shutdown signal",
			zap.String("signal", sig.String()),
		)
		cancel()
	}()

	cfg := &config.Cfg
	if !cfg.DurableDispatch() {
		logger.Logger.Fatal("Scheduler requires DISPATCH_STORE=postgres, memory mode runs it inside the server",
			zap.String("dispatch_store", cfg.DispatchStore),
		)
	}

	if err := metrics.InitMetrics(); err != nil {
		logger.Logger.Warn("Failed to initialize metrics, continuing without them", zap.Error(err))
	}

	if err := storage.Init(); err != nil {
		logger.Logger.Fatal("Failed to initialize storage for scheduler", zap.Error(err))
	}
	defer storage.Close()

	// 考虑与 worker 和 server 作区分
	if err := snowflake.Init(cfg.SnowflakeMachineID, cfg.SnowflakeDataCenter); err != nil {
		logger.Logger.Fatal("Failed to initialize snowflake for scheduler", zap.Error(err))
	}

	components, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		logger.Logger.Fatal("Failed to build gateway components", zap.Error(err))
	}

	logger.Logger.Info("Scheduler service starting",
		zap.String("service", cfg.ServiceName+"-scheduler"),
		zap.String("environment", cfg.Environment),
	)

	scheduler := schedule.NewDispatchScheduler(components.Repository, components.Dispatcher, schedule.Options{
		ScanInterval:  cfg.DispatchScanInterval,
		ScanBatch:     cfg.DispatchScanBatch,
		PurgeInterval: cfg.DispatchPurgeInterval,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	// 刷新结果写入 Redis 快照，server 副本启动时直接加载
	if components.Platform != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			schedule.RunCertificateRefresh(ctx, components.Certificates, cfg.CertRefreshInterval)
		}()
	}

	wg.Wait()

	logger.Logger.Info("Scheduler service shutting down gracefully")
}
