package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	hconfig "github.com/cloudwego/hertz/pkg/common/config"
	otelglobal "go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"WxPayGateway/config"
	"WxPayGateway/internal/bootstrap"
	"WxPayGateway/internal/handler"
	"WxPayGateway/internal/middleware"
	"WxPayGateway/internal/router"
	"WxPayGateway/internal/schedule"
	"WxPayGateway/internal/service"
	"WxPayGateway/pkg/logger"
	"WxPayGateway/pkg/metrics"
	"WxPayGateway/pkg/otel"
	"WxPayGateway/pkg/snowflake"
	"WxPayGateway/pkg/token"
	"WxPayGateway/storage"
	"WxPayGateway/storage/redis"
)

func main() {
	config.MustLoad()

	// 日志部分
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

	if cfg.OTelEnabled {
		shutdown, err := otel.InitOpenTelemetry(ctx, otel.Config{
			ServiceName:    cfg.ServiceName,
			ServiceVersion: cfg.ServiceVersion,
			Environment:    cfg.Environment,
			OTLPEndpoint:   cfg.OTelEndpoint,
			SampleRatio:    cfg.OTelSampleRatio,
		})
		if err != nil {
			logger.Logger.Fatal("Failed to initialize OpenTelemetry", zap.Error(err))
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Logger.Error("Failed to shutdown OpenTelemetry", zap.Error(err))
			}
		}()
	}

	if err := metrics.InitMetrics(); err != nil {
		logger.Logger.Warn("Failed to initialize metrics, continuing without them", zap.Error(err))
	}

	// 初始化存储层，记得关闭外部连接
	if err := storage.Init(); err != nil {
		logger.Logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer storage.Close()

	if err := snowflake.Init(cfg.SnowflakeMachineID, cfg.SnowflakeDataCenter); err != nil {
		logger.Logger.Fatal("Failed to initialize snowflake", zap.Error(err))
	}

	components, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		logger.Logger.Fatal("Failed to build gateway components", zap.Error(err))
	}

	webhook := service.NewWebhookService(components.Verifier, components.Decryptor, components.Dispatcher)

	opts := router.Options{
		Notify:  handler.NewNotifyHandler(webhook),
		Recover: middleware.NewRecoverConfig(cfg.IsProduction()),
	}

	if cfg.JWTSecret != "" {
		payMiddlewares, err := initPayMiddlewares(cfg)
		if err != nil {
			logger.Logger.Fatal("Failed to initialize pay middlewares", zap.Error(err))
		}
		opts.PayMiddlewares = payMiddlewares

		var p service.PaymentPlatform
		if components.Platform != nil {
			p = components.Platform
		}
		opts.Pay = handler.NewPayHandler(service.NewPayService(p))
	}

	addr := net.JoinHostPort(cfg.ServerHost, cfg.ServerPort)
	serverOpts := []hconfig.Option{server.WithHostPorts(addr)}

	var tracing app.HandlerFunc
	if cfg.OTelEnabled {
		tracerOpt, tracingMw := middleware.NewServerTracerConfig()
		serverOpts = append(serverOpts, tracerOpt)
		tracing = tracingMw

		telemetry, err := middleware.OpenTelemetryMiddleware(otelglobal.Meter(cfg.ServiceName))
		if err != nil {
			logger.Logger.Fatal("Failed to initialize HTTP telemetry", zap.Error(err))
		}
		opts.Telemetry = telemetry
	}

	h := server.Default(serverOpts...)
	if tracing != nil {
		h.Use(tracing)
	}
	router.Register(h.Engine, opts)

	// memory 模式没有 scheduler/worker 进程，补偿与证书刷新在本进程内完成
	if !cfg.DurableDispatch() {
		scheduler := schedule.NewDispatchScheduler(components.Repository, components.Dispatcher, schedule.Options{
			ScanInterval:  cfg.DispatchScanInterval,
			ScanBatch:     cfg.DispatchScanBatch,
			PurgeInterval: cfg.DispatchPurgeInterval,
		})
		go scheduler.Run(ctx)

		if components.Platform != nil {
			go schedule.RunCertificateRefresh(ctx, components.Certificates, cfg.CertRefreshInterval)
		}
	}

	logger.Logger.Info("Server starting",
		zap.String("service", cfg.ServiceName),
		zap.String("addr", addr),
		zap.String("environment", cfg.Environment),
		zap.String("dispatch_store", cfg.DispatchStore),
		zap.Bool("pay_enabled", opts.Pay != nil),
	)

	// 优雅关闭：在单独的 goroutine 中监听关闭信号并调用 Shutdown
	go func() {
		<-ctx.Done()
		logger.Logger.Info("Initiating graceful shutdown...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := h.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Error("Failed to shutdown HTTP server", zap.Error(err))
		}
	}()

	h.Spin()

	logger.Logger.Info("Server shutting down gracefully")
}

// initPayMiddlewares token 在中间件前初始化，middleware 依赖 token
func initPayMiddlewares(cfg *config.Config) ([]app.HandlerFunc, error) {
	if err := token.Init(token.Options{
		Secret: cfg.JWTSecret,
		Expire: time.Duration(cfg.JWTExpireMinutes) * time.Minute,
	}); err != nil {
		return nil, err
	}

	if err := middleware.Init(); err != nil {
		return nil, err
	}

	mws := []app.HandlerFunc{middleware.AuthMiddleware()}
	if cfg.RateLimitEnabled {
		limit := middleware.PayRateLimitConfig
		limit.Window = cfg.RateLimitWindow
		limit.MaxRequests = cfg.RateLimitMaxRequests
		mws = append(mws, middleware.RateLimitMiddleware(limit, redis.Client()))
	}
	return mws, nil
}
