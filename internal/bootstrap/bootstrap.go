package bootstrap

// 组装网关核心组件，server / worker / scheduler 共用

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"WxPayGateway/config"
	"WxPayGateway/internal/cache"
	"WxPayGateway/internal/certificate"
	"WxPayGateway/internal/dispatch"
	"WxPayGateway/internal/notify"
	"WxPayGateway/internal/platform"
	"WxPayGateway/internal/queue"
	"WxPayGateway/internal/repository"
	"WxPayGateway/pkg/logger"
	"WxPayGateway/storage/database"
	"WxPayGateway/storage/redis"
)

const (
	breakerName         = "business_backend"
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
)

type Components struct {
	Certificates *certificate.Store
	// Platform 商户凭据未配置时为 nil
	Platform   *platform.Client
	Verifier   *notify.Verifier
	Decryptor  *notify.Decryptor
	Repository repository.DispatchRepository
	Dispatcher *dispatch.Dispatcher
}

// Build 调用前需完成 storage.Init 与 snowflake.Init
func Build(ctx context.Context, cfg *config.Config) (*Components, error) {
	decryptor, err := notify.NewDecryptor(cfg.WxPayAPIv3Key)
	if err != nil {
		return nil, err
	}

	client, err := newPlatformClient(cfg, decryptor)
	if err != nil {
		return nil, err
	}

	store := newCertificateStore(ctx, cfg, client)

	verifier := notify.NewVerifier(store, notify.VerifierOptions{Window: cfg.NotifyReplayWindow})
	if client != nil {
		client.SetResponseVerifier(verifier)
	}

	dispatcher, repo, err := newDispatcher(cfg)
	if err != nil {
		return nil, err
	}

	logger.Logger.Info("Gateway components ready",
		zap.Bool("merchant_configured", client != nil),
		zap.String("dispatch_store", cfg.DispatchStore),
		zap.Int("certificates", store.Len()),
	)

	return &Components{
		Certificates: store,
		Platform:     client,
		Verifier:     verifier,
		Decryptor:    decryptor,
		Repository:   repo,
		Dispatcher:   dispatcher,
	}, nil
}

func newPlatformClient(cfg *config.Config, decryptor *notify.Decryptor) (*platform.Client, error) {
	if !cfg.MerchantConfigured() {
		logger.Logger.Warn("Merchant credentials not configured, certificate download and /pay disabled")
		return nil, nil
	}

	key, err := platform.LoadPrivateKey(cfg.WxPayPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load merchant private key: %w", err)
	}

	signer := platform.NewSigner(cfg.WxPayMchID, cfg.WxPayMchSerialNo, key)
	return platform.NewClient(signer, decryptor, platform.Options{
		BaseURL:         cfg.WxPayAPIBaseURL,
		AppID:           cfg.WxPayAppID,
		MchID:           cfg.WxPayMchID,
		NotifyURL:       cfg.WxPayNotifyURL,
		RefundNotifyURL: cfg.WxPayRefundNotifyURL,
	})
}

func newCertificateStore(ctx context.Context, cfg *config.Config, client *platform.Client) *certificate.Store {
	opts := certificate.Options{
		FetchTimeout: cfg.CertFetchTimeout,
		Retention:    cfg.CertRetention,
		// 多副本共享下载结果，快照存活两个刷新周期
		Snapshot: cache.NewCertificateSnapshot(redis.Client(), 2*cfg.CertRefreshInterval),
	}

	var fetcher certificate.Fetcher
	if client != nil {
		fetcher = client
	}
	store := certificate.NewStore(fetcher, opts)

	if cfg.WxPayPlatformCertPath != "" {
		cert, err := certificate.LoadCertificateFile(cfg.WxPayPlatformCertPath)
		if err != nil {
			logger.Logger.Warn("Failed to load static platform certificate",
				zap.String("path", cfg.WxPayPlatformCertPath),
				zap.Error(err),
			)
		} else {
			store.Seed(cert)
		}
	}

	if err := store.Warm(ctx); err != nil {
		logger.Logger.Warn("Failed to warm certificate store", zap.Error(err))
	}

	return store
}

func newDispatcher(cfg *config.Config) (*dispatch.Dispatcher, repository.DispatchRepository, error) {
	forwarder, err := dispatch.NewHTTPForwarder(dispatch.ForwarderOptions{
		URL:     cfg.BusinessUpdateURL(),
		Token:   cfg.BusinessAPIToken,
		Timeout: cfg.BusinessAPITimeout,
		Breaker: dispatch.NewCircuitBreaker(breakerName, breakerMaxFailures, breakerResetTimeout),
	})
	if err != nil {
		return nil, nil, err
	}

	var (
		repo      repository.DispatchRepository
		locker    dispatch.Locker
		publisher dispatch.RetryPublisher
	)
	if cfg.DurableDispatch() {
		repo = repository.NewGormDispatchRepository(database.DB())
		locker = cache.NewRedisLocker(redis.Client(), cfg.DispatchLockTTL)
		publisher = queue.NewDispatchRetryPublisher()
	} else {
		// 单实例模式，重启丢失记录，只靠平台重推与进程内补偿
		repo = repository.NewMemoryDispatchRepository()
		locker = dispatch.NewKeyedLocker()
	}

	d := dispatch.NewDispatcher(repo, locker, forwarder, publisher, dispatch.Options{
		MaxAttempts: cfg.DispatchMaxAttempts,
		RetryBase:   cfg.DispatchRetryBase,
		RetryMax:    cfg.DispatchRetryMax,
		LockWait:    cfg.DispatchLockWait,
		Retention:   cfg.DispatchRetention,
	})
	return d, repo, nil
}
