package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"WxPayGateway/internal/certificate"
	"WxPayGateway/pkg/logger"
)

// CertificateRefresher 由 certificate.Store 实现
type CertificateRefresher interface {
	Refresh(ctx context.Context) ([]certificate.PlatformCertificate, error)
}

// RunCertificateRefresh 启动时刷新一次，之后按固定间隔刷新，直到 ctx 取消
func RunCertificateRefresh(ctx context.Context, r CertificateRefresher, interval time.Duration) {
	if interval <= 0 {
		interval = 12 * time.Hour
	}

	refresh := func() {
		certs, err := r.Refresh(ctx)
		if err != nil {
			logger.Logger.Warn("Scheduled certificate refresh failed", zap.Error(err))
			return
		}
		logger.Logger.Debug("Scheduled certificate refresh done", zap.Int("fetched", len(certs)))
	}

	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
