package certificate

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"WxPayGateway/pkg/errors"
	"WxPayGateway/pkg/logger"
	"WxPayGateway/pkg/metrics"
)

const (
	defaultFetchTimeout = 3 * time.Second
	defaultRetention    = time.Hour
	refreshFlightKey    = "platform-certificates"
)

// PlatformCertificate 平台签名证书，发布后不可变
type PlatformCertificate struct {
	SerialNumber string
	PublicKey    *rsa.PublicKey
	NotBefore    time.Time
	NotAfter     time.Time
}

func (c PlatformCertificate) Expired(now time.Time) bool {
	return now.After(c.NotAfter)
}

// NotYetValid 尚未到生效时间
func (c PlatformCertificate) NotYetValid(now time.Time) bool {
	return now.Before(c.NotBefore)
}

// Fetcher 从平台拉取当前证书集合
type Fetcher interface {
	FetchCertificates(ctx context.Context) ([]PlatformCertificate, error)
}

// Snapshot 多副本共享已下载证书，可选
type Snapshot interface {
	Load(ctx context.Context) ([]PlatformCertificate, error)
	Save(ctx context.Context, certs []PlatformCertificate) error
}

type Options struct {
	FetchTimeout time.Duration
	// 过期证书保留时长，仅用于排查，不参与查找
	Retention time.Duration
	Snapshot  Snapshot
	Now       func() time.Time
}

// Store 按序列号保存平台证书，并发安全
type Store struct {
	mu      sync.RWMutex
	certs   map[string]PlatformCertificate
	fetcher Fetcher
	group   singleflight.Group

	fetchTimeout time.Duration
	retention    time.Duration
	snapshot     Snapshot
	now          func() time.Time
}

func NewStore(fetcher Fetcher, opts Options) *Store {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Store{
		certs:        make(map[string]PlatformCertificate),
		fetcher:      fetcher,
		fetchTimeout: opts.FetchTimeout,
		retention:    opts.Retention,
		snapshot:     opts.Snapshot,
		now:          opts.Now,
	}
}

// Get 查找未过期证书
func (s *Store) Get(serial string) (*PlatformCertificate, error) {
	serial = SerialString(serial)

	s.mu.RLock()
	cert, ok := s.certs[serial]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: serial %s", errors.UnknownCertificate, serial)
	}
	now := s.now()
	if cert.Expired(now) {
		return nil, fmt.Errorf("%w: serial %s expired at %s", errors.UnknownCertificate, serial, cert.NotAfter.Format(time.RFC3339))
	}
	if cert.NotYetValid(now) {
		return nil, fmt.Errorf("%w: serial %s not valid before %s", errors.UnknownCertificate, serial, cert.NotBefore.Format(time.RFC3339))
	}

	return &cert, nil
}

// Resolve 未命中时同步刷新一次再查
func (s *Store) Resolve(ctx context.Context, serial string) (*PlatformCertificate, error) {
	cert, err := s.Get(serial)
	if err == nil {
		return cert, nil
	}

	logger.Logger.Info("Platform certificate not cached, refreshing",
		zap.String("serial", serial),
	)

	if _, refreshErr := s.Refresh(ctx); refreshErr != nil {
		return nil, fmt.Errorf("%w: serial %s, refresh failed: %w", errors.UnknownCertificate, serial, refreshErr)
	}

	return s.Get(serial)
}

// Refresh 拉取平台证书并合并，并发调用合并为一次
func (s *Store) Refresh(ctx context.Context) ([]PlatformCertificate, error) {
	ch := s.group.DoChan(refreshFlightKey, func() (interface{}, error) {
		// 共享调用不受单个调用方取消影响，只受 FetchTimeout 约束
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.refresh(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", errors.CertificateFetchFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]PlatformCertificate), nil
	}
}

func (s *Store) refresh(ctx context.Context) ([]PlatformCertificate, error) {
	if s.fetcher == nil {
		metrics.GetMetrics().RecordCertificateRefresh(ctx, "disabled")
		return nil, fmt.Errorf("%w: no certificate fetcher configured", errors.CertificateFetchFailed)
	}

	started := time.Now()
	fetched, err := s.fetcher.FetchCertificates(ctx)
	if err != nil {
		metrics.GetMetrics().RecordCertificateRefresh(ctx, "failed")
		logger.Logger.Error("Failed to fetch platform certificates",
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", errors.CertificateFetchFailed, err)
	}

	s.merge(fetched)
	metrics.GetMetrics().RecordCertificateRefresh(ctx, "success")

	logger.Logger.Info("Platform certificates refreshed",
		zap.Int("fetched", len(fetched)),
		zap.Int("cached", s.Len()),
		zap.Duration("elapsed", time.Since(started)),
	)

	if s.snapshot != nil {
		if err := s.snapshot.Save(ctx, s.Certificates()); err != nil {
			logger.Logger.Warn("Failed to save certificate snapshot", zap.Error(err))
		}
	}

	return fetched, nil
}

// Seed 加载静态证书
func (s *Store) Seed(certs ...PlatformCertificate) {
	s.merge(certs)
}

// Warm 启动时从快照恢复
func (s *Store) Warm(ctx context.Context) error {
	if s.snapshot == nil {
		return nil
	}

	certs, err := s.snapshot.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load certificate snapshot: %w", err)
	}

	s.merge(certs)
	logger.Logger.Info("Platform certificates warmed from snapshot", zap.Int("count", len(certs)))
	return nil
}

// Certificates 返回保留中的全部证书（含刚过期的），按序列号排序
func (s *Store) Certificates() []PlatformCertificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PlatformCertificate, 0, len(s.certs))
	for _, c := range s.certs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SerialNumber < out[j].SerialNumber })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.certs)
}

func (s *Store) merge(certs []PlatformCertificate) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range certs {
		c.SerialNumber = SerialString(c.SerialNumber)
		if c.SerialNumber == "" || c.PublicKey == nil {
			continue
		}
		s.certs[c.SerialNumber] = c
	}

	for serial, c := range s.certs {
		if now.After(c.NotAfter.Add(s.retention)) {
			delete(s.certs, serial)
		}
	}
}
