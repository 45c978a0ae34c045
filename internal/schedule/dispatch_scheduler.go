package schedule

// 转发补偿调度器：扫描到期的 pending 记录重新投递，并清理超过保留期的记录

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"WxPayGateway/internal/dispatch"
	"WxPayGateway/internal/repository"
	"WxPayGateway/pkg/errors"
	"WxPayGateway/pkg/logger"
	"WxPayGateway/pkg/metrics"
)

const redeliverySource = "scheduler"

// Redeliverer 由 dispatch.Dispatcher 实现
type Redeliverer interface {
	Redeliver(ctx context.Context, key string) (dispatch.Outcome, error)
}

type Options struct {
	ScanInterval  time.Duration
	ScanBatch     int
	PurgeInterval time.Duration
	// 单次扫描超时
	RunTimeout time.Duration
	Now        func() time.Time
}

func (o *Options) withDefaults() {
	if o.ScanInterval <= 0 {
		o.ScanInterval = time.Minute
	}
	if o.ScanBatch <= 0 {
		o.ScanBatch = 100
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = time.Hour
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = 2 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type DispatchScheduler struct {
	repo        repository.DispatchRepository
	redeliverer Redeliverer
	opts        Options
	logger      *zap.Logger

	scanMu      sync.Mutex
	scanRunning bool
	lastScan    time.Time
}

func NewDispatchScheduler(repo repository.DispatchRepository, redeliverer Redeliverer, opts Options) *DispatchScheduler {
	opts.withDefaults()
	return &DispatchScheduler{
		repo:        repo,
		redeliverer: redeliverer,
		opts:        opts,
		logger:      logger.Logger,
	}
}

// ScanDue 重投一批到期记录，返回处理条数；上一次扫描未结束时直接跳过
func (s *DispatchScheduler) ScanDue(ctx context.Context) (int, error) {
	s.scanMu.Lock()
	if s.scanRunning {
		s.scanMu.Unlock()
		s.logger.Info("Dispatch scan already running, skipping")
		return 0, nil
	}
	s.scanRunning = true
	s.lastScan = s.opts.Now()
	s.scanMu.Unlock()

	defer func() {
		s.scanMu.Lock()
		s.scanRunning = false
		s.scanMu.Unlock()
	}()

	due, err := s.repo.ListDue(ctx, s.opts.Now(), s.opts.ScanBatch)
	if err != nil {
		s.logger.Error("Failed to list due dispatch records", zap.Error(err))
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	s.logger.Info("Redelivering due dispatch records", zap.Int("count", len(due)))

	processed := 0
	for _, record := range due {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}

		outcome, err := s.redeliverer.Redeliver(ctx, record.IdempotencyKey)
		processed++
		if err != nil {
			metrics.GetMetrics().RecordRedelivery(ctx, redeliverySource, "error")
			if stderrors.Is(err, errors.DispatchRecordNotFound) {
				continue
			}
			s.logger.Warn("Scheduled redelivery failed",
				zap.String("idempotency_key", record.IdempotencyKey),
				zap.Error(err),
			)
			// 存储不可用时本轮没必要继续
			if stderrors.Is(err, errors.DispatchStoreUnavailable) {
				return processed, err
			}
			continue
		}

		metrics.GetMetrics().RecordRedelivery(ctx, redeliverySource, string(outcome))
	}

	return processed, nil
}

// PurgeExpired 删除超过保留期的记录
func (s *DispatchScheduler) PurgeExpired(ctx context.Context) (int64, error) {
	removed, err := s.repo.PurgeExpired(ctx, s.opts.Now())
	if err != nil {
		s.logger.Error("Failed to purge expired dispatch records", zap.Error(err))
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("Purged expired dispatch records", zap.Int64("removed", removed))
	}
	return removed, nil
}

// LastScan 最近一次扫描开始时间
func (s *DispatchScheduler) LastScan() time.Time {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	return s.lastScan
}

// Run 阻塞运行扫描与清理循环，直到 ctx 取消
func (s *DispatchScheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.loop(ctx, s.opts.ScanInterval, "dispatch scan", func(runCtx context.Context) error {
			_, err := s.ScanDue(runCtx)
			return err
		})
	}()

	go func() {
		defer wg.Done()
		s.loop(ctx, s.opts.PurgeInterval, "dispatch purge", func(runCtx context.Context) error {
			_, err := s.PurgeExpired(runCtx)
			return err
		})
	}()

	wg.Wait()
}

func (s *DispatchScheduler) loop(ctx context.Context, interval time.Duration, name string, job func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Scheduler loop started", zap.String("job", name), zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
			if err := job(runCtx); err != nil {
				s.logger.Error("Scheduler run failed", zap.String("job", name), zap.Error(err))
			}
			cancel()
		}
	}
}
