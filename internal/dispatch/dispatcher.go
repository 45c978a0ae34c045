package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"WxPayGateway/internal/model"
	"WxPayGateway/internal/repository"
	"WxPayGateway/pkg/errors"
	"WxPayGateway/pkg/logger"
	"WxPayGateway/pkg/metrics"
	"WxPayGateway/pkg/snowflake"
)

const markForwardedAttempts = 3

// Outcome 一次分发的结果
type Outcome string

const (
	OutcomeForwarded        Outcome = "forwarded"
	OutcomeAlreadyForwarded Outcome = "already_forwarded"
	OutcomeQueuedForRetry   Outcome = "queued_for_retry"
	// OutcomeGaveUp 仅后台重投返回：记录已 failed 或已过保留期
	OutcomeGaveUp Outcome = "gave_up"
)

// RetryPublisher 发布延迟重投消息
type RetryPublisher interface {
	PublishDispatchRetry(ctx context.Context, key string, attempt int, delay time.Duration) error
}

type Options struct {
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	LockWait    time.Duration
	Retention   time.Duration
	Now         func() time.Time
	NextID      func() (int64, error)

	// MarkForwarded 失败后的重试间隔，按次数线性增长
	MarkRetryDelay time.Duration
}

func (o *Options) withDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 12
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 15 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = time.Hour
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = o.RetryBase
	}
	if o.LockWait <= 0 {
		o.LockWait = 3 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 48 * time.Hour
	}
	if o.MarkRetryDelay <= 0 {
		o.MarkRetryDelay = 100 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NextID == nil {
		o.NextID = snowflake.NextID
	}
}

// Dispatcher 保证每个幂等键至多一次成功转发
type Dispatcher struct {
	repo      repository.DispatchRepository
	locker    Locker
	forwarder Forwarder
	publisher RetryPublisher
	opts      Options
}

// NewDispatcher publisher 可为 nil，此时只依赖定时补偿和平台重投
func NewDispatcher(repo repository.DispatchRepository, locker Locker, forwarder Forwarder, publisher RetryPublisher, opts Options) *Dispatcher {
	opts.withDefaults()
	return &Dispatcher{
		repo:      repo,
		locker:    locker,
		forwarder: forwarder,
		publisher: publisher,
		opts:      opts,
	}
}

// Process 处理一条刚解码的通知。转发失败不返回错误，
// 只有转发记录无法读写时返回 DispatchStoreUnavailable
func (d *Dispatcher) Process(ctx context.Context, payload *model.DecodedPayload) (Outcome, error) {
	// 入站连接断开不影响进行中的分发
	ctx = context.WithoutCancel(ctx)

	key := payload.IdempotencyKey()
	if key == "" {
		return "", fmt.Errorf("%w: empty idempotency key", errors.MalformedPayload)
	}

	record, err := d.newRecord(key, payload)
	if err != nil {
		return "", err
	}

	existing, created, err := d.repo.GetOrCreate(ctx, record)
	if err != nil {
		return "", storeError(err)
	}

	var outcome Outcome
	if !created && existing.IsForwarded() {
		outcome = OutcomeAlreadyForwarded
	} else {
		outcome, err = d.forward(ctx, key, payload, false)
		if err != nil {
			return "", err
		}
	}

	metrics.GetMetrics().RecordDispatchOutcome(ctx, string(payload.Kind), string(outcome))
	return outcome, nil
}

// Redeliver 后台重投：从记录中还原明文并走同一条加锁转发路径
func (d *Dispatcher) Redeliver(ctx context.Context, key string) (Outcome, error) {
	record, err := d.repo.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, errors.DispatchRecordNotFound) {
			return "", err
		}
		return "", storeError(err)
	}

	if outcome, done := d.settled(record); done {
		return outcome, nil
	}

	return d.forward(ctx, key, nil, true)
}

// settled 后台重投无需再处理的记录
func (d *Dispatcher) settled(record *model.DispatchRecord) (Outcome, bool) {
	switch {
	case record.IsForwarded():
		return OutcomeAlreadyForwarded, true
	case record.ForwardState == model.ForwardStateFailed:
		return OutcomeGaveUp, true
	case record.Expired(d.opts.Now()):
		return OutcomeGaveUp, true
	default:
		return "", false
	}
}

func (d *Dispatcher) forward(ctx context.Context, key string, payload *model.DecodedPayload, background bool) (Outcome, error) {
	lockCtx, cancel := context.WithTimeout(ctx, d.opts.LockWait)
	unlock, ok, err := d.locker.Lock(lockCtx, key)
	cancel()
	if err != nil {
		logger.Logger.Warn("Dispatch lock unavailable, leaving record for retry",
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
		return OutcomeQueuedForRetry, nil
	}
	if !ok {
		// 另一个处理者正在转发同一个键
		logger.Logger.Info("Dispatch lock busy, leaving record for retry",
			zap.String("idempotency_key", key),
			zap.Duration("lock_wait", d.opts.LockWait),
		)
		return OutcomeQueuedForRetry, nil
	}
	defer unlock()

	// 锁内重新读取状态
	record, err := d.repo.Get(ctx, key)
	if err != nil {
		return "", storeError(err)
	}
	if record.IsForwarded() {
		return OutcomeAlreadyForwarded, nil
	}
	if background {
		if outcome, done := d.settled(record); done {
			return outcome, nil
		}
	}

	if payload == nil {
		payload, err = model.RestorePayload(record.Kind, record.Payload)
		if err != nil {
			// 存储内容损坏，重试也无法恢复
			_ = d.repo.RecordFailure(ctx, key, repository.FailureUpdate{
				LastError:     err.Error(),
				NextAttemptAt: d.opts.Now(),
				State:         model.ForwardStateFailed,
			})
			return OutcomeGaveUp, nil
		}
	}

	start := time.Now()
	fwdErr := d.forwarder.Forward(ctx, payload)
	metrics.GetMetrics().RecordForward(ctx, string(payload.Kind), forwardResult(fwdErr), time.Since(start).Seconds())

	if fwdErr != nil {
		return d.recordFailure(ctx, record, fwdErr, background)
	}

	changed, err := d.markForwarded(ctx, key)
	if err != nil {
		// 记录仍是 pending，后台重投会再转发一次，由后端按订单号去重
		logger.Logger.Error("Failed to mark dispatch record forwarded",
			zap.String("idempotency_key", key),
			zap.Int("attempts", markForwardedAttempts),
			zap.Error(err),
		)
		return OutcomeForwarded, nil
	}
	if !changed {
		return OutcomeAlreadyForwarded, nil
	}

	logger.Logger.Info("Notification forwarded to business backend",
		zap.String("idempotency_key", key),
		zap.Int("previous_attempts", record.Attempts),
		zap.Bool("background", background),
	)
	return OutcomeForwarded, nil
}

// markForwarded 后端已确认，短暂的存储故障重试几次再放弃
func (d *Dispatcher) markForwarded(ctx context.Context, key string) (bool, error) {
	var (
		changed bool
		err     error
	)
	for i := 0; i < markForwardedAttempts; i++ {
		if i > 0 {
			time.Sleep(d.opts.MarkRetryDelay * time.Duration(i))
		}
		changed, err = d.repo.MarkForwarded(ctx, key, d.opts.Now())
		if err == nil {
			return changed, nil
		}
		logger.Logger.Warn("Mark forwarded failed, retrying",
			zap.String("idempotency_key", key),
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
	}
	return false, err
}

func (d *Dispatcher) recordFailure(ctx context.Context, record *model.DispatchRecord, fwdErr error, background bool) (Outcome, error) {
	key := record.IdempotencyKey

	// 熔断拒绝不计入尝试次数，长时间故障不会把记录耗成 failed
	notAttempted := stderrors.Is(fwdErr, ErrCircuitOpen)
	attempts := record.Attempts + 1
	if notAttempted {
		attempts = record.Attempts
	}
	delay := Backoff(attempts, d.opts.RetryBase, d.opts.RetryMax)

	state := model.ForwardStatePending
	if background && !notAttempted && attempts >= d.opts.MaxAttempts {
		state = model.ForwardStateFailed
	}

	if err := d.repo.RecordFailure(ctx, key, repository.FailureUpdate{
		LastError:     fwdErr.Error(),
		NextAttemptAt: d.opts.Now().Add(delay),
		State:         state,
		NotAttempted:  notAttempted,
	}); err != nil {
		logger.Logger.Error("Failed to record forward failure",
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
	}

	if state == model.ForwardStateFailed {
		logger.Logger.Error("Forward attempts exhausted, record marked failed",
			zap.String("idempotency_key", key),
			zap.Int("attempts", attempts),
			zap.Error(fwdErr),
		)
		return OutcomeGaveUp, nil
	}

	logger.Logger.Warn("Forward to business backend failed, queued for retry",
		zap.String("idempotency_key", key),
		zap.String("error_code", errors.CodeOf(fwdErr)),
		zap.Int("attempts", attempts),
		zap.Duration("retry_in", delay),
		zap.Error(fwdErr),
	)

	if d.publisher != nil {
		if err := d.publisher.PublishDispatchRetry(ctx, key, attempts, delay); err != nil {
			logger.Logger.Warn("Failed to publish dispatch retry, scheduler will pick it up",
				zap.String("idempotency_key", key),
				zap.Error(err),
			)
		}
	}

	return OutcomeQueuedForRetry, nil
}

func (d *Dispatcher) newRecord(key string, payload *model.DecodedPayload) (*model.DispatchRecord, error) {
	id, err := d.opts.NextID()
	if err != nil {
		return nil, fmt.Errorf("%w: generate record id: %v", errors.DispatchStoreUnavailable, err)
	}

	now := d.opts.Now()
	return &model.DispatchRecord{
		ID:             id,
		IdempotencyKey: key,
		Kind:           payload.Kind,
		Payload:        datatypes.JSON(payload.Raw),
		ForwardState:   model.ForwardStatePending,
		FirstSeenAt:    now,
		NextAttemptAt:  now,
		ExpiresAt:      now.Add(d.opts.Retention),
	}, nil
}

// Backoff min(base·2^(attempts−1), max)
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := base
	for i := 1; i < attempts; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}

	if delay > max {
		return max
	}
	return delay
}

func storeError(err error) error {
	if stderrors.Is(err, errors.DispatchStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", errors.DispatchStoreUnavailable, err)
}

func forwardResult(err error) string {
	if err == nil {
		return "success"
	}
	return errors.CodeOf(err)
}
