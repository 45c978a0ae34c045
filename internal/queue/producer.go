package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"WxPayGateway/internal/model"
	"WxPayGateway/pkg/logger"
	"WxPayGateway/pkg/metrics"
	"WxPayGateway/storage/mq"
)

// DelayedPublishFunc 与 mq.PublishDelayedMessage 签名一致
type DelayedPublishFunc func(ctx context.Context, exchange, routingKey string, delay time.Duration, body interface{}) error

// DispatchRetryPublisher 把失败的转发投递到延迟交换机，实现 dispatch.RetryPublisher
type DispatchRetryPublisher struct {
	publish DelayedPublishFunc
}

func NewDispatchRetryPublisher() *DispatchRetryPublisher {
	return &DispatchRetryPublisher{publish: mq.PublishDelayedMessage}
}

func (p *DispatchRetryPublisher) PublishDispatchRetry(ctx context.Context, key string, attempt int, delay time.Duration) error {
	msg := model.DispatchRetryMessage{
		MessageID:      "dispatch_retry_" + uuid.NewString(),
		IdempotencyKey: key,
		Attempt:        attempt,
		ScheduledAt:    time.Now().Add(delay).Format(time.RFC3339),
		DelaySeconds:   int(delay / time.Second),
	}

	err := p.publish(ctx,
		mq.DispatchDelayedExchange,
		mq.DispatchRetryRoutingKey,
		delay,
		msg,
	)
	if err != nil {
		metrics.GetMetrics().RecordRetryPublished(ctx, "error")
		logger.Logger.Error("Failed to publish dispatch retry message",
			zap.String("idempotency_key", key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}

	metrics.GetMetrics().RecordRetryPublished(ctx, "success")
	logger.Logger.Info("Published dispatch retry message",
		zap.String("message_id", msg.MessageID),
		zap.String("idempotency_key", key),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)

	return nil
}
