package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"WxPayGateway/internal/dispatch"
	"WxPayGateway/internal/model"
	"WxPayGateway/pkg/errors"
	"WxPayGateway/pkg/logger"
	"WxPayGateway/pkg/metrics"
	"WxPayGateway/storage/mq"
)

// Redeliverer 由 dispatch.Dispatcher 实现
type Redeliverer interface {
	Redeliver(ctx context.Context, key string) (dispatch.Outcome, error)
}

// DispatchRetryHandler 重复消息无害：已转发的记录直接确认
func DispatchRetryHandler(r Redeliverer) mq.MessageHandler {
	return func(ctx context.Context, body []byte) error {
		var msg model.DispatchRetryMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return &errors.SkipMessageError{Reason: fmt.Sprintf("invalid dispatch retry message: %v", err)}
		}
		if msg.IdempotencyKey == "" {
			return &errors.SkipMessageError{Reason: "dispatch retry message without idempotency key"}
		}

		outcome, err := r.Redeliver(ctx, msg.IdempotencyKey)
		if err != nil {
			if stderrors.Is(err, errors.DispatchRecordNotFound) {
				// 记录已过保留期被清理
				return &errors.SkipMessageError{Reason: fmt.Sprintf("dispatch record %s not found", msg.IdempotencyKey)}
			}
			metrics.GetMetrics().RecordRedelivery(ctx, "worker", "error")
			return fmt.Errorf("redeliver %s: %w", msg.IdempotencyKey, err)
		}

		metrics.GetMetrics().RecordRedelivery(ctx, "worker", string(outcome))
		logger.Logger.Info("Processed dispatch retry message",
			zap.String("message_id", msg.MessageID),
			zap.String("idempotency_key", msg.IdempotencyKey),
			zap.Int("attempt", msg.Attempt),
			zap.String("outcome", string(outcome)),
		)

		return nil
	}
}

func StartDispatchRetryConsumer(ctx context.Context, r Redeliverer) error {
	return mq.Consume(ctx, mq.ConsumeOptions{
		Queue:         mq.DispatchRetryQueue,
		ConsumerTag:   "dispatch_retry_consumer",
		PrefetchCount: 10,
		Handler:       DispatchRetryHandler(r),
	})
}

// StartAllConsumers 阻塞直到所有消费者退出
func StartAllConsumers(ctx context.Context, r Redeliverer) {
	var wg sync.WaitGroup

	consumers := []struct {
		name     string
		consumer func(context.Context, Redeliverer) error
	}{
		{"dispatch_retry", StartDispatchRetryConsumer},
	}

	for _, c := range consumers {
		wg.Add(1)
		go func(name string, consumer func(context.Context, Redeliverer) error) {
			defer wg.Done()

			logger.Logger.Info("Starting consumer",
				zap.String("consumer_name", name),
			)

			if err := consumer(ctx, r); err != nil {
				logger.Logger.Error("Consumer exited with error",
					zap.String("consumer_name", name),
					zap.Error(err),
				)
			}
		}(c.name, c.consumer)
	}

	wg.Wait()

	logger.Logger.Info("All consumers stopped")
}
