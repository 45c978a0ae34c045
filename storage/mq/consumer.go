package mq

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"WxPayGateway/pkg/errors"
	"WxPayGateway/pkg/logger"
	mqotel "WxPayGateway/pkg/mq"
)

type MessageHandler func(ctx context.Context, body []byte) error

type ConsumeOptions struct {
	Queue         string
	ConsumerTag   string
	PrefetchCount int
	Handler       MessageHandler
}

// Consume 阻塞消费直到 ctx 结束或通道关闭。
// 处理失败重新入队，SkipMessageError 直接确认丢弃
func Consume(ctx context.Context, opts ConsumeOptions) error {
	c := Connection()
	if c == nil {
		return fmt.Errorf("RabbitMQ connection is nil")
	}

	ch, err := c.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if opts.PrefetchCount > 0 {
		if err := ch.Qos(opts.PrefetchCount, 0, false); err != nil {
			return fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	msgs, err := ch.Consume(
		opts.Queue,
		opts.ConsumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	logger.Logger.Info("Started consuming messages",
		zap.String("queue", opts.Queue),
		zap.String("consumer_tag", opts.ConsumerTag),
		zap.Int("prefetch_count", opts.PrefetchCount),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consumer channel for %s closed", opts.Queue)
			}

			msgCtx, span := mqotel.StartConsumeSpan(ctx, opts.Queue, msg)
			err := opts.Handler(msgCtx, msg.Body)
			mqotel.EndSpan(span, err)

			switch {
			case err == nil:
				_ = msg.Ack(false)
			case errors.IsSkipMessageError(err):
				logger.Logger.Info("Message skipped",
					zap.String("queue", opts.Queue),
					zap.String("message_id", msg.MessageId),
					zap.String("reason", err.Error()),
				)
				_ = msg.Ack(false)
			default:
				logger.Logger.Error("Failed to process message",
					zap.String("queue", opts.Queue),
					zap.String("message_id", msg.MessageId),
					zap.Error(err),
				)
				_ = msg.Nack(false, true)
			}
		}
	}
}
