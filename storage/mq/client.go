package mq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"WxPayGateway/config"
)

// 转发重试拓扑：延迟交换机 -> 重试队列
const (
	DispatchDelayedExchange = "dispatch.delayed"
	DispatchRetryRoutingKey = "dispatch.retry"
	DispatchRetryQueue      = "dispatch.retry"
)

var (
	conn    *amqp.Connection
	connMu  sync.RWMutex
	initErr error
	once    sync.Once
)

func Init() error {
	once.Do(func() {
		c, err := amqp.Dial(config.Cfg.GetRabbitMQURL())
		if err != nil {
			initErr = fmt.Errorf("failed to dial RabbitMQ: %w", err)
			return
		}

		if err := declareTopology(c); err != nil {
			_ = c.Close()
			initErr = err
			return
		}

		connMu.Lock()
		conn = c
		connMu.Unlock()
	})

	return initErr
}

// declareTopology 需要 rabbitmq_delayed_message_exchange 插件
func declareTopology(c *amqp.Connection) error {
	ch, err := c.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		DispatchDelayedExchange,
		"x-delayed-message",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		amqp.Table{"x-delayed-type": "direct"},
	); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", DispatchDelayedExchange, err)
	}

	if _, err := ch.QueueDeclare(DispatchRetryQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", DispatchRetryQueue, err)
	}

	if err := ch.QueueBind(DispatchRetryQueue, DispatchRetryRoutingKey, DispatchDelayedExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", DispatchRetryQueue, err)
	}

	return nil
}

func Connection() *amqp.Connection {
	connMu.RLock()
	defer connMu.RUnlock()
	return conn
}

func Close(ctx context.Context) error {
	connMu.Lock()
	c := conn
	conn = nil
	connMu.Unlock()

	if c == nil || c.IsClosed() {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
