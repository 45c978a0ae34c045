package service

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"

	"WxPayGateway/internal/dispatch"
	"WxPayGateway/internal/model"
	"WxPayGateway/internal/notify"
	"WxPayGateway/pkg/errors"
	"WxPayGateway/pkg/logger"
	"WxPayGateway/pkg/metrics"
)

const (
	ackMessageUnverified = "验证失败"
	ackMessageFailed     = "处理失败"
)

type NotificationVerifier interface {
	Verify(ctx context.Context, n notify.InboundNotification) error
}

type PayloadDecoder interface {
	Decode(kind model.EventKind, env *notify.Envelope) (*model.DecodedPayload, error)
}

type NotificationDispatcher interface {
	Process(ctx context.Context, payload *model.DecodedPayload) (dispatch.Outcome, error)
}

// WebhookService 处理平台推送：验签 -> 解密 -> 分发 -> 应答
type WebhookService struct {
	verifier   NotificationVerifier
	decoder    PayloadDecoder
	dispatcher NotificationDispatcher
}

func NewWebhookService(verifier NotificationVerifier, decoder PayloadDecoder, dispatcher NotificationDispatcher) *WebhookService {
	return &WebhookService{
		verifier:   verifier,
		decoder:    decoder,
		dispatcher: dispatcher,
	}
}

// Handle 进入分发阶段之前的任何失败都回 FAIL，让平台按自己的节奏重推；
// 进入分发之后一律回 SUCCESS，转发失败由后台重投负责。
// 唯一例外是转发记录不可用：无法保证去重时交还给平台重推。
func (s *WebhookService) Handle(ctx context.Context, kind model.EventKind, n notify.InboundNotification) (ack model.NotifyAck) {
	start := time.Now()
	m := metrics.GetMetrics()
	m.RecordNotifyReceived(ctx, string(kind))

	log := logger.Logger.With(
		zap.String("kind", string(kind)),
		zap.String("serial", n.SerialNumber),
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Notification handling panicked", zap.Any("panic", r), zap.Stack("stack"))
			m.RecordNotifyRejected(ctx, string(kind), "INTERNAL_ERROR")
			ack = model.AckFail(ackMessageFailed)
		}
		m.RecordNotifyDuration(ctx, string(kind), ack.Code, time.Since(start).Seconds())
	}()

	if err := s.verifier.Verify(ctx, n); err != nil {
		log.Warn("Notification rejected", zap.String("code", errors.CodeOf(err)), zap.Error(err))
		m.RecordNotifyRejected(ctx, string(kind), errors.CodeOf(err))
		return model.AckFail(ackMessageUnverified)
	}

	env, err := notify.ParseEnvelope(n.Body)
	if err != nil {
		return s.reject(ctx, log, kind, err)
	}
	log = log.With(zap.String("notify_id", env.ID), zap.String("event_type", env.EventType))

	payload, err := s.decoder.Decode(kind, env)
	if err != nil {
		return s.reject(ctx, log, kind, err)
	}

	key := payload.IdempotencyKey()
	log = log.With(zap.String("idempotency_key", key))

	outcome, err := s.dispatcher.Process(ctx, payload)
	if err != nil {
		if stderrors.Is(err, errors.DispatchStoreUnavailable) {
			log.Error("Dispatch store unavailable, asking platform to redeliver", zap.Error(err))
			m.RecordNotifyRejected(ctx, string(kind), errors.DispatchStoreUnavailable.Code)
			return model.AckFail(ackMessageFailed + ": " + errors.DispatchStoreUnavailable.Message)
		}
		// 已完成解密，其余分发错误只记录
		log.Error("Dispatch failed after decode", zap.Error(err))
		return model.AckSuccess()
	}

	log.Info("Notification acknowledged", zap.String("outcome", string(outcome)))
	return model.AckSuccess()
}

func (s *WebhookService) reject(ctx context.Context, log *zap.Logger, kind model.EventKind, err error) model.NotifyAck {
	code := errors.CodeOf(err)
	log.Warn("Notification could not be decoded", zap.String("code", code), zap.Error(err))
	metrics.GetMetrics().RecordNotifyRejected(ctx, string(kind), code)
	return model.AckFail(ackMessageFailed + ": " + errors.Get(code).Message)
}
