package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"WxPayGateway/internal/model"
	"WxPayGateway/internal/notify"
)

// 网关约定的签名头，平台原生的 Wechatpay-* 作为兜底
const (
	HeaderPlatformSerial    = "Platform-Serial"
	HeaderPlatformSignature = "Platform-Signature"
	HeaderPlatformTimestamp = "Platform-Timestamp"
	HeaderPlatformNonce     = "Platform-Nonce"

	headerWechatpaySerial    = "Wechatpay-Serial"
	headerWechatpaySignature = "Wechatpay-Signature"
	headerWechatpayTimestamp = "Wechatpay-Timestamp"
	headerWechatpayNonce     = "Wechatpay-Nonce"
)

type WebhookHandler interface {
	Handle(ctx context.Context, kind model.EventKind, n notify.InboundNotification) model.NotifyAck
}

type NotifyHandler struct {
	webhook WebhookHandler
}

func NewNotifyHandler(webhook WebhookHandler) *NotifyHandler {
	return &NotifyHandler{webhook: webhook}
}

// PaymentNotify 支付结果通知
// POST /notify/payment
func (h *NotifyHandler) PaymentNotify(ctx context.Context, c *app.RequestContext) {
	h.handle(ctx, c, model.EventKindPayment)
}

// RefundNotify 退款结果通知
// POST /notify/refund
func (h *NotifyHandler) RefundNotify(ctx context.Context, c *app.RequestContext) {
	h.handle(ctx, c, model.EventKindRefund)
}

// handle HTTP 状态恒为 200，结果只看 code 字段
func (h *NotifyHandler) handle(ctx context.Context, c *app.RequestContext, kind model.EventKind) {
	n := notify.InboundNotification{
		SerialNumber: header(c, HeaderPlatformSerial, headerWechatpaySerial),
		Signature:    header(c, HeaderPlatformSignature, headerWechatpaySignature),
		Timestamp:    header(c, HeaderPlatformTimestamp, headerWechatpayTimestamp),
		Nonce:        header(c, HeaderPlatformNonce, headerWechatpayNonce),
		// 验签用原始字节，不能重新编码
		Body: append([]byte(nil), c.Request.Body()...),
	}

	c.JSON(consts.StatusOK, h.webhook.Handle(ctx, kind, n))
}

func header(c *app.RequestContext, primary, fallback string) string {
	if v := c.Request.Header.Get(primary); v != "" {
		return v
	}
	return c.Request.Header.Get(fallback)
}
