package router

import (
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/route"

	"WxPayGateway/internal/handler"
	"WxPayGateway/internal/middleware"
)

type Options struct {
	Notify *handler.NotifyHandler
	// Pay 为 nil 时不注册 /pay
	Pay     *handler.PayHandler
	Recover middleware.RecoverConfig
	// Telemetry 为 nil 时不挂载
	Telemetry app.HandlerFunc
	// PayMiddlewares 鉴权、限流
	PayMiddlewares []app.HandlerFunc
}

func Register(r *route.Engine, opts Options) {
	r.Use(middleware.RecoverMiddleware(opts.Recover))
	if opts.Telemetry != nil {
		r.Use(opts.Telemetry)
	}

	r.GET("/healthz", handler.Health)

	// 平台通知，不鉴权，靠验签
	notify := r.Group("/notify")
	{
		notify.POST("/payment", opts.Notify.PaymentNotify)
		notify.POST("/refund", opts.Notify.RefundNotify)
	}

	// 兼容旧的回调地址，商户平台上配置过的 notify_url 不用改
	legacy := r.Group("/wechatpay/notify")
	{
		legacy.POST("/payment", opts.Notify.PaymentNotify)
		legacy.POST("/refund", opts.Notify.RefundNotify)
	}

	if opts.Pay == nil {
		return
	}

	// 支付代理，仅内部服务调用
	pay := r.Group("/pay", opts.PayMiddlewares...)
	{
		pay.POST("/create-payment", opts.Pay.CreatePayment)
		pay.POST("/query-status", opts.Pay.QueryOrder)
		pay.POST("/close-order/:out_trade_no", opts.Pay.CloseOrder)
		pay.POST("/refund", opts.Pay.Refund)
		pay.GET("/refund/:out_refund_no", opts.Pay.QueryRefund)
	}
}
