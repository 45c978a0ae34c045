package handler

import (
	"context"
	stderrors "errors"

	"github.com/cloudwego/hertz/pkg/app"

	"WxPayGateway/internal/model/dto"
	"WxPayGateway/internal/platform"
	"WxPayGateway/internal/service"
	"WxPayGateway/pkg/response"
)

type PayHandler struct {
	pay *service.PayService
}

func NewPayHandler(pay *service.PayService) *PayHandler {
	return &PayHandler{pay: pay}
}

// CreatePayment 小程序下单，返回 wx.requestPayment 参数
// POST /pay/create-payment
func (h *PayHandler) CreatePayment(ctx context.Context, c *app.RequestContext) {
	var req dto.CreatePaymentRequest
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	data, err := h.pay.CreatePayment(ctx, &req)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	response.Success(ctx, c, data)
}

// QueryOrder 查询订单
// POST /pay/query-status
func (h *PayHandler) QueryOrder(ctx context.Context, c *app.RequestContext) {
	var req dto.QueryOrderRequest
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	result, err := h.pay.QueryOrder(ctx, &req)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	response.Success(ctx, c, result)
}

// CloseOrder 关闭订单
// POST /pay/close-order/:out_trade_no
func (h *PayHandler) CloseOrder(ctx context.Context, c *app.RequestContext) {
	if err := h.pay.CloseOrder(ctx, c.Param("out_trade_no")); err != nil {
		writeError(ctx, c, err)
		return
	}
	response.NoContent(ctx, c)
}

// Refund 申请退款
// POST /pay/refund
func (h *PayHandler) Refund(ctx context.Context, c *app.RequestContext) {
	var req dto.RefundRequest
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	refund, err := h.pay.Refund(ctx, &req)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	response.Success(ctx, c, refund)
}

// QueryRefund 查询退款
// GET /pay/refund/:out_refund_no
func (h *PayHandler) QueryRefund(ctx context.Context, c *app.RequestContext) {
	refund, err := h.pay.QueryRefund(ctx, c.Param("out_refund_no"))
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	response.Success(ctx, c, refund)
}

// writeError 平台错误带上平台错误码和 Request-ID，便于对账排查
func writeError(ctx context.Context, c *app.RequestContext, err error) {
	var apiErr *platform.APIError
	if stderrors.As(err, &apiErr) {
		response.ErrorWithDetails(ctx, c, err, map[string]interface{}{
			"platform_status": apiErr.Status,
			"platform_code":   apiErr.Code,
			"request_id":      apiErr.RequestID,
		})
		return
	}
	response.Error(ctx, c, err)
}
