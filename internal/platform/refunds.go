package platform

import (
	"context"
	"net/url"

	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

const refundsPath = "/v3/refund/domestic/refunds"

// RefundOrder transaction_id 与 out_trade_no 二选一
type RefundOrder struct {
	TransactionID string
	OutTradeNo    string
	OutRefundNo   string
	Reason        string
	Amount        int64
	TotalAmount   int64
}

type refundRequest struct {
	TransactionID string `json:"transaction_id,omitempty"`
	OutTradeNo    string `json:"out_trade_no,omitempty"`
	OutRefundNo   string `json:"out_refund_no"`
	Reason        string `json:"reason,omitempty"`
	NotifyURL     string `json:"notify_url,omitempty"`
	Amount        struct {
		Refund   int64  `json:"refund"`
		Total    int64  `json:"total"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

// Refund 退款申请/查询应答
type Refund struct {
	RefundID            string `json:"refund_id"`
	OutRefundNo         string `json:"out_refund_no"`
	TransactionID       string `json:"transaction_id"`
	OutTradeNo          string `json:"out_trade_no"`
	Channel             string `json:"channel,omitempty"`
	UserReceivedAccount string `json:"user_received_account,omitempty"`
	SuccessTime         string `json:"success_time,omitempty"`
	CreateTime          string `json:"create_time,omitempty"`
	Status              string `json:"status"`
	FundsAccount        string `json:"funds_account,omitempty"`
	Amount              struct {
		Total            int64  `json:"total"`
		Refund           int64  `json:"refund"`
		PayerTotal       int64  `json:"payer_total"`
		PayerRefund      int64  `json:"payer_refund"`
		SettlementRefund int64  `json:"settlement_refund,omitempty"`
		DiscountRefund   int64  `json:"discount_refund,omitempty"`
		Currency         string `json:"currency"`
	} `json:"amount"`
}

func (c *Client) CreateRefund(ctx context.Context, order RefundOrder) (*Refund, error) {
	req := refundRequest{
		TransactionID: order.TransactionID,
		OutTradeNo:    order.OutTradeNo,
		OutRefundNo:   order.OutRefundNo,
		Reason:        order.Reason,
		NotifyURL:     c.opts.RefundNotifyURL,
	}
	// 有微信订单号时不再传商户订单号
	if req.TransactionID != "" {
		req.OutTradeNo = ""
	}
	req.Amount.Refund = order.Amount
	req.Amount.Total = order.TotalAmount
	req.Amount.Currency = currencyCNY

	var refund Refund
	if err := c.call(ctx, "create_refund", consts.MethodPost, refundsPath, nil, req, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

func (c *Client) QueryRefund(ctx context.Context, outRefundNo string) (*Refund, error) {
	var refund Refund
	path := refundsPath + "/" + url.PathEscape(outRefundNo)
	if err := c.call(ctx, "query_refund", consts.MethodGet, path, nil, nil, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}
