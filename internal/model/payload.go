package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"WxPayGateway/pkg/errors"
)

// EventKind 通知类型
type EventKind string

const (
	EventKindPayment EventKind = "payment"
	EventKindRefund  EventKind = "refund"
)

// 资源 original_type
const (
	ResourceTypeTransaction = "transaction"
	ResourceTypeRefund      = "refund"
)

func (k EventKind) Valid() bool {
	return k == EventKindPayment || k == EventKindRefund
}

// ResourceType 该类型通知对应的 original_type
func (k EventKind) ResourceType() string {
	if k == EventKindRefund {
		return ResourceTypeRefund
	}
	return ResourceTypeTransaction
}

type Payer struct {
	OpenID string `json:"openid,omitempty"`
}

type TransactionAmount struct {
	Total         int64  `json:"total"`
	PayerTotal    int64  `json:"payer_total,omitempty"`
	Currency      string `json:"currency,omitempty"`
	PayerCurrency string `json:"payer_currency,omitempty"`
}

// PaymentResult 支付结果，对应平台 transaction 资源
type PaymentResult struct {
	AppID          string            `json:"appid,omitempty"`
	MchID          string            `json:"mchid,omitempty"`
	OutTradeNo     string            `json:"out_trade_no"`
	TransactionID  string            `json:"transaction_id"`
	TradeType      string            `json:"trade_type,omitempty"`
	TradeState     string            `json:"trade_state"`
	TradeStateDesc string            `json:"trade_state_desc,omitempty"`
	BankType       string            `json:"bank_type,omitempty"`
	Attach         string            `json:"attach,omitempty"`
	SuccessTime    string            `json:"success_time,omitempty"`
	Payer          *Payer            `json:"payer,omitempty"`
	Amount         TransactionAmount `json:"amount"`
}

type RefundAmount struct {
	Total       int64 `json:"total"`
	Refund      int64 `json:"refund"`
	PayerTotal  int64 `json:"payer_total,omitempty"`
	PayerRefund int64 `json:"payer_refund,omitempty"`
}

// RefundResult 退款结果，对应平台 refund 资源
type RefundResult struct {
	MchID               string       `json:"mchid,omitempty"`
	OutTradeNo          string       `json:"out_trade_no"`
	TransactionID       string       `json:"transaction_id"`
	OutRefundNo         string       `json:"out_refund_no"`
	RefundID            string       `json:"refund_id"`
	RefundStatus        string       `json:"refund_status"`
	SuccessTime         string       `json:"success_time,omitempty"`
	UserReceivedAccount string       `json:"user_received_account,omitempty"`
	Amount              RefundAmount `json:"amount"`
}

// DecodedPayload 解密后的通知，Payment 与 Refund 只有一个非空
type DecodedPayload struct {
	Kind    EventKind       `json:"kind"`
	Payment *PaymentResult  `json:"payment,omitempty"`
	Refund  *RefundResult   `json:"refund,omitempty"`
	Raw     json.RawMessage `json:"raw"`
}

// IdempotencyKey kind:outTradeNo|outRefundNo:transactionId|refundId
func (p *DecodedPayload) IdempotencyKey() string {
	switch p.Kind {
	case EventKindPayment:
		if p.Payment == nil {
			return ""
		}
		return strings.Join([]string{string(p.Kind), p.Payment.OutTradeNo, p.Payment.TransactionID}, ":")
	case EventKindRefund:
		if p.Refund == nil {
			return ""
		}
		return strings.Join([]string{string(p.Kind), p.Refund.OutRefundNo, p.Refund.RefundID}, ":")
	default:
		return ""
	}
}

// RestorePayload 从转发记录保存的明文还原，供后台重投使用
func RestorePayload(kind EventKind, raw []byte) (*DecodedPayload, error) {
	payload := &DecodedPayload{Kind: kind, Raw: json.RawMessage(raw)}

	switch kind {
	case EventKindPayment:
		payload.Payment = &PaymentResult{}
		if err := json.Unmarshal(raw, payload.Payment); err != nil {
			return nil, fmt.Errorf("%w: stored transaction: %v", errors.MalformedPayload, err)
		}
	case EventKindRefund:
		payload.Refund = &RefundResult{}
		if err := json.Unmarshal(raw, payload.Refund); err != nil {
			return nil, fmt.Errorf("%w: stored refund: %v", errors.MalformedPayload, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", errors.MalformedPayload, kind)
	}

	return payload, nil
}
