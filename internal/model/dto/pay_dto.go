package dto

// ========== 支付代理接口 DTO ==========

// CreatePaymentRequest 小程序下单请求，金额单位分
type CreatePaymentRequest struct {
	OutTradeNo  string `json:"out_trade_no"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	OpenID      string `json:"openid"`
	Attach      string `json:"attach"`
	TimeExpire  string `json:"time_expire"` // RFC3339
}

// RequestPaymentParams 原样交给 wx.requestPayment，字段名沿用小程序接口
type RequestPaymentParams struct {
	AppID     string `json:"appId"`
	TimeStamp string `json:"timeStamp"`
	NonceStr  string `json:"nonceStr"`
	Package   string `json:"package"`
	SignType  string `json:"signType"`
	PaySign   string `json:"paySign"`
}

type CreatePaymentData struct {
	OutTradeNo     string               `json:"out_trade_no"`
	PrepayID       string               `json:"prepay_id"`
	RequestPayment RequestPaymentParams `json:"request_payment"`
}

// QueryOrderRequest transaction_id 与 out_trade_no 至少一个
type QueryOrderRequest struct {
	OutTradeNo    string `json:"out_trade_no"`
	TransactionID string `json:"transaction_id"`
}

// RefundRequest 申请退款，transaction_id 与 out_trade_no 至少一个
type RefundRequest struct {
	TransactionID string `json:"transaction_id"`
	OutTradeNo    string `json:"out_trade_no"`
	OutRefundNo   string `json:"out_refund_no"`
	Reason        string `json:"reason"`
	Amount        int64  `json:"amount"`
	TotalAmount   int64  `json:"total_amount"`
}
