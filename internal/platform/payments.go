package platform

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"WxPayGateway/internal/model"
	"WxPayGateway/pkg/errors"
)

const (
	jsapiPath            = "/v3/pay/transactions/jsapi"
	queryByOutTradeNo    = "/v3/pay/transactions/out-trade-no/"
	queryByTransactionID = "/v3/pay/transactions/id/"
	currencyCNY          = "CNY"
	signTypeRSA          = "RSA"
)

// JSAPIOrder 小程序下单参数，金额单位分
type JSAPIOrder struct {
	OutTradeNo  string
	Description string
	Amount      int64
	OpenID      string
	Attach      string
	TimeExpire  string
}

type jsapiRequest struct {
	AppID       string `json:"appid"`
	MchID       string `json:"mchid"`
	Description string `json:"description"`
	OutTradeNo  string `json:"out_trade_no"`
	TimeExpire  string `json:"time_expire,omitempty"`
	Attach      string `json:"attach,omitempty"`
	NotifyURL   string `json:"notify_url"`
	Amount      struct {
		Total    int64  `json:"total"`
		Currency string `json:"currency"`
	} `json:"amount"`
	Payer struct {
		OpenID string `json:"openid"`
	} `json:"payer"`
}

type jsapiResponse struct {
	PrepayID string `json:"prepay_id"`
}

// RequestPayment 小程序 wx.requestPayment 参数
type RequestPayment struct {
	AppID     string `json:"appId"`
	TimeStamp string `json:"timeStamp"`
	NonceStr  string `json:"nonceStr"`
	Package   string `json:"package"`
	SignType  string `json:"signType"`
	PaySign   string `json:"paySign"`
}

func (c *Client) PrepayJSAPI(ctx context.Context, order JSAPIOrder) (string, error) {
	req := jsapiRequest{
		AppID:       c.opts.AppID,
		MchID:       c.opts.MchID,
		Description: order.Description,
		OutTradeNo:  order.OutTradeNo,
		TimeExpire:  order.TimeExpire,
		Attach:      order.Attach,
		NotifyURL:   c.opts.NotifyURL,
	}
	req.Amount.Total = order.Amount
	req.Amount.Currency = currencyCNY
	req.Payer.OpenID = order.OpenID

	var resp jsapiResponse
	if err := c.call(ctx, "jsapi_prepay", consts.MethodPost, jsapiPath, nil, req, &resp); err != nil {
		return "", err
	}
	if resp.PrepayID == "" {
		return "", fmt.Errorf("%w: empty prepay_id", errors.PlatformRequestFailed)
	}

	return resp.PrepayID, nil
}

// RequestPaymentParams paySign 签名串：appId\ntimeStamp\nnonceStr\npackage\n
func (c *Client) RequestPaymentParams(prepayID string) (*RequestPayment, error) {
	params := &RequestPayment{
		AppID:     c.opts.AppID,
		TimeStamp: strconv.FormatInt(c.signer.now().Unix(), 10),
		NonceStr:  c.signer.nonce(),
		Package:   "prepay_id=" + prepayID,
		SignType:  signTypeRSA,
	}

	message := params.AppID + "\n" + params.TimeStamp + "\n" + params.NonceStr + "\n" + params.Package + "\n"
	sign, err := c.signer.Sign([]byte(message))
	if err != nil {
		return nil, err
	}
	params.PaySign = sign

	return params, nil
}

func (c *Client) QueryByOutTradeNo(ctx context.Context, outTradeNo string) (*model.PaymentResult, error) {
	var result model.PaymentResult
	path := queryByOutTradeNo + url.PathEscape(outTradeNo)
	if err := c.call(ctx, "query_out_trade_no", consts.MethodGet, path, c.merchantQuery(), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) QueryByTransactionID(ctx context.Context, transactionID string) (*model.PaymentResult, error) {
	var result model.PaymentResult
	path := queryByTransactionID + url.PathEscape(transactionID)
	if err := c.call(ctx, "query_transaction_id", consts.MethodGet, path, c.merchantQuery(), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CloseOrder 成功时平台返回 204
func (c *Client) CloseOrder(ctx context.Context, outTradeNo string) error {
	path := queryByOutTradeNo + url.PathEscape(outTradeNo) + "/close"
	body := map[string]string{"mchid": c.opts.MchID}
	return c.call(ctx, "close_order", consts.MethodPost, path, nil, body, nil)
}
