package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"WxPayGateway/internal/model"
	"WxPayGateway/pkg/errors"
)

const paymentTokenHeader = "X-Payment-Token"

// Forwarder 把解码后的通知交给业务后端
type Forwarder interface {
	Forward(ctx context.Context, payload *model.DecodedPayload) error
}

type ForwarderOptions struct {
	URL     string
	Token   string
	Timeout time.Duration
	Breaker *CircuitBreaker // 可选
}

// HTTPForwarder POST JSON 到业务后端，2xx 视为成功
type HTTPForwarder struct {
	client  *client.Client
	url     string
	token   string
	timeout time.Duration
	breaker *CircuitBreaker
}

type paymentUpdate struct {
	OrderNo   string          `json:"order_no"`
	PaymentID string          `json:"payment_id"`
	Status    string          `json:"status"`
	Amount    int64           `json:"amount"`
	RawData   json.RawMessage `json:"raw_data"`
}

type refundUpdate struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewHTTPForwarder(opts ForwarderOptions) (*HTTPForwarder, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	c, err := client.NewClient(
		client.WithDialTimeout(opts.Timeout),
		client.WithClientReadTimeout(opts.Timeout),
		client.WithWriteTimeout(opts.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward client: %w", err)
	}

	return &HTTPForwarder{
		client:  c,
		url:     opts.URL,
		token:   opts.Token,
		timeout: opts.Timeout,
		breaker: opts.Breaker,
	}, nil
}

func (f *HTTPForwarder) Forward(ctx context.Context, payload *model.DecodedPayload) error {
	body, err := BuildForwardBody(payload)
	if err != nil {
		return err
	}

	if f.breaker == nil {
		return f.post(ctx, body)
	}
	return f.breaker.Call(ctx, func(ctx context.Context) error {
		return f.post(ctx, body)
	})
}

func (f *HTTPForwarder) post(ctx context.Context, body []byte) error {
	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer func() {
		protocol.ReleaseRequest(req)
		protocol.ReleaseResponse(resp)
	}()

	req.SetMethod(consts.MethodPost)
	req.SetRequestURI(f.url)
	req.Header.SetContentTypeBytes([]byte("application/json"))
	req.Header.Set(paymentTokenHeader, f.token)
	req.SetBody(body)

	if err := f.client.DoTimeout(ctx, req, resp, f.timeout); err != nil {
		return fmt.Errorf("%w: %v", errors.BackendUnavailable, err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return fmt.Errorf("%w: status %d: %s", errors.BackendRejected, status, truncate(resp.Body(), 256))
	}

	return nil
}

// BuildForwardBody 业务后端约定的请求体
func BuildForwardBody(payload *model.DecodedPayload) ([]byte, error) {
	switch payload.Kind {
	case model.EventKindPayment:
		if payload.Payment == nil {
			return nil, fmt.Errorf("%w: payment result missing", errors.MalformedPayload)
		}
		return json.Marshal(paymentUpdate{
			OrderNo:   payload.Payment.OutTradeNo,
			PaymentID: payload.Payment.TransactionID,
			Status:    payload.Payment.TradeState,
			Amount:    payload.Payment.Amount.Total,
			RawData:   rawOrMarshal(payload.Raw, payload.Payment),
		})
	case model.EventKindRefund:
		if payload.Refund == nil {
			return nil, fmt.Errorf("%w: refund result missing", errors.MalformedPayload)
		}
		return json.Marshal(refundUpdate{
			Type: string(model.EventKindRefund),
			Data: rawOrMarshal(payload.Raw, payload.Refund),
		})
	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", errors.MalformedPayload, payload.Kind)
	}
}

func rawOrMarshal(raw json.RawMessage, v interface{}) json.RawMessage {
	if len(raw) > 0 && json.Valid(raw) {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
