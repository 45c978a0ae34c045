package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"

	"WxPayGateway/internal/notify"
	"WxPayGateway/pkg/errors"
	"WxPayGateway/pkg/metrics"
)

// 平台应答签名头
const (
	HeaderSerial    = "Wechatpay-Serial"
	HeaderSignature = "Wechatpay-Signature"
	HeaderTimestamp = "Wechatpay-Timestamp"
	HeaderNonce     = "Wechatpay-Nonce"
	HeaderRequestID = "Request-ID"
)

// ResponseVerifier 由 notify.Verifier 实现
type ResponseVerifier interface {
	VerifyResponse(ctx context.Context, serial, signature, timestamp, nonce string, body []byte) error
}

type Options struct {
	BaseURL         string
	AppID           string
	MchID           string
	NotifyURL       string
	RefundNotifyURL string
	Timeout         time.Duration
}

// Client 商户侧平台 API 客户端，请求签名，应答验签
type Client struct {
	http      *client.Client
	signer    *Signer
	decryptor *notify.Decryptor
	verifier  ResponseVerifier
	opts      Options
}

// APIError 平台返回的非 2xx 应答
type APIError struct {
	Status    int    `json:"-"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d, code %s, message %s", errors.PlatformRequestFailed.Message, e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return errors.PlatformRequestFailed
}

type response struct {
	status    int
	body      []byte
	serial    string
	signature string
	timestamp string
	nonce     string
}

func NewClient(signer *Signer, decryptor *notify.Decryptor, opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	c, err := client.NewClient(
		client.WithDialTimeout(opts.Timeout),
		client.WithClientReadTimeout(opts.Timeout),
		client.WithWriteTimeout(opts.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create platform client: %w", err)
	}

	return &Client{
		http:      c,
		signer:    signer,
		decryptor: decryptor,
		opts:      opts,
	}, nil
}

// SetResponseVerifier 证书仓库依赖本客户端下载证书，验签器只能在仓库建好后注入
func (c *Client) SetResponseVerifier(v ResponseVerifier) {
	c.verifier = v
}

// call 发送请求并校验应答签名，out 为 nil 时忽略应答体
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, in, out interface{}) error {
	resp, err := c.send(ctx, op, method, path, query, in)
	if err != nil {
		return err
	}

	if c.verifier != nil && len(resp.body) > 0 {
		if err := c.verifier.VerifyResponse(ctx, resp.serial, resp.signature, resp.timestamp, resp.nonce, resp.body); err != nil {
			return fmt.Errorf("%w: response verification: %w", errors.PlatformRequestFailed, err)
		}
	}

	if out == nil || len(resp.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", errors.PlatformRequestFailed, op, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, op, method, path string, query url.Values, in interface{}) (*response, error) {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
	}

	canonical := path
	if len(query) > 0 {
		canonical += "?" + query.Encode()
	}

	auth, err := c.signer.Authorization(method, canonical, body)
	if err != nil {
		return nil, err
	}

	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer func() {
		protocol.ReleaseRequest(req)
		protocol.ReleaseResponse(resp)
	}()

	req.SetMethod(method)
	req.SetRequestURI(c.opts.BaseURL + canonical)
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "wxpay-gateway")
	if body != nil {
		req.Header.SetContentTypeBytes([]byte("application/json"))
		req.SetBody(body)
	}

	start := time.Now()
	err = c.http.DoTimeout(ctx, req, resp, c.opts.Timeout)
	status := resp.StatusCode()
	if err != nil {
		status = 0
	}
	metrics.GetMetrics().RecordPlatformRequest(ctx, op, status, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errors.PlatformRequestFailed, op, err)
	}

	out := &response{
		status:    status,
		body:      append([]byte(nil), resp.Body()...),
		serial:    resp.Header.Get(HeaderSerial),
		signature: resp.Header.Get(HeaderSignature),
		timestamp: resp.Header.Get(HeaderTimestamp),
		nonce:     resp.Header.Get(HeaderNonce),
	}

	if status < 200 || status >= 300 {
		apiErr := &APIError{Status: status, RequestID: resp.Header.Get(HeaderRequestID)}
		_ = json.Unmarshal(out.body, apiErr)
		return nil, apiErr
	}

	return out, nil
}

func (c *Client) merchantQuery() url.Values {
	return url.Values{"mchid": []string{c.opts.MchID}}
}
