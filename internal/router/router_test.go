package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/route"
	ri "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"WxPayGateway/internal/handler"
	"WxPayGateway/internal/middleware"
	"WxPayGateway/internal/model"
	"WxPayGateway/internal/notify"
	"WxPayGateway/internal/platform"
	"WxPayGateway/internal/service"
	"WxPayGateway/pkg/token"
)

type stubWebhook struct {
	mu    sync.Mutex
	kinds []model.EventKind
	last  notify.InboundNotification
	ack   model.NotifyAck
	panic bool
}

func (s *stubWebhook) Handle(ctx context.Context, kind model.EventKind, n notify.InboundNotification) model.NotifyAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panic {
		panic("boom")
	}
	s.kinds = append(s.kinds, kind)
	s.last = n
	return s.ack
}

type fakePlatform struct{}

func (fakePlatform) PrepayJSAPI(ctx context.Context, order platform.JSAPIOrder) (string, error) {
	return "wx-prepay-" + order.OutTradeNo, nil
}

func (fakePlatform) RequestPaymentParams(prepayID string) (*platform.RequestPayment, error) {
	return &platform.RequestPayment{AppID: "wxapp", Package: "prepay_id=" + prepayID, SignType: "RSA", PaySign: "sig"}, nil
}

func (fakePlatform) QueryByOutTradeNo(ctx context.Context, outTradeNo string) (*model.PaymentResult, error) {
	return &model.PaymentResult{OutTradeNo: outTradeNo, TradeState: "SUCCESS"}, nil
}

func (fakePlatform) QueryByTransactionID(ctx context.Context, transactionID string) (*model.PaymentResult, error) {
	return &model.PaymentResult{TransactionID: transactionID, TradeState: "SUCCESS"}, nil
}

func (fakePlatform) CloseOrder(ctx context.Context, outTradeNo string) error { return nil }

func (fakePlatform) CreateRefund(ctx context.Context, order platform.RefundOrder) (*platform.Refund, error) {
	return &platform.Refund{OutRefundNo: order.OutRefundNo, Status: "PROCESSING"}, nil
}

func (fakePlatform) QueryRefund(ctx context.Context, outRefundNo string) (*platform.Refund, error) {
	return nil, &platform.APIError{Status: http.StatusNotFound, Code: "RESOURCE_NOT_EXISTS", Message: "退款单不存在", RequestID: "req-1"}
}

func newEngine(t *testing.T, webhook *stubWebhook, withPay bool, payMiddlewares ...app.HandlerFunc) *route.Engine {
	t.Helper()
	engine := route.NewEngine(config.NewOptions(nil))

	opts := Options{
		Notify:         handler.NewNotifyHandler(webhook),
		Recover:        middleware.NewRecoverConfig(false),
		PayMiddlewares: payMiddlewares,
	}
	if withPay {
		opts.Pay = handler.NewPayHandler(service.NewPayService(fakePlatform{}))
	}
	Register(engine, opts)
	return engine
}

func decode(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestNotify_PlatformHeaders(t *testing.T) {
	webhook := &stubWebhook{ack: model.AckSuccess()}
	engine := newEngine(t, webhook, false)
	body := []byte(`{"id":"EV-1","resource":{}}`)

	w := ut.PerformRequest(engine, http.MethodPost, "/notify/payment",
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"},
		ut.Header{Key: "Platform-Serial", Value: "SERIAL1"},
		ut.Header{Key: "Platform-Signature", Value: "c2ln"},
		ut.Header{Key: "Platform-Timestamp", Value: "1554208460"},
		ut.Header{Key: "Platform-Nonce", Value: "nonce"},
	)

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "SUCCESS", decode(t, resp.Body())["code"])

	webhook.mu.Lock()
	defer webhook.mu.Unlock()
	assert.Equal(t, []model.EventKind{model.EventKindPayment}, webhook.kinds)
	assert.Equal(t, "SERIAL1", webhook.last.SerialNumber)
	assert.Equal(t, "c2ln", webhook.last.Signature)
	assert.Equal(t, "1554208460", webhook.last.Timestamp)
	assert.Equal(t, "nonce", webhook.last.Nonce)
	assert.Equal(t, body, webhook.last.Body)
}

func TestNotify_WechatpayHeaderFallbackAndLegacyRoute(t *testing.T) {
	webhook := &stubWebhook{ack: model.AckFail("验证失败")}
	engine := newEngine(t, webhook, false)

	w := ut.PerformRequest(engine, http.MethodPost, "/wechatpay/notify/refund",
		&ut.Body{Body: bytes.NewReader([]byte(`{}`)), Len: 2},
		ut.Header{Key: "Wechatpay-Serial", Value: "SERIAL2"},
		ut.Header{Key: "Wechatpay-Timestamp", Value: "1"},
	)

	resp := w.Result()
	// 失败也是 200，结果只看 code
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	out := decode(t, resp.Body())
	assert.Equal(t, "FAIL", out["code"])
	assert.Equal(t, "验证失败", out["message"])

	webhook.mu.Lock()
	defer webhook.mu.Unlock()
	assert.Equal(t, []model.EventKind{model.EventKindRefund}, webhook.kinds)
	assert.Equal(t, "SERIAL2", webhook.last.SerialNumber)
	assert.Equal(t, "1", webhook.last.Timestamp)
}

func TestNotify_PanicAnswersFail(t *testing.T) {
	engine := newEngine(t, &stubWebhook{panic: true}, false)

	w := ut.PerformRequest(engine, http.MethodPost, "/notify/payment", &ut.Body{Body: bytes.NewReader(nil), Len: 0})

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "FAIL", decode(t, resp.Body())["code"])
}

func TestHealthz(t *testing.T) {
	engine := newEngine(t, &stubWebhook{}, false)

	w := ut.PerformRequest(engine, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Result().StatusCode())
	assert.Equal(t, "ok", decode(t, w.Result().Body())["status"])
}

func TestPay_NotRegisteredWithoutHandler(t *testing.T) {
	engine := newEngine(t, &stubWebhook{}, false)

	w := ut.PerformRequest(engine, http.MethodPost, "/pay/query-status", &ut.Body{Body: bytes.NewReader([]byte(`{}`)), Len: 2})
	assert.Equal(t, http.StatusNotFound, w.Result().StatusCode())
}

func authEngine(t *testing.T, extra ...app.HandlerFunc) (*route.Engine, string) {
	t.Helper()
	require.NoError(t, token.Init(token.Options{Secret: "router-test-secret", Expire: time.Hour}))
	require.NoError(t, middleware.Init())

	signed, _, err := token.GenerateServiceToken("business-backend")
	require.NoError(t, err)

	mws := append([]app.HandlerFunc{middleware.AuthMiddleware()}, extra...)
	return newEngine(t, &stubWebhook{}, true, mws...), "Bearer " + signed
}

func TestPay_RequiresServiceToken(t *testing.T) {
	engine, _ := authEngine(t)
	body := []byte(`{"out_trade_no":"O1"}`)

	w := ut.PerformRequest(engine, http.MethodPost, "/pay/query-status",
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"},
	)
	assert.Equal(t, http.StatusUnauthorized, w.Result().StatusCode())

	w = ut.PerformRequest(engine, http.MethodPost, "/pay/query-status",
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"},
		ut.Header{Key: "Authorization", Value: "Bearer forged.token.value"},
	)
	assert.Equal(t, http.StatusUnauthorized, w.Result().StatusCode())
}

func TestPay_Endpoints(t *testing.T) {
	engine, bearer := authEngine(t)
	auth := ut.Header{Key: "Authorization", Value: bearer}
	jsonType := ut.Header{Key: "Content-Type", Value: "application/json"}

	create := []byte(`{"out_trade_no":"O1","description":"会员充值","amount":990,"openid":"openid-1"}`)
	w := ut.PerformRequest(engine, http.MethodPost, "/pay/create-payment",
		&ut.Body{Body: bytes.NewReader(create), Len: len(create)}, jsonType, auth)
	require.Equal(t, http.StatusOK, w.Result().StatusCode())
	data := decode(t, w.Result().Body())["data"].(map[string]interface{})
	assert.Equal(t, "wx-prepay-O1", data["prepay_id"])
	assert.Equal(t, "prepay_id=wx-prepay-O1", data["request_payment"].(map[string]interface{})["package"])

	invalid := []byte(`{"out_trade_no":"O1","description":"d","amount":0,"openid":"o"}`)
	w = ut.PerformRequest(engine, http.MethodPost, "/pay/create-payment",
		&ut.Body{Body: bytes.NewReader(invalid), Len: len(invalid)}, jsonType, auth)
	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode())
	assert.Equal(t, "INVALID_REQUEST", decode(t, w.Result().Body())["error"].(map[string]interface{})["code"])

	w = ut.PerformRequest(engine, http.MethodPost, "/pay/close-order/O1", nil, auth)
	assert.Equal(t, http.StatusNoContent, w.Result().StatusCode())

	w = ut.PerformRequest(engine, http.MethodGet, "/pay/refund/R9", nil, auth)
	assert.Equal(t, http.StatusBadGateway, w.Result().StatusCode())
	errBody := decode(t, w.Result().Body())["error"].(map[string]interface{})
	assert.Equal(t, "PLATFORM_REQUEST_FAILED", errBody["code"])
	details := errBody["details"].(map[string]interface{})
	assert.Equal(t, "RESOURCE_NOT_EXISTS", details["platform_code"])
	assert.Equal(t, "req-1", details["request_id"])
}

func TestPay_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := ri.NewClient(&ri.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limit := middleware.RateLimitConfig{Window: 60, MaxRequests: 2, KeyPrefix: "rate:pay:test", BlockDuration: 60}
	engine, bearer := authEngine(t, middleware.RateLimitMiddleware(limit, client))
	auth := ut.Header{Key: "Authorization", Value: bearer}

	for i := 0; i < 2; i++ {
		w := ut.PerformRequest(engine, http.MethodPost, "/pay/close-order/O1", nil, auth)
		require.Equal(t, http.StatusNoContent, w.Result().StatusCode())
		assert.Equal(t, "2", string(w.Result().Header.Peek("X-RateLimit-Limit")))
	}

	w := ut.PerformRequest(engine, http.MethodPost, "/pay/close-order/O1", nil, auth)
	assert.Equal(t, http.StatusTooManyRequests, w.Result().StatusCode())

	// 被阻塞期间直接拒绝
	w = ut.PerformRequest(engine, http.MethodPost, "/pay/close-order/O1", nil, auth)
	assert.Equal(t, http.StatusTooManyRequests, w.Result().StatusCode())
}
