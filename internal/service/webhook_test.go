package service

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"WxPayGateway/internal/certificate"
	"WxPayGateway/internal/dispatch"
	"WxPayGateway/internal/model"
	"WxPayGateway/internal/notify"
	"WxPayGateway/internal/repository"
	"WxPayGateway/pkg/errors"
)

const (
	testAPIv3Key = "0123456789abcdef0123456789abcdef"
	testSerial   = "5157F09EFDC096DE"
)

var (
	keyOnce     sync.Once
	platformKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		platformKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return platformKey
}

type countingFetcher struct {
	calls atomic.Int32
}

func (f *countingFetcher) FetchCertificates(ctx context.Context) ([]certificate.PlatformCertificate, error) {
	f.calls.Add(1)
	return nil, nil
}

// gateway 串起真实的验签、解密与分发，只把业务后端换成 httptest
type gateway struct {
	service  *WebhookService
	repo     *repository.MemoryDispatchRepository
	fetcher  *countingFetcher
	backend  *httptest.Server
	hits     atomic.Int32
	delay    atomic.Int64
	sealer   *notify.Decryptor
	received chan map[string]interface{}
}

func newGateway(t *testing.T) *gateway {
	g := &gateway{
		repo:     repository.NewMemoryDispatchRepository(),
		fetcher:  &countingFetcher{},
		received: make(chan map[string]interface{}, 16),
	}

	g.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.hits.Add(1)
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.received <- body
		if d := time.Duration(g.delay.Load()); d > 0 {
			time.Sleep(d)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(g.backend.Close)

	store := certificate.NewStore(g.fetcher, certificate.Options{})
	store.Seed(certificate.PlatformCertificate{
		SerialNumber: testSerial,
		PublicKey:    &signingKey(t).PublicKey,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	})

	decryptor, err := notify.NewDecryptor(testAPIv3Key)
	require.NoError(t, err)
	g.sealer = decryptor

	forwarder, err := dispatch.NewHTTPForwarder(dispatch.ForwarderOptions{
		URL:     g.backend.URL + "/api/v1/orders/callback",
		Token:   "secret",
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	var seq atomic.Int64
	dispatcher := dispatch.NewDispatcher(g.repo, dispatch.NewKeyedLocker(), forwarder, nil, dispatch.Options{
		NextID: func() (int64, error) { return seq.Add(1), nil },
	})

	g.service = NewWebhookService(notify.NewVerifier(store, notify.VerifierOptions{}), decryptor, dispatcher)
	return g
}

func (g *gateway) notification(t *testing.T, at time.Time, originalType string, resource interface{}) notify.InboundNotification {
	plaintext, err := json.Marshal(resource)
	require.NoError(t, err)
	sealed, err := g.sealer.Seal(plaintext, "fdasflkjdasf", originalType, originalType)
	require.NoError(t, err)

	body, err := json.Marshal(notify.Envelope{
		ID:           "EV-2018022511223320873",
		CreateTime:   at.Format(time.RFC3339),
		EventType:    "TRANSACTION.SUCCESS",
		ResourceType: "encrypt-resource",
		Summary:      "支付成功",
		Resource:     &sealed,
	})
	require.NoError(t, err)

	return signed(t, testSerial, at, body)
}

func signed(t *testing.T, serial string, at time.Time, body []byte) notify.InboundNotification {
	ts := strconv.FormatInt(at.Unix(), 10)
	nonce := "fdasfjihihihlkja484w"
	digest := sha256.Sum256(notify.BuildMessage(ts, nonce, body))
	sig, err := rsa.SignPKCS1v15(rand.Reader, signingKey(t), crypto.SHA256, digest[:])
	require.NoError(t, err)

	return notify.InboundNotification{
		SerialNumber: serial,
		Signature:    base64.StdEncoding.EncodeToString(sig),
		Timestamp:    ts,
		Nonce:        nonce,
		Body:         body,
	}
}

func transaction(outTradeNo, transactionID string) map[string]interface{} {
	return map[string]interface{}{
		"appid":          "wx8888888888888888",
		"mchid":          "1900000001",
		"out_trade_no":   outTradeNo,
		"transaction_id": transactionID,
		"trade_type":     "JSAPI",
		"trade_state":    "SUCCESS",
		"payer":          map[string]interface{}{"openid": "oUpF8uMuAJO_M2pxb1Q9zNjWeS6o"},
		"amount":         map[string]interface{}{"total": 100, "payer_total": 100, "currency": "CNY"},
	}
}

func TestWebhook_DuplicateDeliveryForwardsOnce(t *testing.T) {
	g := newGateway(t)
	n := g.notification(t, time.Now(), model.ResourceTypeTransaction, transaction("ORDER1", "4200000001"))

	first := g.service.Handle(context.Background(), model.EventKindPayment, n)
	second := g.service.Handle(context.Background(), model.EventKindPayment, n)

	assert.Equal(t, model.AckSuccess(), first)
	assert.Equal(t, model.AckSuccess(), second)
	assert.Equal(t, int32(1), g.hits.Load())

	body := <-g.received
	assert.Equal(t, "ORDER1", body["order_no"])
	assert.Equal(t, "4200000001", body["payment_id"])
	assert.Equal(t, "SUCCESS", body["status"])
	assert.Equal(t, float64(100), body["amount"])
}

func TestWebhook_RefundForwarded(t *testing.T) {
	g := newGateway(t)
	n := g.notification(t, time.Now(), model.ResourceTypeRefund, map[string]interface{}{
		"out_trade_no":   "ORDER1",
		"transaction_id": "4200000001",
		"out_refund_no":  "R1",
		"refund_id":      "50000000382019052709732678859",
		"refund_status":  "SUCCESS",
		"amount":         map[string]interface{}{"total": 100, "refund": 100},
	})

	ack := g.service.Handle(context.Background(), model.EventKindRefund, n)
	require.Equal(t, model.AckSuccess(), ack)

	body := <-g.received
	assert.Equal(t, "refund", body["type"])
	data, ok := body["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "R1", data["out_refund_no"])
}

func TestWebhook_StaleTimestamp(t *testing.T) {
	g := newGateway(t)
	n := g.notification(t, time.Now().Add(-301*time.Second), model.ResourceTypeTransaction, transaction("ORDER1", "4200000001"))

	ack := g.service.Handle(context.Background(), model.EventKindPayment, n)
	assert.Equal(t, model.AckCodeFail, ack.Code)
	assert.Equal(t, int32(0), g.hits.Load())
	assert.Equal(t, int32(0), g.fetcher.calls.Load())
}

func TestWebhook_TamperedBody(t *testing.T) {
	g := newGateway(t)
	n := g.notification(t, time.Now(), model.ResourceTypeTransaction, transaction("ORDER1", "4200000001"))
	n.Body = append([]byte(nil), n.Body...)
	n.Body[len(n.Body)-2] ^= 0x01

	ack := g.service.Handle(context.Background(), model.EventKindPayment, n)
	assert.Equal(t, model.AckCodeFail, ack.Code)
	assert.Equal(t, int32(0), g.hits.Load())
}

func TestWebhook_UnknownSerialRefreshesOnce(t *testing.T) {
	g := newGateway(t)
	n := g.notification(t, time.Now(), model.ResourceTypeTransaction, transaction("ORDER1", "4200000001"))
	n.SerialNumber = "7132D72A03E93CDDF8C03BBD1F37EEDF"

	ack := g.service.Handle(context.Background(), model.EventKindPayment, n)
	assert.Equal(t, model.AckCodeFail, ack.Code)
	assert.Equal(t, int32(1), g.fetcher.calls.Load())
}

func TestWebhook_BackendTimeoutStillSucceeds(t *testing.T) {
	g := newGateway(t)
	g.delay.Store(int64(300 * time.Millisecond))
	n := g.notification(t, time.Now(), model.ResourceTypeTransaction, transaction("ORDER1", "4200000001"))

	ack := g.service.Handle(context.Background(), model.EventKindPayment, n)
	assert.Equal(t, model.AckSuccess(), ack)

	record, err := g.repo.Get(context.Background(), "payment:ORDER1:4200000001")
	require.NoError(t, err)
	assert.Equal(t, model.ForwardStatePending, record.ForwardState)
	assert.Equal(t, 1, record.Attempts)
}

func TestWebhook_WrongKeyFailsDecryption(t *testing.T) {
	g := newGateway(t)
	other, err := notify.NewDecryptor("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	g.sealer = other
	n := g.notification(t, time.Now(), model.ResourceTypeTransaction, transaction("ORDER1", "4200000001"))

	ack := g.service.Handle(context.Background(), model.EventKindPayment, n)
	assert.Equal(t, model.AckCodeFail, ack.Code)
	assert.Contains(t, ack.Message, errors.DecryptionFailed.Message)
}

func TestWebhook_RefundEndpointRejectsTransaction(t *testing.T) {
	g := newGateway(t)
	n := g.notification(t, time.Now(), model.ResourceTypeTransaction, transaction("ORDER1", "4200000001"))

	ack := g.service.Handle(context.Background(), model.EventKindRefund, n)
	assert.Equal(t, model.AckCodeFail, ack.Code)
	assert.Equal(t, int32(0), g.hits.Load())
}

func TestWebhook_MalformedEnvelope(t *testing.T) {
	g := newGateway(t)
	n := signed(t, testSerial, time.Now(), []byte(`{"id":"EV-1"}`))

	ack := g.service.Handle(context.Background(), model.EventKindPayment, n)
	assert.Equal(t, model.AckCodeFail, ack.Code)
	assert.Contains(t, ack.Message, errors.MalformedPayload.Message)
}

type mockVerifier struct{ mock.Mock }

func (m *mockVerifier) Verify(ctx context.Context, n notify.InboundNotification) error {
	return m.Called(ctx, n).Error(0)
}

type mockDecoder struct{ mock.Mock }

func (m *mockDecoder) Decode(kind model.EventKind, env *notify.Envelope) (*model.DecodedPayload, error) {
	args := m.Called(kind, env)
	payload, _ := args.Get(0).(*model.DecodedPayload)
	return payload, args.Error(1)
}

type mockDispatcher struct{ mock.Mock }

func (m *mockDispatcher) Process(ctx context.Context, payload *model.DecodedPayload) (dispatch.Outcome, error) {
	args := m.Called(ctx, payload)
	return args.Get(0).(dispatch.Outcome), args.Error(1)
}

func decodedPayment(t *testing.T) *model.DecodedPayload {
	payload, err := model.RestorePayload(model.EventKindPayment, []byte(`{"out_trade_no":"O1","transaction_id":"T1","trade_state":"SUCCESS"}`))
	require.NoError(t, err)
	return payload
}

func envelopeBody() []byte {
	return []byte(`{"id":"EV-1","resource":{"algorithm":"AEAD_AES_256_GCM","ciphertext":"abc","nonce":"n","associated_data":"a"}}`)
}

func TestWebhook_StoreUnavailableAnswersFail(t *testing.T) {
	verifier, decoder, dispatcher := &mockVerifier{}, &mockDecoder{}, &mockDispatcher{}
	payload := decodedPayment(t)
	verifier.On("Verify", mock.Anything, mock.Anything).Return(nil)
	decoder.On("Decode", model.EventKindPayment, mock.Anything).Return(payload, nil)
	dispatcher.On("Process", mock.Anything, payload).
		Return(dispatch.Outcome(""), fmt.Errorf("%w: connection refused", errors.DispatchStoreUnavailable))

	svc := NewWebhookService(verifier, decoder, dispatcher)
	ack := svc.Handle(context.Background(), model.EventKindPayment, notify.InboundNotification{Body: envelopeBody()})

	assert.Equal(t, model.AckCodeFail, ack.Code)
	dispatcher.AssertExpectations(t)
}

func TestWebhook_EveryOutcomeAnswersSuccess(t *testing.T) {
	for _, outcome := range []dispatch.Outcome{dispatch.OutcomeForwarded, dispatch.OutcomeAlreadyForwarded, dispatch.OutcomeQueuedForRetry} {
		t.Run(string(outcome), func(t *testing.T) {
			verifier, decoder, dispatcher := &mockVerifier{}, &mockDecoder{}, &mockDispatcher{}
			payload := decodedPayment(t)
			verifier.On("Verify", mock.Anything, mock.Anything).Return(nil)
			decoder.On("Decode", model.EventKindPayment, mock.Anything).Return(payload, nil)
			dispatcher.On("Process", mock.Anything, payload).Return(outcome, nil)

			svc := NewWebhookService(verifier, decoder, dispatcher)
			ack := svc.Handle(context.Background(), model.EventKindPayment, notify.InboundNotification{Body: envelopeBody()})
			assert.Equal(t, model.AckSuccess(), ack)
		})
	}
}

func TestWebhook_PanicBeforeDecodeAnswersFail(t *testing.T) {
	verifier, decoder, dispatcher := &mockVerifier{}, &mockDecoder{}, &mockDispatcher{}
	verifier.On("Verify", mock.Anything, mock.Anything).Return(nil)
	decoder.On("Decode", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		panic("nil resource")
	})

	svc := NewWebhookService(verifier, decoder, dispatcher)
	ack := svc.Handle(context.Background(), model.EventKindPayment, notify.InboundNotification{Body: envelopeBody()})

	assert.Equal(t, model.AckCodeFail, ack.Code)
	dispatcher.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}
