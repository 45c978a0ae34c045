package notify

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"WxPayGateway/internal/certificate"
	"WxPayGateway/pkg/errors"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return testKey
}

func sign(t *testing.T, key *rsa.PrivateKey, ts, nonce string, body []byte) string {
	t.Helper()
	digest := sha256.Sum256(BuildMessage(ts, nonce, body))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

type fakeResolver struct {
	certs map[string]*certificate.PlatformCertificate
	calls int
}

func (r *fakeResolver) Resolve(ctx context.Context, serial string) (*certificate.PlatformCertificate, error) {
	r.calls++
	if c, ok := r.certs[serial]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: serial %s", errors.UnknownCertificate, serial)
}

func newResolver(t *testing.T) *fakeResolver {
	return &fakeResolver{certs: map[string]*certificate.PlatformCertificate{
		"SERIAL1": {
			SerialNumber: "SERIAL1",
			PublicKey:    &rsaKey(t).PublicKey,
			NotAfter:     time.Now().Add(time.Hour),
		},
	}}
}

func signedNotification(t *testing.T, now time.Time, body []byte) InboundNotification {
	ts := strconv.FormatInt(now.Unix(), 10)
	nonce := "5K8264ILTKCH16CQ2502SI8ZNMTM67VS"
	return InboundNotification{
		SerialNumber: "SERIAL1",
		Signature:    sign(t, rsaKey(t), ts, nonce, body),
		Timestamp:    ts,
		Nonce:        nonce,
		Body:         body,
	}
}

func TestBuildMessage(t *testing.T) {
	msg := BuildMessage("1554208460", "593BEC0C930BF1AFEB40B4A08C8FB242", []byte(`{"id":"1"}`))
	assert.Equal(t, "1554208460\n593BEC0C930BF1AFEB40B4A08C8FB242\n{\"id\":\"1\"}\n", string(msg))
}

func TestVerifier_ValidSignature(t *testing.T) {
	now := time.Now()
	v := NewVerifier(newResolver(t), VerifierOptions{Now: func() time.Time { return now }})

	n := signedNotification(t, now, []byte(`{"id":"EV-2018022511223320873","event_type":"TRANSACTION.SUCCESS"}`))
	assert.NoError(t, v.Verify(context.Background(), n))
}

func TestVerifier_AnyFlippedBodyByteFails(t *testing.T) {
	now := time.Now()
	v := NewVerifier(newResolver(t), VerifierOptions{Now: func() time.Time { return now }})

	body := []byte(`{"id":"EV-1","resource":{"ciphertext":"abc"}}`)
	n := signedNotification(t, now, body)

	for i := range body {
		tampered := make([]byte, len(body))
		copy(tampered, body)
		tampered[i] ^= 0x01

		forged := n
		forged.Body = tampered
		err := v.Verify(context.Background(), forged)
		require.Errorf(t, err, "byte %d flipped but signature verified", i)
		assert.True(t, stderrors.Is(err, errors.SignatureInvalid))
	}
}

func TestVerifier_BodyIsNotReencoded(t *testing.T) {
	now := time.Now()
	v := NewVerifier(newResolver(t), VerifierOptions{Now: func() time.Time { return now }})

	// 带空白与换行的原始报文也必须按字节验签
	body := []byte("{\n  \"id\" : \"EV-1\"\n}")
	assert.NoError(t, v.Verify(context.Background(), signedNotification(t, now, body)))
}

func TestVerifier_StaleTimestamp(t *testing.T) {
	now := time.Now()
	resolver := newResolver(t)
	v := NewVerifier(resolver, VerifierOptions{Window: 300 * time.Second, Now: func() time.Time { return now }})

	body := []byte(`{"id":"EV-1"}`)

	stale := signedNotification(t, now.Add(-301*time.Second), body)
	err := v.Verify(context.Background(), stale)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.StaleTimestamp))
	assert.Equal(t, 0, resolver.calls, "stale notification must not resolve certificates")

	future := signedNotification(t, now.Add(301*time.Second), body)
	assert.True(t, stderrors.Is(v.Verify(context.Background(), future), errors.StaleTimestamp))

	edge := signedNotification(t, now.Add(-300*time.Second), body)
	assert.NoError(t, v.Verify(context.Background(), edge))

	// 远超窗口的时间戳，秒数换算成 Duration 会溢出
	resolved := resolver.calls
	for _, ts := range []int64{
		now.Unix() + 18446744074,
		now.Unix() - 18446744074,
		now.Unix() + 36893488148,
		math.MaxInt64,
		math.MinInt64,
	} {
		n := signedNotification(t, now, body)
		n.Timestamp = strconv.FormatInt(ts, 10)
		n.Signature = sign(t, rsaKey(t), n.Timestamp, n.Nonce, n.Body)
		err := v.Verify(context.Background(), n)
		assert.True(t, stderrors.Is(err, errors.StaleTimestamp), "timestamp %d", ts)
	}
	assert.Equal(t, resolved, resolver.calls)
}

func TestVerifier_MalformedTimestamp(t *testing.T) {
	v := NewVerifier(newResolver(t), VerifierOptions{})

	n := signedNotification(t, time.Now(), []byte(`{}`))
	n.Timestamp = "yesterday"
	assert.True(t, stderrors.Is(v.Verify(context.Background(), n), errors.StaleTimestamp))
}

func TestVerifier_UnknownCertificate(t *testing.T) {
	now := time.Now()
	v := NewVerifier(newResolver(t), VerifierOptions{Now: func() time.Time { return now }})

	n := signedNotification(t, now, []byte(`{}`))
	n.SerialNumber = "UNKNOWN"

	err := v.Verify(context.Background(), n)
	assert.True(t, stderrors.Is(err, errors.UnknownCertificate))
}

func TestVerifier_MissingHeaders(t *testing.T) {
	v := NewVerifier(newResolver(t), VerifierOptions{})

	n := signedNotification(t, time.Now(), []byte(`{}`))
	n.Signature = ""
	assert.True(t, stderrors.Is(v.Verify(context.Background(), n), errors.SignatureInvalid))
}

func TestVerifier_SignatureNotBase64(t *testing.T) {
	now := time.Now()
	v := NewVerifier(newResolver(t), VerifierOptions{Now: func() time.Time { return now }})

	n := signedNotification(t, now, []byte(`{}`))
	n.Signature = "%%%"
	assert.True(t, stderrors.Is(v.Verify(context.Background(), n), errors.SignatureInvalid))
}

func TestVerifier_WrongKey(t *testing.T) {
	now := time.Now()
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	resolver := newResolver(t)
	resolver.certs["SERIAL1"] = &certificate.PlatformCertificate{SerialNumber: "SERIAL1", PublicKey: &other.PublicKey}
	v := NewVerifier(resolver, VerifierOptions{Now: func() time.Time { return now }})

	err = v.Verify(context.Background(), signedNotification(t, now, []byte(`{}`)))
	assert.True(t, stderrors.Is(err, errors.SignatureInvalid))
}

func TestVerifier_VerifyResponse(t *testing.T) {
	now := time.Now()
	v := NewVerifier(newResolver(t), VerifierOptions{Now: func() time.Time { return now }})

	n := signedNotification(t, now, []byte(`{"prepay_id":"wx201410272009395522657a690389285100"}`))
	assert.NoError(t, v.VerifyResponse(context.Background(), n.SerialNumber, n.Signature, n.Timestamp, n.Nonce, n.Body))
}
