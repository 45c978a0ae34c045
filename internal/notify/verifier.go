package notify

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"WxPayGateway/internal/certificate"
	"WxPayGateway/pkg/errors"
)

const defaultReplayWindow = 300 * time.Second

// CertificateResolver 按序列号解析平台证书，未命中时允许一次刷新
type CertificateResolver interface {
	Resolve(ctx context.Context, serial string) (*certificate.PlatformCertificate, error)
}

type VerifierOptions struct {
	// |now - timestamp| 超过该值即视为重放
	Window time.Duration
	Now    func() time.Time
}

// Verifier 校验平台签名，失败即终态，不做重试
type Verifier struct {
	resolver CertificateResolver
	window   time.Duration
	now      func() time.Time
}

func NewVerifier(resolver CertificateResolver, opts VerifierOptions) *Verifier {
	if opts.Window <= 0 {
		opts.Window = defaultReplayWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Verifier{
		resolver: resolver,
		window:   opts.Window,
		now:      opts.Now,
	}
}

// Verify 顺序：头部完整 -> 时间窗口 -> 解析证书 -> RSA 验签
// 时间窗口先于证书解析，重放请求不会触发证书刷新
func (v *Verifier) Verify(ctx context.Context, n InboundNotification) error {
	if n.SerialNumber == "" || n.Signature == "" || n.Timestamp == "" || n.Nonce == "" {
		return fmt.Errorf("%w: missing signature headers", errors.SignatureInvalid)
	}

	if err := v.checkTimestamp(n.Timestamp); err != nil {
		return err
	}

	cert, err := v.resolver.Resolve(ctx, n.SerialNumber)
	if err != nil {
		return err
	}

	return VerifySignature(cert.PublicKey, n.Timestamp, n.Nonce, n.Body, n.Signature)
}

// VerifyResponse 校验平台同步接口的应答签名，规则与通知一致
func (v *Verifier) VerifyResponse(ctx context.Context, serial, signature, timestamp, nonce string, body []byte) error {
	return v.Verify(ctx, InboundNotification{
		SerialNumber: serial,
		Signature:    signature,
		Timestamp:    timestamp,
		Nonce:        nonce,
		Body:         body,
	})
}

func (v *Verifier) checkTimestamp(raw string) error {
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q is not unix seconds", errors.StaleTimestamp, raw)
	}

	// 按整秒比较区间边界，极端时间戳不会溢出
	now := v.now().Unix()
	window := int64(v.window / time.Second)
	if ts < now-window || ts > now+window {
		return fmt.Errorf("%w: timestamp %d outside %s of %d", errors.StaleTimestamp, ts, v.window, now)
	}

	return nil
}

// BuildMessage 待验签串：timestamp\nnonce\nbody\n，body 原样拼接
func BuildMessage(timestamp, nonce string, body []byte) []byte {
	msg := make([]byte, 0, len(timestamp)+len(nonce)+len(body)+3)
	msg = append(msg, timestamp...)
	msg = append(msg, '\n')
	msg = append(msg, nonce...)
	msg = append(msg, '\n')
	msg = append(msg, body...)
	msg = append(msg, '\n')
	return msg
}

// VerifySignature RSA PKCS#1 v1.5 / SHA-256
func VerifySignature(pub *rsa.PublicKey, timestamp, nonce string, body []byte, signature string) error {
	if pub == nil {
		return fmt.Errorf("%w: no public key", errors.SignatureInvalid)
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", errors.SignatureInvalid)
	}

	digest := sha256.Sum256(BuildMessage(timestamp, nonce, body))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("%w: %v", errors.SignatureInvalid, err)
	}

	return nil
}
