package platform

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const authorizationSchema = "WECHATPAY2-SHA256-RSA2048"

// Signer 商户私钥签名
type Signer struct {
	mchID    string
	serialNo string
	key      *rsa.PrivateKey
	now      func() time.Time
	nonce    func() string
}

func NewSigner(mchID, serialNo string, key *rsa.PrivateKey) *Signer {
	return &Signer{
		mchID:    mchID,
		serialNo: serialNo,
		key:      key,
		now:      time.Now,
		nonce:    NonceStr,
	}
}

// LoadPrivateKey 读取 apiclient_key.pem，支持 PKCS#8 与 PKCS#1
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read merchant private key: %w", err)
	}
	return ParsePrivateKeyPEM(data)
}

func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("merchant private key is not PEM")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("merchant private key is not RSA")
		}
		return rsaKey, nil
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse merchant private key: %w", err)
	}
	return key, nil
}

// Sign SHA256withRSA，结果 base64
func (s *Signer) Sign(message []byte) (string, error) {
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Authorization 请求签名串：METHOD\nURL\ntimestamp\nnonce\nbody\n，URL 含查询串
func (s *Signer) Authorization(method, canonicalURL string, body []byte) (string, error) {
	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	nonce := s.nonce()

	var sb strings.Builder
	sb.WriteString(method)
	sb.WriteByte('\n')
	sb.WriteString(canonicalURL)
	sb.WriteByte('\n')
	sb.WriteString(timestamp)
	sb.WriteByte('\n')
	sb.WriteString(nonce)
	sb.WriteByte('\n')
	sb.Write(body)
	sb.WriteByte('\n')

	signature, err := s.Sign([]byte(sb.String()))
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`%s mchid="%s",nonce_str="%s",signature="%s",timestamp="%s",serial_no="%s"`,
		authorizationSchema, s.mchID, nonce, signature, timestamp, s.serialNo), nil
}

// NonceStr 32 位随机串
func NonceStr() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
