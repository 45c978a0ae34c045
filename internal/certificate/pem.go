package certificate

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// LoadCertificateFile 读取 PEM 格式的平台证书
func LoadCertificateFile(path string) (PlatformCertificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PlatformCertificate{}, fmt.Errorf("failed to read certificate file: %w", err)
	}
	return ParseCertificatePEM(data)
}

func ParseCertificatePEM(data []byte) (PlatformCertificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return PlatformCertificate{}, fmt.Errorf("no PEM certificate block found")
	}
	return ParseCertificateDER(block.Bytes)
}

func ParseCertificateDER(der []byte) (PlatformCertificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return PlatformCertificate{}, fmt.Errorf("failed to parse certificate: %w", err)
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return PlatformCertificate{}, fmt.Errorf("certificate %X does not carry an RSA public key", cert.SerialNumber)
	}

	return PlatformCertificate{
		SerialNumber: SerialString(fmt.Sprintf("%X", cert.SerialNumber)),
		PublicKey:    pub,
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	}, nil
}

// SerialString 平台序列号统一为不带前导零的大写十六进制
func SerialString(serial string) string {
	serial = strings.ToUpper(strings.TrimSpace(serial))
	trimmed := strings.TrimLeft(serial, "0")
	if trimmed == "" && serial != "" {
		return "0"
	}
	return trimmed
}
