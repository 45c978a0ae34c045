package cache

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	ri "github.com/redis/go-redis/v9"

	"WxPayGateway/internal/certificate"
)

const (
	certificatePrefix = "cert"
	certificateKey    = "platform"
)

type certificateEntry struct {
	SerialNumber string    `json:"serial_no"`
	PublicKey    string    `json:"public_key"` // base64 PKIX DER
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
}

// CertificateSnapshot 在 Redis 中共享已下载的平台证书，实现 certificate.Snapshot
type CertificateSnapshot struct {
	cache *ProtectedCache
}

func NewCertificateSnapshot(client *ri.Client, ttl time.Duration) *CertificateSnapshot {
	return &CertificateSnapshot{cache: NewProtectedCache(client, certificatePrefix, ttl)}
}

func (s *CertificateSnapshot) Save(ctx context.Context, certs []certificate.PlatformCertificate) error {
	if len(certs) == 0 {
		return s.cache.Set(ctx, certificateKey, nil)
	}

	entries := make([]certificateEntry, 0, len(certs))
	for _, c := range certs {
		der, err := x509.MarshalPKIXPublicKey(c.PublicKey)
		if err != nil {
			return fmt.Errorf("failed to marshal public key %s: %w", c.SerialNumber, err)
		}
		entries = append(entries, certificateEntry{
			SerialNumber: c.SerialNumber,
			PublicKey:    base64.StdEncoding.EncodeToString(der),
			NotBefore:    c.NotBefore,
			NotAfter:     c.NotAfter,
		})
	}

	return s.cache.Set(ctx, certificateKey, entries)
}

func (s *CertificateSnapshot) Load(ctx context.Context) ([]certificate.PlatformCertificate, error) {
	var entries []certificateEntry
	if _, err := s.cache.Get(ctx, certificateKey, &entries); err != nil {
		return nil, err
	}

	certs := make([]certificate.PlatformCertificate, 0, len(entries))
	for _, e := range entries {
		der, err := base64.StdEncoding.DecodeString(e.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("invalid snapshot key for %s: %w", e.SerialNumber, err)
		}
		pub, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return nil, fmt.Errorf("invalid snapshot key for %s: %w", e.SerialNumber, err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("snapshot key for %s is not RSA", e.SerialNumber)
		}
		certs = append(certs, certificate.PlatformCertificate{
			SerialNumber: e.SerialNumber,
			PublicKey:    rsaPub,
			NotBefore:    e.NotBefore,
			NotAfter:     e.NotAfter,
		})
	}

	return certs, nil
}
