package platform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"WxPayGateway/internal/certificate"
	"WxPayGateway/internal/notify"
	"WxPayGateway/pkg/errors"
)

const certificatesPath = "/v3/certificates"

type certificatesResponse struct {
	Data []struct {
		SerialNo           string                   `json:"serial_no"`
		EffectiveTime      string                   `json:"effective_time"`
		ExpireTime         string                   `json:"expire_time"`
		EncryptCertificate notify.EncryptedResource `json:"encrypt_certificate"`
	} `json:"data"`
}

// FetchCertificates 实现 certificate.Fetcher。
// 应答用刚下载的证书验签，不经过证书仓库，避免刷新中再次触发刷新
func (c *Client) FetchCertificates(ctx context.Context) ([]certificate.PlatformCertificate, error) {
	resp, err := c.send(ctx, "certificates", consts.MethodGet, certificatesPath, nil, nil)
	if err != nil {
		return nil, err
	}

	var parsed certificatesResponse
	if err := json.Unmarshal(resp.body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode certificates response: %v", errors.CertificateFetchFailed, err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("%w: empty certificate list", errors.CertificateFetchFailed)
	}

	certs := make([]certificate.PlatformCertificate, 0, len(parsed.Data))
	for _, item := range parsed.Data {
		pemBytes, err := c.decryptor.Decrypt(item.EncryptCertificate)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate %s: %w", errors.CertificateFetchFailed, item.SerialNo, err)
		}

		cert, err := certificate.ParseCertificatePEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate %s: %v", errors.CertificateFetchFailed, item.SerialNo, err)
		}
		certs = append(certs, cert)
	}

	if err := verifyWithDownloaded(certs, resp); err != nil {
		return nil, err
	}

	return certs, nil
}

func verifyWithDownloaded(certs []certificate.PlatformCertificate, resp *response) error {
	serial := certificate.SerialString(resp.serial)
	for i := range certs {
		if certs[i].SerialNumber == serial {
			if err := notify.VerifySignature(certs[i].PublicKey, resp.timestamp, resp.nonce, resp.body, resp.signature); err != nil {
				return fmt.Errorf("%w: certificates response: %w", errors.CertificateFetchFailed, err)
			}
			return nil
		}
	}

	return fmt.Errorf("%w: certificates response signed by unknown serial %q", errors.CertificateFetchFailed, resp.serial)
}
