package notify

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"

	"WxPayGateway/pkg/errors"
)

const (
	AlgorithmAEADAES256GCM = "AEAD_AES_256_GCM"
	apiV3KeySize           = 32
)

// Decryptor 使用商户 APIv3 密钥做 AES-256-GCM 解密
type Decryptor struct {
	aead cipher.AEAD
}

func NewDecryptor(apiV3Key string) (*Decryptor, error) {
	if len(apiV3Key) != apiV3KeySize {
		return nil, fmt.Errorf("APIv3 key must be %d bytes, got %d", apiV3KeySize, len(apiV3Key))
	}

	block, err := aes.NewCipher([]byte(apiV3Key))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Decryptor{aead: aead}, nil
}

// Decrypt 任何失败都归为 DecryptionFailed，属于终态
func (d *Decryptor) Decrypt(r EncryptedResource) ([]byte, error) {
	if r.Algorithm != AlgorithmAEADAES256GCM {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", errors.DecryptionFailed, r.Algorithm)
	}

	if len(r.Nonce) != d.aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", errors.DecryptionFailed, d.aead.NonceSize())
	}

	ciphertext, err := base64.StdEncoding.DecodeString(r.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64", errors.DecryptionFailed)
	}

	if len(ciphertext) < d.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", errors.DecryptionFailed)
	}

	plaintext, err := d.aead.Open(nil, []byte(r.Nonce), ciphertext, []byte(r.AssociatedData))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", errors.DecryptionFailed)
	}

	return plaintext, nil
}

// Seal 与 Decrypt 对称，本地联调时构造通知报文
func (d *Decryptor) Seal(plaintext []byte, nonce, associatedData, originalType string) (EncryptedResource, error) {
	if len(nonce) != d.aead.NonceSize() {
		return EncryptedResource{}, fmt.Errorf("nonce must be %d bytes", d.aead.NonceSize())
	}

	sealed := d.aead.Seal(nil, []byte(nonce), plaintext, []byte(associatedData))
	return EncryptedResource{
		Algorithm:      AlgorithmAEADAES256GCM,
		Ciphertext:     base64.StdEncoding.EncodeToString(sealed),
		AssociatedData: associatedData,
		Nonce:          nonce,
		OriginalType:   originalType,
	}, nil
}
