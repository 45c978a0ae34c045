package notify

import (
	"encoding/json"
	"fmt"

	"WxPayGateway/internal/model"
	"WxPayGateway/pkg/errors"
)

// ParseEnvelope 解析通知外层，缺少 resource 视为报文错误
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.MalformedPayload, err)
	}

	if env.Resource == nil || env.Resource.Ciphertext == "" {
		return nil, fmt.Errorf("%w: missing resource", errors.MalformedPayload)
	}

	return &env, nil
}

// Decode 解密并按 original_type 解码为对应结果，类型必须与入口一致
func (d *Decryptor) Decode(kind model.EventKind, env *Envelope) (*model.DecodedPayload, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown event kind %q", errors.MalformedPayload, kind)
	}
	if env == nil || env.Resource == nil {
		return nil, fmt.Errorf("%w: missing resource", errors.MalformedPayload)
	}

	originalType := env.Resource.OriginalType
	if originalType == "" {
		originalType = kind.ResourceType()
	}
	if originalType != kind.ResourceType() {
		return nil, fmt.Errorf("%w: %s endpoint received %q resource", errors.MalformedPayload, kind, originalType)
	}

	plaintext, err := d.Decrypt(*env.Resource)
	if err != nil {
		return nil, err
	}

	payload := &model.DecodedPayload{Kind: kind, Raw: json.RawMessage(plaintext)}

	switch kind {
	case model.EventKindPayment:
		var result model.PaymentResult
		if err := json.Unmarshal(plaintext, &result); err != nil {
			return nil, fmt.Errorf("%w: transaction: %v", errors.MalformedPayload, err)
		}
		if result.OutTradeNo == "" || result.TransactionID == "" {
			return nil, fmt.Errorf("%w: transaction missing out_trade_no or transaction_id", errors.MalformedPayload)
		}
		payload.Payment = &result

	case model.EventKindRefund:
		var result model.RefundResult
		if err := json.Unmarshal(plaintext, &result); err != nil {
			return nil, fmt.Errorf("%w: refund: %v", errors.MalformedPayload, err)
		}
		if result.OutRefundNo == "" || result.RefundID == "" {
			return nil, fmt.Errorf("%w: refund missing out_refund_no or refund_id", errors.MalformedPayload)
		}
		payload.Refund = &result
	}

	return payload, nil
}
