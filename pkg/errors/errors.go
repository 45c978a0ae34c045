package errors

import stderrors "errors"

func (d Definition) Error() string {
	return d.Message
}

// Definition 表示业务错误码及默认信息。
// 值类型可比较，errors.Is 可以直接匹配包装后的错误。
type Definition struct {
	Code    string
	Message string
}

// 通知鉴权错误，终态，向平台回 FAIL。
var (
	UnknownCertificate = Definition{Code: "UNKNOWN_CERTIFICATE", Message: "Platform certificate not found"}
	SignatureInvalid   = Definition{Code: "SIGNATURE_INVALID", Message: "Signature invalid"}
	StaleTimestamp     = Definition{Code: "STALE_TIMESTAMP", Message: "Notification timestamp outside replay window"}
)

// 通知解码错误，终态，向平台回 FAIL。
var (
	DecryptionFailed = Definition{Code: "DECRYPTION_FAILED", Message: "Resource decryption failed"}
	MalformedPayload = Definition{Code: "MALFORMED_PAYLOAD", Message: "Malformed notification payload"}
)

// 转发错误，内部吸收，向平台回 SUCCESS。
var (
	BackendUnavailable = Definition{Code: "BACKEND_UNAVAILABLE", Message: "Business backend unavailable"}
	BackendRejected    = Definition{Code: "BACKEND_REJECTED", Message: "Business backend rejected update"}
)

// 基础设施错误。
var (
	CertificateFetchFailed   = Definition{Code: "CERTIFICATE_FETCH_FAILED", Message: "Platform certificate fetch failed"}
	DispatchStoreUnavailable = Definition{Code: "DISPATCH_STORE_UNAVAILABLE", Message: "Dispatch record store unavailable"}
	DispatchRecordNotFound   = Definition{Code: "DISPATCH_RECORD_NOT_FOUND", Message: "Dispatch record not found"}
)

// 支付代理接口错误。
var (
	InvalidRequest        = Definition{Code: "INVALID_REQUEST", Message: "Invalid request"}
	PlatformRequestFailed = Definition{Code: "PLATFORM_REQUEST_FAILED", Message: "Payment platform request failed"}
	Unauthorized          = Definition{Code: "UNAUTHORIZED", Message: "Unauthorized"}
	TooManyRequests       = Definition{Code: "TOO_MANY_REQUESTS", Message: "Too many requests"}
	MerchantNotConfigured = Definition{Code: "MERCHANT_NOT_CONFIGURED", Message: "Merchant credentials not configured"}
)

// Lookup 提供错误码查询能力。
var Lookup = map[string]Definition{
	UnknownCertificate.Code:       UnknownCertificate,
	SignatureInvalid.Code:         SignatureInvalid,
	StaleTimestamp.Code:           StaleTimestamp,
	DecryptionFailed.Code:         DecryptionFailed,
	MalformedPayload.Code:         MalformedPayload,
	BackendUnavailable.Code:       BackendUnavailable,
	BackendRejected.Code:          BackendRejected,
	CertificateFetchFailed.Code:   CertificateFetchFailed,
	DispatchStoreUnavailable.Code: DispatchStoreUnavailable,
	DispatchRecordNotFound.Code:   DispatchRecordNotFound,
	InvalidRequest.Code:           InvalidRequest,
	PlatformRequestFailed.Code:    PlatformRequestFailed,
	Unauthorized.Code:             Unauthorized,
	TooManyRequests.Code:          TooManyRequests,
	MerchantNotConfigured.Code:    MerchantNotConfigured,
}

// Get 根据错误码返回 Definition，若不存在则返回空 Definition。
func Get(code string) Definition {
	if def, ok := Lookup[code]; ok {
		return def
	}
	return Definition{Code: code, Message: "Unexpected error"}
}

// As 取出错误链上的 Definition
func As(err error) (Definition, bool) {
	var def Definition
	if stderrors.As(err, &def) {
		return def, true
	}
	return Definition{}, false
}

// CodeOf 返回错误链上的错误码，未知错误归为 INTERNAL_ERROR
func CodeOf(err error) string {
	if def, ok := As(err); ok {
		return def.Code
	}
	return "INTERNAL_ERROR"
}

func IsAuthenticationFailure(err error) bool {
	return stderrors.Is(err, UnknownCertificate) ||
		stderrors.Is(err, SignatureInvalid) ||
		stderrors.Is(err, StaleTimestamp)
}

func IsDecodingFailure(err error) bool {
	return stderrors.Is(err, DecryptionFailed) || stderrors.Is(err, MalformedPayload)
}

func IsForwardingFailure(err error) bool {
	return stderrors.Is(err, BackendUnavailable) || stderrors.Is(err, BackendRejected)
}

// SkipMessageError 消费者确认并丢弃消息，不再重新入队
type SkipMessageError struct {
	Reason string
}

func (e *SkipMessageError) Error() string {
	return "skip message: " + e.Reason
}

func IsSkipMessageError(err error) bool {
	var skip *SkipMessageError
	return stderrors.As(err, &skip)
}
