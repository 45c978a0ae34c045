package model

const (
	AckCodeSuccess = "SUCCESS"
	AckCodeFail    = "FAIL"
)

// NotifyAck 返回给支付平台的应答，HTTP 状态恒为 200
type NotifyAck struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func AckSuccess() NotifyAck {
	return NotifyAck{Code: AckCodeSuccess, Message: "成功"}
}

func AckFail(message string) NotifyAck {
	return NotifyAck{Code: AckCodeFail, Message: message}
}

func (a NotifyAck) Succeeded() bool {
	return a.Code == AckCodeSuccess
}
