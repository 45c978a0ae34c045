package model

// DispatchRetryMessage 转发重试延迟消息
type DispatchRetryMessage struct {
	MessageID      string `json:"message_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Attempt        int    `json:"attempt"`
	ScheduledAt    string `json:"scheduled_at"`
	DelaySeconds   int    `json:"delay_seconds"`
}
