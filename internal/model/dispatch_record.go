package model

import (
	"time"

	"gorm.io/datatypes"
)

// ForwardState 转发状态
type ForwardState string

const (
	ForwardStatePending   ForwardState = "pending"   // 待转发 / 等待重试
	ForwardStateForwarded ForwardState = "forwarded" // 业务后端已确认
	ForwardStateFailed    ForwardState = "failed"    // 后台重试次数耗尽
)

// DispatchRecord 转发记录，按幂等键唯一
type DispatchRecord struct {
	ID             int64          `gorm:"primaryKey;autoIncrement:false" json:"id"`
	IdempotencyKey string         `gorm:"type:varchar(191);uniqueIndex;not null" json:"idempotency_key"`
	Kind           EventKind      `gorm:"type:varchar(16);not null" json:"kind"`
	Payload        datatypes.JSON `gorm:"not null" json:"payload"`
	ForwardState   ForwardState   `gorm:"type:varchar(16);not null;index:idx_dispatch_records_due,priority:1" json:"forward_state"`
	Attempts       int            `gorm:"not null;default:0" json:"attempts"`
	LastError      string         `gorm:"type:text" json:"last_error,omitempty"`
	FirstSeenAt    time.Time      `gorm:"not null" json:"first_seen_at"`
	NextAttemptAt  time.Time      `gorm:"not null;index:idx_dispatch_records_due,priority:2" json:"next_attempt_at"`
	ExpiresAt      time.Time      `gorm:"not null;index" json:"expires_at"`
	ForwardedAt    *time.Time     `json:"forwarded_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (DispatchRecord) TableName() string {
	return "dispatch_records"
}

func (r *DispatchRecord) IsForwarded() bool {
	return r.ForwardState == ForwardStateForwarded
}

func (r *DispatchRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
