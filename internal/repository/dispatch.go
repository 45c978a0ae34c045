package repository

import (
	"context"
	"time"

	"WxPayGateway/internal/model"
)

// FailureUpdate 一次转发失败后的记录变更，attempts 由存储层原子 +1
type FailureUpdate struct {
	LastError     string
	NextAttemptAt time.Time
	State         model.ForwardState // pending 或 failed
	// 熔断拒绝，后端未被调用，attempts 不变
	NotAttempted bool
}

// DispatchRepository 转发记录存储，实现必须并发安全
type DispatchRepository interface {
	// GetOrCreate 按幂等键原子地插入或取回已有记录
	GetOrCreate(ctx context.Context, record *model.DispatchRecord) (*model.DispatchRecord, bool, error)
	// Get 不存在时返回 errors.DispatchRecordNotFound
	Get(ctx context.Context, key string) (*model.DispatchRecord, error)
	// MarkForwarded 仅在尚未 forwarded 时更新，返回是否发生了状态迁移
	MarkForwarded(ctx context.Context, key string, at time.Time) (bool, error)
	RecordFailure(ctx context.Context, key string, update FailureUpdate) error
	// ListDue 到期且未过保留期的 pending 记录
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.DispatchRecord, error)
	// PurgeExpired 删除超过保留期的记录
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
