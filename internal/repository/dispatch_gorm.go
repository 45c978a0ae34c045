package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/dbresolver"

	"WxPayGateway/internal/model"
	"WxPayGateway/pkg/errors"
)

// GormDispatchRepository 基于 PostgreSQL 的转发记录表
type GormDispatchRepository struct {
	db *gorm.DB
}

func NewGormDispatchRepository(db *gorm.DB) *GormDispatchRepository {
	return &GormDispatchRepository{db: db}
}

func (r *GormDispatchRepository) GetOrCreate(ctx context.Context, record *model.DispatchRecord) (*model.DispatchRecord, bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return nil, false, fmt.Errorf("%w: %v", errors.DispatchStoreUnavailable, result.Error)
	}

	if result.RowsAffected == 1 {
		return record, true, nil
	}

	existing, err := r.Get(ctx, record.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get 强制走主库，读到的状态用于锁内判断
func (r *GormDispatchRepository) Get(ctx context.Context, key string) (*model.DispatchRecord, error) {
	var record model.DispatchRecord
	err := r.db.WithContext(ctx).
		Clauses(dbresolver.Write).
		Where("idempotency_key = ?", key).
		First(&record).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", errors.DispatchRecordNotFound, key)
		}
		return nil, fmt.Errorf("%w: %v", errors.DispatchStoreUnavailable, err)
	}
	return &record, nil
}

func (r *GormDispatchRepository) MarkForwarded(ctx context.Context, key string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.DispatchRecord{}).
		Where("idempotency_key = ? AND forward_state <> ?", key, model.ForwardStateForwarded).
		Updates(map[string]interface{}{
			"forward_state": model.ForwardStateForwarded,
			"forwarded_at":  at,
			"last_error":    "",
			"updated_at":    at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("%w: %v", errors.DispatchStoreUnavailable, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *GormDispatchRepository) RecordFailure(ctx context.Context, key string, update FailureUpdate) error {
	values := map[string]interface{}{
		"last_error":      update.LastError,
		"next_attempt_at": update.NextAttemptAt,
		"forward_state":   update.State,
		"updated_at":      time.Now(),
	}
	if !update.NotAttempted {
		values["attempts"] = gorm.Expr("attempts + 1")
	}

	result := r.db.WithContext(ctx).
		Model(&model.DispatchRecord{}).
		Where("idempotency_key = ? AND forward_state <> ?", key, model.ForwardStateForwarded).
		Updates(values)
	if result.Error != nil {
		return fmt.Errorf("%w: %v", errors.DispatchStoreUnavailable, result.Error)
	}
	return nil
}

// ListDue 扫描允许落到只读副本，重投前会在锁内重新读主库
func (r *GormDispatchRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]model.DispatchRecord, error) {
	var records []model.DispatchRecord
	err := r.db.WithContext(ctx).
		Clauses(dbresolver.Read).
		Where("forward_state = ? AND next_attempt_at <= ? AND expires_at > ?", model.ForwardStatePending, now, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.DispatchStoreUnavailable, err)
	}
	return records, nil
}

func (r *GormDispatchRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&model.DispatchRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("%w: %v", errors.DispatchStoreUnavailable, result.Error)
	}
	return result.RowsAffected, nil
}
