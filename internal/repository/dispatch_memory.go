package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"WxPayGateway/internal/model"
	"WxPayGateway/pkg/errors"
)

// MemoryDispatchRepository 单实例部署用，进程重启即丢失
type MemoryDispatchRepository struct {
	mu      sync.Mutex
	records map[string]*model.DispatchRecord
}

func NewMemoryDispatchRepository() *MemoryDispatchRepository {
	return &MemoryDispatchRepository{records: make(map[string]*model.DispatchRecord)}
}

func (r *MemoryDispatchRepository) GetOrCreate(ctx context.Context, record *model.DispatchRecord) (*model.DispatchRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[record.IdempotencyKey]; ok {
		cp := *existing
		return &cp, false, nil
	}

	now := time.Now()
	stored := *record
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.records[record.IdempotencyKey] = &stored

	cp := stored
	return &cp, true, nil
}

func (r *MemoryDispatchRepository) Get(ctx context.Context, key string) (*model.DispatchRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.DispatchRecordNotFound, key)
	}
	cp := *existing
	return &cp, nil
}

func (r *MemoryDispatchRepository) MarkForwarded(ctx context.Context, key string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.records[key]
	if !ok || existing.ForwardState == model.ForwardStateForwarded {
		return false, nil
	}

	existing.ForwardState = model.ForwardStateForwarded
	existing.ForwardedAt = &at
	existing.LastError = ""
	existing.UpdatedAt = at
	return true, nil
}

func (r *MemoryDispatchRepository) RecordFailure(ctx context.Context, key string, update FailureUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.records[key]
	if !ok || existing.ForwardState == model.ForwardStateForwarded {
		return nil
	}

	if !update.NotAttempted {
		existing.Attempts++
	}
	existing.LastError = update.LastError
	existing.NextAttemptAt = update.NextAttemptAt
	existing.ForwardState = update.State
	existing.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryDispatchRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]model.DispatchRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []model.DispatchRecord
	for _, rec := range r.records {
		if rec.ForwardState == model.ForwardStatePending && !rec.NextAttemptAt.After(now) && !rec.Expired(now) {
			due = append(due, *rec)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *MemoryDispatchRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged int64
	for key, rec := range r.records {
		if rec.Expired(now) {
			delete(r.records, key)
			purged++
		}
	}
	return purged, nil
}
