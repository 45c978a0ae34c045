package repository

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"WxPayGateway/internal/model"
	"WxPayGateway/pkg/errors"
)

func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&model.DispatchRecord{}))
	return db
}

func repositories(t *testing.T) map[string]DispatchRepository {
	return map[string]DispatchRepository{
		"gorm":   NewGormDispatchRepository(newSQLiteDB(t)),
		"memory": NewMemoryDispatchRepository(),
	}
}

var idSeq atomic.Int64

func newRecord(key string, now time.Time) *model.DispatchRecord {
	return &model.DispatchRecord{
		ID:             idSeq.Add(1),
		IdempotencyKey: key,
		Kind:           model.EventKindPayment,
		Payload:        datatypes.JSON(`{"out_trade_no":"O1","transaction_id":"T1"}`),
		ForwardState:   model.ForwardStatePending,
		FirstSeenAt:    now,
		NextAttemptAt:  now,
		ExpiresAt:      now.Add(48 * time.Hour),
	}
}

func TestDispatchRepository_GetOrCreate(t *testing.T) {
	now := time.Now().UTC()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec, created, err := repo.GetOrCreate(ctx, newRecord("payment:O1:T1", now))
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, model.ForwardStatePending, rec.ForwardState)

			again, created, err := repo.GetOrCreate(ctx, newRecord("payment:O1:T1", now.Add(time.Minute)))
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, rec.ID, again.ID)
		})
	}
}

func TestDispatchRepository_GetNotFound(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			_, err := repo.Get(context.Background(), "missing")
			assert.True(t, stderrors.Is(err, errors.DispatchRecordNotFound))
		})
	}
}

func TestDispatchRepository_MarkForwardedIsCompareAndSet(t *testing.T) {
	now := time.Now().UTC()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := repo.GetOrCreate(ctx, newRecord("k", now))
			require.NoError(t, err)

			changed, err := repo.MarkForwarded(ctx, "k", now)
			require.NoError(t, err)
			assert.True(t, changed)

			changed, err = repo.MarkForwarded(ctx, "k", now)
			require.NoError(t, err)
			assert.False(t, changed)

			rec, err := repo.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, rec.IsForwarded())
			require.NotNil(t, rec.ForwardedAt)
		})
	}
}

func TestDispatchRepository_RecordFailure(t *testing.T) {
	now := time.Now().UTC()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := repo.GetOrCreate(ctx, newRecord("k", now))
			require.NoError(t, err)

			next := now.Add(15 * time.Second)
			require.NoError(t, repo.RecordFailure(ctx, "k", FailureUpdate{
				LastError:     "backend unavailable",
				NextAttemptAt: next,
				State:         model.ForwardStatePending,
			}))

			rec, err := repo.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, 1, rec.Attempts)
			assert.Equal(t, model.ForwardStatePending, rec.ForwardState)
			assert.Equal(t, "backend unavailable", rec.LastError)
			assert.WithinDuration(t, next, rec.NextAttemptAt, time.Millisecond)

			// forwarded 之后的失败不再生效
			_, err = repo.MarkForwarded(ctx, "k", now)
			require.NoError(t, err)
			require.NoError(t, repo.RecordFailure(ctx, "k", FailureUpdate{State: model.ForwardStateFailed}))

			rec, err = repo.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, model.ForwardStateForwarded, rec.ForwardState)
			assert.Equal(t, 1, rec.Attempts)
		})
	}
}

func TestDispatchRepository_RecordFailureNotAttempted(t *testing.T) {
	now := time.Now().UTC()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := repo.GetOrCreate(ctx, newRecord("k", now))
			require.NoError(t, err)

			next := now.Add(time.Minute)
			require.NoError(t, repo.RecordFailure(ctx, "k", FailureUpdate{
				LastError:     "circuit breaker open",
				NextAttemptAt: next,
				State:         model.ForwardStatePending,
				NotAttempted:  true,
			}))

			rec, err := repo.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, 0, rec.Attempts)
			assert.Equal(t, "circuit breaker open", rec.LastError)
			assert.WithinDuration(t, next, rec.NextAttemptAt, time.Millisecond)
		})
	}
}

func TestDispatchRepository_ListDue(t *testing.T) {
	now := time.Now().UTC()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			due := newRecord("due", now.Add(-time.Hour))
			due.NextAttemptAt = now.Add(-time.Minute)

			later := newRecord("later", now.Add(-time.Hour))
			later.NextAttemptAt = now.Add(time.Hour)

			expired := newRecord("expired", now.Add(-72*time.Hour))
			expired.NextAttemptAt = now.Add(-time.Minute)
			expired.ExpiresAt = now.Add(-time.Minute)

			done := newRecord("done", now.Add(-time.Hour))
			done.NextAttemptAt = now.Add(-time.Minute)

			for _, rec := range []*model.DispatchRecord{due, later, expired, done} {
				_, _, err := repo.GetOrCreate(ctx, rec)
				require.NoError(t, err)
			}
			_, err := repo.MarkForwarded(ctx, "done", now)
			require.NoError(t, err)

			records, err := repo.ListDue(ctx, now, 10)
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "due", records[0].IdempotencyKey)
		})
	}
}

func TestDispatchRepository_PurgeExpired(t *testing.T) {
	now := time.Now().UTC()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			old := newRecord("old", now.Add(-72*time.Hour))
			old.ExpiresAt = now.Add(-time.Second)
			_, _, err := repo.GetOrCreate(ctx, old)
			require.NoError(t, err)
			_, _, err = repo.GetOrCreate(ctx, newRecord("fresh", now))
			require.NoError(t, err)

			purged, err := repo.PurgeExpired(ctx, now)
			require.NoError(t, err)
			assert.Equal(t, int64(1), purged)

			_, err = repo.Get(ctx, "old")
			assert.True(t, stderrors.Is(err, errors.DispatchRecordNotFound))
			_, err = repo.Get(ctx, "fresh")
			assert.NoError(t, err)
		})
	}
}

func TestDispatchRepository_ConcurrentGetOrCreateCreatesOnce(t *testing.T) {
	now := time.Now().UTC()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				created int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, ok, err := repo.GetOrCreate(context.Background(), newRecord("same", now))
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						created++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, created)
		})
	}
}
