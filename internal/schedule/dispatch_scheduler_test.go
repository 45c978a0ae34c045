package schedule

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"WxPayGateway/internal/dispatch"
	"WxPayGateway/internal/model"
	"WxPayGateway/internal/repository"
	"WxPayGateway/pkg/errors"
)

type mockRedeliverer struct {
	mock.Mock
}

func (m *mockRedeliverer) Redeliver(ctx context.Context, key string) (dispatch.Outcome, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(dispatch.Outcome), args.Error(1)
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, repo repository.DispatchRepository, key string, state model.ForwardState, next, expires time.Time) {
	t.Helper()
	_, created, err := repo.GetOrCreate(context.Background(), &model.DispatchRecord{
		ID:             int64(len(key)) + next.Unix(),
		IdempotencyKey: key,
		Kind:           model.EventKindPayment,
		Payload:        datatypes.JSON(`{}`),
		ForwardState:   state,
		FirstSeenAt:    next,
		NextAttemptAt:  next,
		ExpiresAt:      expires,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func newScheduler(repo repository.DispatchRepository, r Redeliverer) *DispatchScheduler {
	return NewDispatchScheduler(repo, r, Options{
		ScanBatch: 10,
		Now:       func() time.Time { return baseTime },
	})
}

func TestScanDue_RedeliversOnlyDueRecords(t *testing.T) {
	repo := repository.NewMemoryDispatchRepository()
	seed(t, repo, "payment:O1:T1", model.ForwardStatePending, baseTime.Add(-time.Minute), baseTime.Add(47*time.Hour))
	seed(t, repo, "payment:O2:T2", model.ForwardStatePending, baseTime.Add(time.Minute), baseTime.Add(47*time.Hour))
	seed(t, repo, "payment:O3:T3", model.ForwardStateForwarded, baseTime.Add(-time.Hour), baseTime.Add(47*time.Hour))
	seed(t, repo, "payment:O4:T4", model.ForwardStatePending, baseTime.Add(-49*time.Hour), baseTime.Add(-time.Hour))

	r := &mockRedeliverer{}
	r.On("Redeliver", mock.Anything, "payment:O1:T1").Return(dispatch.OutcomeForwarded, nil).Once()

	processed, err := newScheduler(repo, r).ScanDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	r.AssertExpectations(t)
}

func TestScanDue_ContinuesPastRecordErrors(t *testing.T) {
	repo := repository.NewMemoryDispatchRepository()
	seed(t, repo, "a", model.ForwardStatePending, baseTime.Add(-3*time.Minute), baseTime.Add(time.Hour))
	seed(t, repo, "b", model.ForwardStatePending, baseTime.Add(-2*time.Minute), baseTime.Add(time.Hour))
	seed(t, repo, "c", model.ForwardStatePending, baseTime.Add(-time.Minute), baseTime.Add(time.Hour))

	r := &mockRedeliverer{}
	r.On("Redeliver", mock.Anything, "a").Return(dispatch.Outcome(""), fmt.Errorf("%w: gone", errors.DispatchRecordNotFound)).Once()
	r.On("Redeliver", mock.Anything, "b").Return(dispatch.OutcomeQueuedForRetry, nil).Once()
	r.On("Redeliver", mock.Anything, "c").Return(dispatch.OutcomeGaveUp, nil).Once()

	processed, err := newScheduler(repo, r).ScanDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	r.AssertExpectations(t)
}

func TestScanDue_StopsWhenStoreUnavailable(t *testing.T) {
	repo := repository.NewMemoryDispatchRepository()
	seed(t, repo, "a", model.ForwardStatePending, baseTime.Add(-2*time.Minute), baseTime.Add(time.Hour))
	seed(t, repo, "b", model.ForwardStatePending, baseTime.Add(-time.Minute), baseTime.Add(time.Hour))

	r := &mockRedeliverer{}
	r.On("Redeliver", mock.Anything, "a").Return(dispatch.Outcome(""), fmt.Errorf("%w: connection refused", errors.DispatchStoreUnavailable)).Once()

	processed, err := newScheduler(repo, r).ScanDue(context.Background())
	require.ErrorIs(t, err, errors.DispatchStoreUnavailable)
	assert.Equal(t, 1, processed)
	r.AssertNotCalled(t, "Redeliver", mock.Anything, "b")
}

func TestScanDue_RespectsBatchSize(t *testing.T) {
	repo := repository.NewMemoryDispatchRepository()
	for i := 0; i < 5; i++ {
		seed(t, repo, fmt.Sprintf("k%d", i), model.ForwardStatePending, baseTime.Add(-time.Duration(i+1)*time.Minute), baseTime.Add(time.Hour))
	}

	r := &mockRedeliverer{}
	r.On("Redeliver", mock.Anything, mock.Anything).Return(dispatch.OutcomeForwarded, nil)

	s := NewDispatchScheduler(repo, r, Options{ScanBatch: 2, Now: func() time.Time { return baseTime }})
	processed, err := s.ScanDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	// 最早到期的先处理
	r.AssertCalled(t, "Redeliver", mock.Anything, "k4")
	r.AssertCalled(t, "Redeliver", mock.Anything, "k3")
	assert.Equal(t, baseTime, s.LastScan())
}

func TestScanDue_SkipsWhenAlreadyRunning(t *testing.T) {
	repo := repository.NewMemoryDispatchRepository()
	seed(t, repo, "slow", model.ForwardStatePending, baseTime.Add(-time.Minute), baseTime.Add(time.Hour))

	started := make(chan struct{})
	release := make(chan struct{})
	r := &mockRedeliverer{}
	r.On("Redeliver", mock.Anything, "slow").Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(dispatch.OutcomeForwarded, nil).Once()

	s := newScheduler(repo, r)
	done := make(chan int)
	go func() {
		n, _ := s.ScanDue(context.Background())
		done <- n
	}()

	<-started
	n, err := s.ScanDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	close(release)
	assert.Equal(t, 1, <-done)
	r.AssertExpectations(t)
}

func TestPurgeExpired(t *testing.T) {
	repo := repository.NewMemoryDispatchRepository()
	seed(t, repo, "old", model.ForwardStateForwarded, baseTime.Add(-72*time.Hour), baseTime.Add(-24*time.Hour))
	seed(t, repo, "fresh", model.ForwardStatePending, baseTime, baseTime.Add(48*time.Hour))

	removed, err := newScheduler(repo, &mockRedeliverer{}).PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = repo.Get(context.Background(), "old")
	assert.ErrorIs(t, err, errors.DispatchRecordNotFound)
	_, err = repo.Get(context.Background(), "fresh")
	assert.NoError(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	repo := repository.NewMemoryDispatchRepository()
	seed(t, repo, "k", model.ForwardStatePending, baseTime.Add(-time.Minute), baseTime.Add(time.Hour))

	redelivered := make(chan struct{}, 1)
	r := &mockRedeliverer{}
	r.On("Redeliver", mock.Anything, "k").Run(func(mock.Arguments) {
		select {
		case redelivered <- struct{}{}:
		default:
		}
	}).Return(dispatch.OutcomeForwarded, nil)

	s := NewDispatchScheduler(repo, r, Options{
		ScanInterval:  10 * time.Millisecond,
		PurgeInterval: 10 * time.Millisecond,
		Now:           func() time.Time { return baseTime },
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()

	select {
	case <-redelivered:
	case <-time.After(2 * time.Second):
		t.Fatal("scan loop never ran")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
