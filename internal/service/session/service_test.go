package session

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"skillswap-backend/internal/domain"
	"skillswap-backend/internal/repository/cockroach"
	"skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/pagination"
	"skillswap-backend/pkg/resilience"
)

// Mocks
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, s *domain.LiveSession) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockRepository) Close(ctx context.Context, sessionID string, status domain.SessionStatus, endedAt time.Time) (bool, error) {
	args := m.Called(ctx, sessionID, status, endedAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) CloseStaleOngoing(ctx context.Context, before, endedAt time.Time) (int64, error) {
	args := m.Called(ctx, before, endedAt)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) GetByID(ctx context.Context, sessionID string) (*domain.LiveSession, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LiveSession), args.Error(1)
}

func (m *MockRepository) ListOngoing(ctx context.Context) ([]*domain.LiveSession, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.LiveSession), args.Error(1)
}

func (m *MockRepository) ListClosed(ctx context.Context, filter domain.SessionFilter) ([]*domain.LiveSession, int64, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.LiveSession), args.Get(1).(int64), args.Error(2)
}

func (m *MockRepository) CountOngoing(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) CountStartedSince(ctx context.Context, since time.Time) (int64, error) {
	args := m.Called(ctx, since)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) TotalDuration(ctx context.Context, now time.Time) (time.Duration, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(time.Duration), args.Error(1)
}

func newTestService(repo Repository, grace time.Duration) *Service {
	return NewService(repo, Config{
		DisconnectGrace: grace,
		Location:        time.UTC,
		Retry: resilience.Config{
			Name:         "test_sessions",
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
		},
	})
}

func TestOpen_PersistsOngoingSession(t *testing.T) {
	repo := new(MockRepository)
	svc := newTestService(repo, time.Second)

	repo.On("Create", mock.Anything, mock.MatchedBy(func(s *domain.LiveSession) bool {
		return s.User1ID == "alice" && s.User2ID == "bob" && s.Status == domain.SessionStatusOngoing && s.EndedAt == nil
	})).Return(nil).Once()

	ls, err := svc.Open(context.Background(), "", "alice", "bob", "Go concurrency")

	require.NoError(t, err)
	require.NotNil(t, ls)
	_, parseErr := uuid.Parse(ls.SessionID)
	assert.NoError(t, parseErr)
	assert.Equal(t, "Go concurrency", ls.Topic)
	assert.NoError(t, ls.Validate())
	repo.AssertExpectations(t)
}

func TestOpen_RetriesTransientFailure(t *testing.T) {
	repo := new(MockRepository)
	svc := newTestService(repo, time.Second)
	id := uuid.New().String()

	repo.On("Create", mock.Anything, mock.Anything).Return(stderrors.New("connection reset")).Once()
	repo.On("Create", mock.Anything, mock.Anything).Return(nil).Once()

	ls, err := svc.Open(context.Background(), id, "alice", "bob", "")

	require.NoError(t, err)
	assert.Equal(t, id, ls.SessionID)
	repo.AssertNumberOfCalls(t, "Create", 2)
}

func TestOpen_DurableWriteFailureStillReturnsSession(t *testing.T) {
	repo := new(MockRepository)
	svc := newTestService(repo, time.Second)

	repo.On("Create", mock.Anything, mock.Anything).Return(stderrors.New("cluster unavailable"))

	ls, err := svc.Open(context.Background(), "", "alice", "bob", "")

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDurableWriteFailure))
	require.NotNil(t, ls)
	assert.Equal(t, domain.SessionStatusOngoing, ls.Status)
	repo.AssertNumberOfCalls(t, "Create", 3)
}

func TestOpen_RejectsSameParticipant(t *testing.T) {
	svc := newTestService(new(MockRepository), time.Second)

	_, err := svc.Open(context.Background(), "", "alice", "alice", "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))
}

func TestClose_OnlyFirstCloseWins(t *testing.T) {
	repo := new(MockRepository)
	svc := newTestService(repo, time.Second)
	id := uuid.New().String()

	repo.On("Close", mock.Anything, id, domain.SessionStatusCompleted, mock.Anything).Return(true, nil).Once()
	repo.On("Close", mock.Anything, id, domain.SessionStatusDisconnected, mock.Anything).Return(false, nil).Once()

	closed, err := svc.Close(context.Background(), id, domain.SessionStatusCompleted)
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = svc.Close(context.Background(), id, domain.SessionStatusDisconnected)
	require.NoError(t, err)
	assert.False(t, closed)
	repo.AssertExpectations(t)
}

func TestClose_RejectsOngoingStatus(t *testing.T) {
	svc := newTestService(new(MockRepository), time.Second)

	_, err := svc.Close(context.Background(), uuid.New().String(), domain.SessionStatusOngoing)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))
}

func TestClose_CancelsPendingGrace(t *testing.T) {
	repo := new(MockRepository)
	svc := newTestService(repo, 20*time.Millisecond)
	id := uuid.New().String()

	repo.On("Close", mock.Anything, id, domain.SessionStatusCompleted, mock.Anything).Return(true, nil).Once()

	var fired atomic.Int32
	require.True(t, svc.StartGrace(id, func() { fired.Add(1) }))

	_, err := svc.Close(context.Background(), id, domain.SessionStatusCompleted)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.False(t, svc.GracePending(id))
}

func TestCloseStale(t *testing.T) {
	t.Run("closes sessions started before the cutoff", func(t *testing.T) {
		repo := new(MockRepository)
		svc := newTestService(repo, time.Second)
		now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
		svc.now = func() time.Time { return now }
		cutoff := now.Add(-time.Minute)

		repo.On("CloseStaleOngoing", mock.Anything, cutoff, now).Return(int64(3), nil).Once()

		closed, err := svc.CloseStale(context.Background(), cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(3), closed)
		repo.AssertExpectations(t)
	})

	t.Run("retries then reports durable write failure", func(t *testing.T) {
		repo := new(MockRepository)
		svc := newTestService(repo, time.Second)

		repo.On("CloseStaleOngoing", mock.Anything, mock.Anything, mock.Anything).
			Return(int64(0), stderrors.New("connection reset"))

		closed, err := svc.CloseStale(context.Background(), time.Now())
		assert.True(t, errors.HasCode(err, errors.ErrCodeDurableWriteFailure))
		assert.Zero(t, closed)
		repo.AssertNumberOfCalls(t, "CloseStaleOngoing", 3)
	})
}

func TestForceTerminate(t *testing.T) {
	t.Run("unknown session", func(t *testing.T) {
		repo := new(MockRepository)
		svc := newTestService(repo, time.Second)
		id := uuid.New().String()
		repo.On("GetByID", mock.Anything, id).Return(nil, cockroach.ErrSessionNotFound)

		_, _, err := svc.ForceTerminate(context.Background(), id)
		assert.True(t, errors.HasCode(err, errors.ErrCodeSessionNotFound))
	})

	t.Run("malformed id", func(t *testing.T) {
		svc := newTestService(new(MockRepository), time.Second)

		_, _, err := svc.ForceTerminate(context.Background(), "not-a-uuid")
		assert.True(t, errors.HasCode(err, errors.ErrCodeSessionNotFound))
	})

	t.Run("ongoing session", func(t *testing.T) {
		repo := new(MockRepository)
		svc := newTestService(repo, time.Second)
		id := uuid.New().String()
		start := time.Now().Add(-10 * time.Minute)
		end := time.Now()

		ongoing := &domain.LiveSession{SessionID: id, User1ID: "a", User2ID: "b", StartedAt: start, Status: domain.SessionStatusOngoing}
		terminated := &domain.LiveSession{SessionID: id, User1ID: "a", User2ID: "b", StartedAt: start, EndedAt: &end, Status: domain.SessionStatusTerminated}

		repo.On("GetByID", mock.Anything, id).Return(ongoing, nil).Once()
		repo.On("Close", mock.Anything, id, domain.SessionStatusTerminated, mock.Anything).Return(true, nil).Once()
		repo.On("GetByID", mock.Anything, id).Return(terminated, nil).Once()

		ls, closed, err := svc.ForceTerminate(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, closed)
		assert.Equal(t, domain.SessionStatusTerminated, ls.Status)
		repo.AssertExpectations(t)
	})
}

func TestGrace_ExpiresOnce(t *testing.T) {
	svc := newTestService(new(MockRepository), 20*time.Millisecond)
	id := uuid.New().String()

	var fired atomic.Int32
	assert.True(t, svc.StartGrace(id, func() { fired.Add(1) }))
	assert.False(t, svc.StartGrace(id, func() { fired.Add(1) }), "second window must not replace the first")

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.False(t, svc.GracePending(id))
}

func TestGrace_CancelledByReconnect(t *testing.T) {
	svc := newTestService(new(MockRepository), 30*time.Millisecond)
	id := uuid.New().String()

	var fired atomic.Int32
	svc.StartGrace(id, func() { fired.Add(1) })

	assert.True(t, svc.CancelGrace(id))
	assert.False(t, svc.CancelGrace(id))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestDisconnectAfterFortyTwoMinutes(t *testing.T) {
	repo := new(MockRepository)
	svc := newTestService(repo, time.Second)

	start := time.Date(2024, 5, 14, 15, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }

	repo.On("Create", mock.Anything, mock.Anything).Return(nil).Once()
	ls, err := svc.Open(context.Background(), "", "alice", "bob", "Spanish")
	require.NoError(t, err)

	var endedAt time.Time
	svc.now = func() time.Time { return start.Add(42 * time.Minute) }
	repo.On("Close", mock.Anything, ls.SessionID, domain.SessionStatusDisconnected, mock.MatchedBy(func(t time.Time) bool {
		endedAt = t
		return true
	})).Return(true, nil).Once()

	closed, err := svc.Close(context.Background(), ls.SessionID, domain.SessionStatusDisconnected)
	require.NoError(t, err)
	require.True(t, closed)

	stored := *ls
	stored.EndedAt = &endedAt
	stored.Status = domain.SessionStatusDisconnected
	require.NoError(t, stored.Validate())

	view := domain.NewSessionView(&stored, start.Add(3*time.Hour))
	assert.Equal(t, "00:42:00", view.Duration)
}

func TestListOngoing_ComputesDurations(t *testing.T) {
	repo := new(MockRepository)
	svc := newTestService(repo, time.Second)
	now := time.Date(2024, 5, 14, 16, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	repo.On("ListOngoing", mock.Anything).Return([]*domain.LiveSession{
		{SessionID: "s1", User1ID: "a", User2ID: "b", StartedAt: now.Add(-90 * time.Second), Status: domain.SessionStatusOngoing},
	}, nil)

	views, err := svc.ListOngoing(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "00:01:30", views[0].Duration)
}

func TestListClosed_Paginates(t *testing.T) {
	repo := new(MockRepository)
	svc := newTestService(repo, time.Second)
	params := pagination.New(2, 10)

	repo.On("ListClosed", mock.Anything, domain.SessionFilter{
		Status: domain.SessionStatusCompleted,
		Limit:  10,
		Offset: 10,
	}).Return([]*domain.LiveSession{}, int64(25), nil)

	page, err := svc.ListClosed(context.Background(), domain.SessionStatusCompleted, params)
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, int64(25), page.Total)
	assert.NotNil(t, page.Items)

	_, err = svc.ListClosed(context.Background(), domain.SessionStatusOngoing, params)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))
}

func TestStats(t *testing.T) {
	repo := new(MockRepository)
	svc := newTestService(repo, time.Second)
	// Wednesday
	now := time.Date(2024, 5, 15, 10, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	sunday := time.Date(2024, 5, 12, 0, 0, 0, 0, time.UTC)

	repo.On("CountOngoing", mock.Anything).Return(int64(2), nil)
	repo.On("CountStartedSince", mock.Anything, sunday).Return(int64(7), nil)
	repo.On("TotalDuration", mock.Anything, now).Return(95*time.Minute, nil)

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ActiveSessions)
	assert.Equal(t, int64(7), stats.SessionsThisWeek)
	assert.Equal(t, 1.6, stats.LearningHours)
	assert.True(t, sunday.Equal(stats.WeekStart))
}
