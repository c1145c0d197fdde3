package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	"skillswap-backend/internal/repository/cockroach"
	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/metrics"
	"skillswap-backend/pkg/pagination"
	"skillswap-backend/pkg/resilience"
)

// Repository is the durable session store
type Repository interface {
	Create(ctx context.Context, s *domain.LiveSession) error
	Close(ctx context.Context, sessionID string, status domain.SessionStatus, endedAt time.Time) (bool, error)
	CloseStaleOngoing(ctx context.Context, before, endedAt time.Time) (int64, error)
	GetByID(ctx context.Context, sessionID string) (*domain.LiveSession, error)
	ListOngoing(ctx context.Context) ([]*domain.LiveSession, error)
	ListClosed(ctx context.Context, filter domain.SessionFilter) ([]*domain.LiveSession, int64, error)
	CountOngoing(ctx context.Context) (int64, error)
	CountStartedSince(ctx context.Context, since time.Time) (int64, error)
	TotalDuration(ctx context.Context, now time.Time) (time.Duration, error)
}

// Config tunes the session service
type Config struct {
	DisconnectGrace time.Duration
	// Location anchors the week boundary for Stats; nil means time.Local
	Location *time.Location
	Retry    resilience.Config
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	retry := resilience.DefaultConfig("cockroach_sessions")
	retry.MaxAttempts = constants.DurableWriteAttempts
	retry.InitialDelay = constants.DurableWriteInitialDelay
	retry.MaxDelay = constants.DurableWriteMaxDelay
	return Config{
		DisconnectGrace: constants.DisconnectGrace,
		Retry:           retry,
	}
}

// Service owns the lifecycle of durable live session records
type Service struct {
	repo    Repository
	retrier *resilience.Retrier
	grace   time.Duration
	loc     *time.Location
	now     func() time.Time

	mu      sync.Mutex
	started map[string]time.Time
	timers  map[string]*time.Timer
}

// NewService creates a new session service
func NewService(repo Repository, cfg Config) *Service {
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = constants.DisconnectGrace
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Retry.Name == "" {
		cfg.Retry.Name = "cockroach_sessions"
	}
	return &Service{
		repo:    repo,
		retrier: resilience.NewRetrier(cfg.Retry),
		grace:   cfg.DisconnectGrace,
		loc:     cfg.Location,
		now:     time.Now,
		started: make(map[string]time.Time),
		timers:  make(map[string]*time.Timer),
	}
}

// Open records a new ongoing session between caller and callee. An empty
// sessionID is generated. When the write cannot be made durable the session
// is still returned together with a DURABLE_WRITE_FAILURE error so the call
// can proceed.
func (s *Service) Open(ctx context.Context, sessionID, callerID, calleeID, topic string) (*domain.LiveSession, error) {
	if callerID == "" || calleeID == "" {
		return nil, errors.MissingFieldError("participant")
	}
	if callerID == calleeID {
		return nil, errors.ValidationError("a session needs two different participants")
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ls := &domain.LiveSession{
		SessionID: sessionID,
		User1ID:   callerID,
		User2ID:   calleeID,
		Topic:     topic,
		StartedAt: s.now().UTC(),
		Status:    domain.SessionStatusOngoing,
	}

	s.mu.Lock()
	s.started[sessionID] = ls.StartedAt
	s.mu.Unlock()

	err := s.retrier.Do(ctx, "create", func(ctx context.Context) error {
		return s.repo.Create(ctx, ls)
	})
	if err != nil {
		logger.Error("Failed to persist live session",
			zap.String("session_id", sessionID),
			zap.String("user1_id", callerID),
			zap.String("user2_id", calleeID),
			zap.Error(err))
		return ls, errors.DurableWriteError(err)
	}

	logger.Info("Live session opened",
		zap.String("session_id", sessionID),
		zap.String("user1_id", callerID),
		zap.String("user2_id", calleeID))
	return ls, nil
}

// Close moves an ongoing session to a terminal status. Only the first close
// wins; later closes report false with no error.
func (s *Service) Close(ctx context.Context, sessionID string, status domain.SessionStatus) (bool, error) {
	if !status.IsClosed() {
		return false, errors.ValidationError(fmt.Sprintf("cannot close a session as %q", status))
	}
	s.CancelGrace(sessionID)

	endedAt := s.now().UTC()
	var closed bool
	err := s.retrier.Do(ctx, "close", func(ctx context.Context) error {
		ok, err := s.repo.Close(ctx, sessionID, status, endedAt)
		if err != nil {
			return err
		}
		closed = ok
		return nil
	})
	if err != nil {
		logger.Error("Failed to close live session",
			zap.String("session_id", sessionID),
			zap.String("status", string(status)),
			zap.Error(err))
		return false, errors.DurableWriteError(err)
	}

	s.mu.Lock()
	startedAt, tracked := s.started[sessionID]
	delete(s.started, sessionID)
	s.mu.Unlock()

	if !closed {
		logger.Debug("Session already closed", zap.String("session_id", sessionID))
		return false, nil
	}

	metrics.LiveSessionsClosedTotal.WithLabelValues(string(status)).Inc()
	if tracked {
		metrics.LiveSessionDuration.Observe(endedAt.Sub(startedAt).Seconds())
	}
	logger.Info("Live session closed",
		zap.String("session_id", sessionID),
		zap.String("status", string(status)))
	return true, nil
}

// CloseStale settles sessions left ongoing by a previous process. Every
// session that started before the cutoff is closed as disconnected.
func (s *Service) CloseStale(ctx context.Context, before time.Time) (int64, error) {
	endedAt := s.now().UTC()
	var closed int64
	err := s.retrier.Do(ctx, "close_stale", func(ctx context.Context) error {
		n, err := s.repo.CloseStaleOngoing(ctx, before.UTC(), endedAt)
		if err != nil {
			return err
		}
		closed = n
		return nil
	})
	if err != nil {
		logger.Error("Failed to settle stale live sessions", zap.Error(err))
		return 0, errors.DurableWriteError(err)
	}

	if closed > 0 {
		metrics.LiveSessionsClosedTotal.WithLabelValues(string(domain.SessionStatusDisconnected)).Add(float64(closed))
		logger.Info("Settled stale live sessions",
			zap.Int64("closed", closed),
			zap.Time("before", before))
	}
	return closed, nil
}

// ForceTerminate closes an ongoing session as terminated on behalf of an
// administrator and returns the session as stored afterwards
func (s *Service) ForceTerminate(ctx context.Context, sessionID string) (*domain.LiveSession, bool, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, false, err
	}

	closed, err := s.Close(ctx, sessionID, domain.SessionStatusTerminated)
	if err != nil {
		return nil, false, err
	}

	ls, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, closed, err
	}
	return ls, closed, nil
}

// Get returns a session or SESSION_NOT_FOUND
func (s *Service) Get(ctx context.Context, sessionID string) (*domain.LiveSession, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, errors.SessionNotFoundError()
	}
	ls, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		if stderrors.Is(err, cockroach.ErrSessionNotFound) {
			return nil, errors.SessionNotFoundError()
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return ls, nil
}

// StartGrace arms the disconnect grace window for a session. onExpire runs
// once if CancelGrace is not called before the window elapses. A window
// already pending for the session is left untouched.
func (s *Service) StartGrace(sessionID string, onExpire func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, pending := s.timers[sessionID]; pending {
		return false
	}

	var t *time.Timer
	t = time.AfterFunc(s.grace, func() {
		s.mu.Lock()
		current, ok := s.timers[sessionID]
		if !ok || current != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, sessionID)
		s.mu.Unlock()

		metrics.DisconnectGraceTotal.WithLabelValues("expired").Inc()
		logger.Info("Disconnect grace expired", zap.String("session_id", sessionID))
		onExpire()
	})
	s.timers[sessionID] = t

	metrics.DisconnectGraceTotal.WithLabelValues("started").Inc()
	logger.Info("Disconnect grace started",
		zap.String("session_id", sessionID),
		zap.Duration("grace", s.grace))
	return true
}

// CancelGrace stops a pending grace window and reports whether one was pending
func (s *Service) CancelGrace(sessionID string) bool {
	s.mu.Lock()
	t, ok := s.timers[sessionID]
	if ok {
		delete(s.timers, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	t.Stop()
	metrics.DisconnectGraceTotal.WithLabelValues("reconnected").Inc()
	return true
}

// GracePending reports whether a grace window is armed for the session
func (s *Service) GracePending(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[sessionID]
	return ok
}

// ListOngoing returns ongoing sessions with durations computed now
func (s *Service) ListOngoing(ctx context.Context) ([]domain.SessionView, error) {
	sessions, err := s.repo.ListOngoing(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ongoing sessions: %w", err)
	}
	return s.views(sessions), nil
}

// ListClosed returns one page of closed sessions, most recent first
func (s *Service) ListClosed(ctx context.Context, status domain.SessionStatus, params pagination.Params) (*pagination.Page[domain.SessionView], error) {
	if status != "" && !status.IsClosed() {
		return nil, errors.ValidationError(fmt.Sprintf("invalid closed status %q", status))
	}

	sessions, total, err := s.repo.ListClosed(ctx, domain.SessionFilter{
		Status: status,
		Limit:  params.Limit,
		Offset: params.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list closed sessions: %w", err)
	}
	return pagination.NewPage(params, total, s.views(sessions)), nil
}

// Stats computes the admin dashboard aggregate
func (s *Service) Stats(ctx context.Context) (*domain.SessionStats, error) {
	now := s.now().In(s.loc)
	weekStart := domain.WeekStart(now)

	active, err := s.repo.CountOngoing(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count active sessions: %w", err)
	}
	thisWeek, err := s.repo.CountStartedSince(ctx, weekStart)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions this week: %w", err)
	}
	total, err := s.repo.TotalDuration(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sum learning time: %w", err)
	}

	return &domain.SessionStats{
		ActiveSessions:   active,
		SessionsThisWeek: thisWeek,
		LearningHours:    domain.RoundHours(total),
		WeekStart:        weekStart,
	}, nil
}

// Shutdown stops all pending grace windows without running them
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Service) views(sessions []*domain.LiveSession) []domain.SessionView {
	now := s.now()
	views := make([]domain.SessionView, 0, len(sessions))
	for _, ls := range sessions {
		views = append(views, domain.NewSessionView(ls, now))
	}
	return views
}
