package cockroach

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"skillswap-backend/internal/domain"
)

// ErrSessionNotFound is returned when no session has the given id
var ErrSessionNotFound = stderrors.New("session not found")

// sessionSchema creates the live_sessions table; safe to run repeatedly
const sessionSchema = `
	CREATE TABLE IF NOT EXISTS live_sessions (
		session_id UUID PRIMARY KEY,
		user1_id   STRING NOT NULL,
		user2_id   STRING NOT NULL,
		topic      STRING NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at   TIMESTAMPTZ,
		status     STRING NOT NULL DEFAULT 'ongoing',
		CONSTRAINT live_sessions_status_check
			CHECK (status IN ('ongoing', 'completed', 'terminated', 'disconnected')),
		CONSTRAINT live_sessions_ended_check
			CHECK ((status = 'ongoing' AND ended_at IS NULL)
				OR (status != 'ongoing' AND ended_at IS NOT NULL AND ended_at >= started_at)),
		INDEX live_sessions_status_started_idx (status, started_at DESC)
	)
`

const sessionColumns = `session_id, user1_id, user2_id, topic, started_at, ended_at, status`

// SessionRepository handles live session records in CockroachDB
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// EnsureSchema creates the table and indexes if missing
func (r *SessionRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, sessionSchema); err != nil {
		return fmt.Errorf("failed to create live_sessions table: %w", err)
	}
	return nil
}

// Create inserts an ongoing session. Re-inserting the same id is a no-op so
// the call can be retried after an ambiguous failure.
func (r *SessionRepository) Create(ctx context.Context, s *domain.LiveSession) error {
	query := `
		INSERT INTO live_sessions (session_id, user1_id, user2_id, topic, started_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		s.SessionID,
		s.User1ID,
		s.User2ID,
		s.Topic,
		s.StartedAt,
		s.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// Close sets status and ended_at only if the session is still ongoing and
// reports whether this call closed it
func (r *SessionRepository) Close(ctx context.Context, sessionID string, status domain.SessionStatus, endedAt time.Time) (bool, error) {
	query := `
		UPDATE live_sessions
		SET status = $2,
		    ended_at = GREATEST($3, started_at)
		WHERE session_id = $1 AND status = 'ongoing'
	`

	tag, err := r.pool.Exec(ctx, query, sessionID, status, endedAt)
	if err != nil {
		return false, fmt.Errorf("failed to close session: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// CloseStaleOngoing closes every session still ongoing that started before
// the cutoff and returns how many it closed
func (r *SessionRepository) CloseStaleOngoing(ctx context.Context, before, endedAt time.Time) (int64, error) {
	query := `
		UPDATE live_sessions
		SET status = 'disconnected',
		    ended_at = GREATEST($2, started_at)
		WHERE status = 'ongoing' AND started_at < $1
	`

	tag, err := r.pool.Exec(ctx, query, before, endedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale sessions: %w", err)
	}

	return tag.RowsAffected(), nil
}

// GetByID retrieves a session by ID
func (r *SessionRepository) GetByID(ctx context.Context, sessionID string) (*domain.LiveSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM live_sessions WHERE session_id = $1`

	s, err := scanSession(r.pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return s, nil
}

// ListOngoing returns ongoing sessions, most recent first
func (r *SessionRepository) ListOngoing(ctx context.Context) ([]*domain.LiveSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM live_sessions
		WHERE status = 'ongoing'
		ORDER BY started_at DESC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list ongoing sessions: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// ListClosed returns one page of closed sessions, most recent first, and the
// total number matching the filter
func (r *SessionRepository) ListClosed(ctx context.Context, filter domain.SessionFilter) ([]*domain.LiveSession, int64, error) {
	where := `status != 'ongoing'`
	args := []any{}
	if filter.Status != "" {
		where = `status = $1`
		args = append(args, filter.Status)
	}

	var total int64
	countQuery := `SELECT COUNT(*) FROM live_sessions WHERE ` + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count closed sessions: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM live_sessions
		WHERE %s
		ORDER BY ended_at DESC, started_at DESC
		LIMIT $%d OFFSET $%d
	`, sessionColumns, where, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list closed sessions: %w", err)
	}
	defer rows.Close()

	sessions, err := collectSessions(rows)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// CountOngoing returns the number of ongoing sessions
func (r *SessionRepository) CountOngoing(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM live_sessions WHERE status = 'ongoing'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count ongoing sessions: %w", err)
	}
	return n, nil
}

// CountStartedSince returns the number of sessions started at or after since
func (r *SessionRepository) CountStartedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM live_sessions WHERE started_at >= $1`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions since %s: %w", since.Format(time.RFC3339), err)
	}
	return n, nil
}

// TotalDuration sums the durations of all sessions, counting ongoing ones up to now
func (r *SessionRepository) TotalDuration(ctx context.Context, now time.Time) (time.Duration, error) {
	query := `
		SELECT COALESCE(SUM(EXTRACT(EPOCH FROM (COALESCE(ended_at, $1) - started_at))), 0)::FLOAT8
		FROM live_sessions
		WHERE started_at <= $1
	`

	var seconds float64
	if err := r.pool.QueryRow(ctx, query, now).Scan(&seconds); err != nil {
		return 0, fmt.Errorf("failed to sum session durations: %w", err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func scanSession(row pgx.Row) (*domain.LiveSession, error) {
	s := &domain.LiveSession{}
	var status string
	err := row.Scan(
		&s.SessionID,
		&s.User1ID,
		&s.User2ID,
		&s.Topic,
		&s.StartedAt,
		&s.EndedAt,
		&status,
	)
	if err != nil {
		return nil, err
	}
	s.Status = domain.SessionStatus(status)
	return s, nil
}

func collectSessions(rows pgx.Rows) ([]*domain.LiveSession, error) {
	var sessions []*domain.LiveSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}
