package domain

import (
	"fmt"
	"math"
	"time"
)

// SessionStatus is the durable status of a live session
type SessionStatus string

const (
	SessionStatusOngoing      SessionStatus = "ongoing"
	SessionStatusCompleted    SessionStatus = "completed"
	SessionStatusTerminated   SessionStatus = "terminated"
	SessionStatusDisconnected SessionStatus = "disconnected"
)

// Valid reports whether s is a known status
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusOngoing, SessionStatusCompleted, SessionStatusTerminated, SessionStatusDisconnected:
		return true
	}
	return false
}

// IsClosed reports whether s is a terminal status
func (s SessionStatus) IsClosed() bool {
	return s.Valid() && s != SessionStatusOngoing
}

// LiveSession is the durable record of an established call between two users.
// SessionID doubles as the signaling room id.
type LiveSession struct {
	SessionID string        `json:"session_id"`
	User1ID   string        `json:"user1_id"` // caller
	User2ID   string        `json:"user2_id"` // callee
	Topic     string        `json:"topic"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Status    SessionStatus `json:"status"`
}

// Validate checks that status and endedAt agree
func (s *LiveSession) Validate() error {
	if !s.Status.Valid() {
		return fmt.Errorf("invalid session status %q", s.Status)
	}
	if s.Status == SessionStatusOngoing {
		if s.EndedAt != nil {
			return fmt.Errorf("ongoing session %s has ended_at", s.SessionID)
		}
		return nil
	}
	if s.EndedAt == nil {
		return fmt.Errorf("%s session %s has no ended_at", s.Status, s.SessionID)
	}
	if s.EndedAt.Before(s.StartedAt) {
		return fmt.Errorf("session %s ended before it started", s.SessionID)
	}
	return nil
}

// HasParticipant reports whether userID is one of the two participants
func (s *LiveSession) HasParticipant(userID string) bool {
	return userID == s.User1ID || userID == s.User2ID
}

// Peer returns the other participant
func (s *LiveSession) Peer(userID string) string {
	if userID == s.User1ID {
		return s.User2ID
	}
	return s.User1ID
}

// Duration is endedAt - startedAt for closed sessions and now - startedAt for ongoing ones
func (s *LiveSession) Duration(now time.Time) time.Duration {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// FormatDuration renders d as HH:MM:SS; hours are not wrapped at 24
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// SessionView is a session as returned to the admin collaborator
type SessionView struct {
	LiveSession
	Duration string `json:"duration"`
}

// NewSessionView derives the formatted duration at now
func NewSessionView(s *LiveSession, now time.Time) SessionView {
	return SessionView{LiveSession: *s, Duration: FormatDuration(s.Duration(now))}
}

// SessionFilter selects closed sessions for listing
type SessionFilter struct {
	Status SessionStatus // empty means any closed status
	Limit  int
	Offset int
}

// SessionStats is the admin dashboard aggregate
type SessionStats struct {
	ActiveSessions   int64     `json:"active_sessions"`
	SessionsThisWeek int64     `json:"sessions_this_week"`
	LearningHours    float64   `json:"learning_hours"`
	WeekStart        time.Time `json:"week_start"`
}

// WeekStart returns Sunday 00:00 of the week containing t, in t's location
func WeekStart(t time.Time) time.Time {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return midnight.AddDate(0, 0, -int(midnight.Weekday()))
}

// LearningHours sums session durations at now, in hours rounded to one decimal
func LearningHours(sessions []*LiveSession, now time.Time) float64 {
	var total time.Duration
	for _, s := range sessions {
		total += s.Duration(now)
	}
	return RoundHours(total)
}

// RoundHours converts d to hours rounded to one decimal
func RoundHours(d time.Duration) float64 {
	return math.Round(d.Hours()*10) / 10
}
