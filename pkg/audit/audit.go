package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"skillswap-backend/pkg/constants"
)

// EventType represents the type of audit event
type EventType string

// EventSessionTerminate is an administrator force-closing a live session
const EventSessionTerminate EventType = "session_terminate"

// Event represents an audit log entry
type Event struct {
	EventID   string            `json:"event_id"`
	ActorID   string            `json:"actor_id"`
	EventType EventType         `json:"event_type"`
	Resource  string            `json:"resource,omitempty"`
	Success   bool              `json:"success"`
	ErrorCode string            `json:"error_code,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Logger appends audit events to a capped Redis list, newest first
type Logger struct {
	client    redis.Cmdable
	key       string
	maxEvents int64
	retention time.Duration
	now       func() time.Time
}

// NewLogger creates a new audit logger
func NewLogger(client redis.Cmdable) *Logger {
	return &Logger{
		client:    client,
		key:       constants.AuditLogKey,
		maxEvents: constants.AuditLogMaxEvents,
		retention: constants.AuditLogRetention,
		now:       time.Now,
	}
}

// Log records an event. Missing ids and timestamps are filled in.
func (l *Logger) Log(ctx context.Context, event *Event) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	pipe := l.client.TxPipeline()
	pipe.LPush(ctx, l.key, data)
	pipe.LTrim(ctx, l.key, 0, l.maxEvents-1)
	pipe.Expire(ctx, l.key, l.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// LogAdminAction records an action an administrator took on a resource
func (l *Logger) LogAdminAction(ctx context.Context, adminID string, eventType EventType, resource string, success bool, errorCode string) error {
	return l.Log(ctx, &Event{
		ActorID:   adminID,
		EventType: eventType,
		Resource:  resource,
		Success:   success,
		ErrorCode: errorCode,
	})
}

// Recent returns up to limit events, newest first. Entries that fail to
// decode are skipped.
func (l *Logger) Recent(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}

	raw, err := l.client.LRange(ctx, l.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}

	events := make([]*Event, 0, len(raw))
	for _, item := range raw {
		var event Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}
