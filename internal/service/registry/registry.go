package registry

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	appctx "skillswap-backend/pkg/context"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/metrics"
	"skillswap-backend/pkg/protocol"
)

// ErrNotConnected is returned when the target user has no live connection
var ErrNotConnected = stderrors.New("user not connected")

// Handle is one live transport connection
type Handle interface {
	// ID is unique per connection, not per user
	ID() string
	UserID() string
	// Send enqueues msg without blocking; it fails if the connection is closed or backed up
	Send(msg *protocol.Message) error
	Close()
}

// StatusListener is told about user_status_changed events
type StatusListener interface {
	StatusChanged(ctx context.Context, change domain.StatusChange)
}

type entry struct {
	handle Handle
	conn   domain.UserConnection
}

// Registry maps each user to at most one live connection
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry

	listenersMu sync.RWMutex
	listeners   []StatusListener

	now func() time.Time
}

// New creates an empty registry
func New(listeners ...StatusListener) *Registry {
	return &Registry{
		conns:     make(map[string]*entry),
		listeners: listeners,
		now:       time.Now,
	}
}

// AddListener subscribes l to status changes
func (r *Registry) AddListener(l StatusListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register makes handle the authoritative connection of userID. A previous
// handle is closed and returned; its later disconnect is ignored.
func (r *Registry) Register(userID, userName string, handle Handle) Handle {
	now := r.now()

	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = &entry{
		handle: handle,
		conn: domain.UserConnection{
			UserID:      userID,
			UserName:    userName,
			ConnectedAt: now,
			LastSeenAt:  now,
		},
	}
	r.mu.Unlock()

	if prev != nil {
		metrics.ConnectionsReplacedTotal.Inc()
		logger.Info("Connection replaced",
			zap.String("user_id", userID),
			zap.String("old_conn", prev.handle.ID()),
			zap.String("new_conn", handle.ID()))
		prev.handle.Close()
		return prev.handle
	}

	metrics.WebSocketConnections.Inc()
	logger.Info("User connected",
		zap.String("user_id", userID),
		zap.String("conn_id", handle.ID()))
	r.publish(domain.StatusChange{UserID: userID, Status: domain.PresenceOnline, At: now})
	return nil
}

// Lookup returns the live connection of userID
func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[userID]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// Connection returns the connection record of userID
func (r *Registry) Connection(userID string) (domain.UserConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[userID]
	if !ok {
		return domain.UserConnection{}, false
	}
	return e.conn, true
}

// Send delivers msg to userID's live connection
func (r *Registry) Send(userID string, msg *protocol.Message) error {
	h, ok := r.Lookup(userID)
	if !ok {
		return ErrNotConnected
	}
	return h.Send(msg)
}

// OnDisconnect removes handle if it is still the user's authoritative
// connection and reports whether it was. A stale handle is a no-op.
func (r *Registry) OnDisconnect(handle Handle) bool {
	userID := handle.UserID()

	r.mu.Lock()
	e, ok := r.conns[userID]
	if !ok || e.handle.ID() != handle.ID() {
		r.mu.Unlock()
		logger.Debug("Ignoring disconnect of superseded connection",
			zap.String("user_id", userID),
			zap.String("conn_id", handle.ID()))
		return false
	}
	delete(r.conns, userID)
	r.mu.Unlock()

	metrics.WebSocketConnections.Dec()
	logger.Info("User disconnected",
		zap.String("user_id", userID),
		zap.String("conn_id", handle.ID()))
	r.publish(domain.StatusChange{UserID: userID, Status: domain.PresenceOffline, At: r.now()})
	return true
}

// Touch records activity on handle
func (r *Registry) Touch(handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.conns[handle.UserID()]; ok && e.handle.ID() == handle.ID() {
		e.conn.LastSeenAt = r.now()
	}
}

// Online reports whether userID has a live connection
func (r *Registry) Online(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Count returns the number of connected users
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) publish(change domain.StatusChange) {
	r.listenersMu.RLock()
	listeners := make([]StatusListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()

	ctx, cancel := appctx.WithShortTimeout(context.Background())
	defer cancel()
	for _, l := range listeners {
		l.StatusChanged(ctx, change)
	}
}
