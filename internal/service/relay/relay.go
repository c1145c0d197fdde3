package relay

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	"skillswap-backend/internal/service/call"
	"skillswap-backend/internal/service/chat"
	"skillswap-backend/internal/service/registry"
	"skillswap-backend/pkg/cache"
	appctx "skillswap-backend/pkg/context"
	"skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/metrics"
	"skillswap-backend/pkg/protocol"
	"skillswap-backend/pkg/push"
)

// SessionStore is the durable side of a room
type SessionStore interface {
	Open(ctx context.Context, sessionID, callerID, calleeID, topic string) (*domain.LiveSession, error)
	Close(ctx context.Context, sessionID string, status domain.SessionStatus) (bool, error)
	ForceTerminate(ctx context.Context, sessionID string) (*domain.LiveSession, bool, error)
	StartGrace(sessionID string, onExpire func()) bool
	CancelGrace(sessionID string) bool
}

// MessageSender stores and delivers chat messages
type MessageSender interface {
	Send(ctx context.Context, input *chat.SendInput) (*chat.SendOutput, error)
}

// MissedCallNotifier pushes a missed-call notification to an offline device
type MissedCallNotifier interface {
	SendMissedCallNotification(ctx context.Context, call push.MissedCall) error
}

// Outcome labels how a frame was handled in metrics
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeAck      Outcome = "ack"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

const (
	// closedRoomRetention keeps ids of closed rooms so late frames are acked
	closedRoomRetention = 5 * time.Minute
	maxClosedRooms      = 10000
)

// room is the relay state of one live session; its id is the session id
type room struct {
	id     string
	callID string
	users  [2]string
	names  [2]string

	mu     sync.Mutex
	closed bool
}

func (rm *room) has(userID string) bool {
	return rm.users[0] == userID || rm.users[1] == userID
}

func (rm *room) peer(userID string) (id, name string) {
	if rm.users[0] == userID {
		return rm.users[1], rm.names[1]
	}
	return rm.users[0], rm.names[0]
}

// markClosed flips the room to closed once
func (rm *room) markClosed() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return false
	}
	rm.closed = true
	return true
}

func (rm *room) reopen() {
	rm.mu.Lock()
	rm.closed = false
	rm.mu.Unlock()
}

// Relay routes signaling frames between authenticated users: call control
// through the call manager, negotiation within rooms, chat through the chat
// service
type Relay struct {
	registry *registry.Registry
	calls    *call.Manager
	sessions SessionStore
	messages MessageSender
	notifier MissedCallNotifier

	mu        sync.RWMutex
	rooms     map[string]*room
	byCall    map[string]*room
	userRooms map[string]map[string]*room
	closed    *cache.MemoryCache

	wg sync.WaitGroup
}

// New creates a Relay and subscribes it to call expiry and presence changes.
// notifier may be nil.
func New(reg *registry.Registry, calls *call.Manager, sessions SessionStore, messages MessageSender, notifier MissedCallNotifier) *Relay {
	r := &Relay{
		registry:  reg,
		calls:     calls,
		sessions:  sessions,
		messages:  messages,
		notifier:  notifier,
		rooms:     make(map[string]*room),
		byCall:    make(map[string]*room),
		userRooms: make(map[string]map[string]*room),
		closed:    cache.NewMemoryCache(closedRoomRetention, maxClosedRooms),
	}
	calls.OnExpire(r.onCallExpired)
	reg.AddListener(r)
	return r
}

// Wait blocks until background pushes have finished
func (r *Relay) Wait() {
	r.wg.Wait()
}

// Handle processes one frame from handle. Frames of one connection must be
// passed in arrival order.
func (r *Relay) Handle(ctx context.Context, h registry.Handle, msg *protocol.Message) {
	var outcome Outcome
	switch msg.Type {
	case protocol.TypeDirectCall:
		outcome = r.handleDirectCall(ctx, h, msg)
	case protocol.TypeAcceptCall:
		outcome = r.handleAccept(ctx, h, msg)
	case protocol.TypeDeclineCall:
		outcome = r.handleEndRinging(h, msg, false)
	case protocol.TypeCancelCall:
		outcome = r.handleEndRinging(h, msg, true)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		outcome = r.handleNegotiation(h, msg)
	case protocol.TypeEndSession:
		outcome = r.handleEndSession(ctx, h, msg)
	case protocol.TypeSendMessage:
		outcome = r.handleSendMessage(ctx, h, msg)
	default:
		outcome = r.reject(h, msg, errors.ProtocolViolationError("unexpected message type "+string(msg.Type)))
	}
	metrics.ControlMessagesTotal.WithLabelValues(string(msg.Type), string(outcome)).Inc()
}

func (r *Relay) handleDirectCall(ctx context.Context, h registry.Handle, msg *protocol.Message) Outcome {
	callerID := h.UserID()
	callerName := msg.CallerName
	if conn, ok := r.registry.Connection(callerID); ok && callerName == "" {
		callerName = conn.UserName
	}

	if msg.CalleeID != callerID && !r.registry.Online(msg.CalleeID) {
		metrics.CallsRejectedTotal.WithLabelValues("unavailable").Inc()
		r.reply(h, &protocol.Message{
			Type:     protocol.TypeDeclineCall,
			CallID:   msg.CallID,
			CallerID: callerID,
			CalleeID: msg.CalleeID,
			Reason:   protocol.ReasonUnavailable,
		})
		r.notifyMissed(domain.CallAttempt{CallID: msg.CallID, CallerID: callerID, CallerName: callerName, CalleeID: msg.CalleeID}, protocol.ReasonUnavailable)
		return OutcomeRejected
	}

	calleeName := msg.CalleeName
	if conn, ok := r.registry.Connection(msg.CalleeID); ok && calleeName == "" {
		calleeName = conn.UserName
	}

	attempt, err := r.calls.Begin(call.BeginRequest{
		CallID:        msg.CallID,
		CallerID:      callerID,
		CallerName:    callerName,
		CallerPicture: msg.CallerPicture,
		CalleeID:      msg.CalleeID,
		CalleeName:    calleeName,
		Topic:         msg.Topic,
	})
	if err != nil {
		return r.rejectCall(h, msg, err)
	}

	forward := &protocol.Message{
		Type:          protocol.TypeDirectCall,
		CallID:        attempt.CallID,
		CallerID:      attempt.CallerID,
		CallerName:    attempt.CallerName,
		CallerPicture: attempt.CallerPicture,
		CalleeID:      attempt.CalleeID,
		CalleeName:    attempt.CalleeName,
		Topic:         attempt.Topic,
	}
	if err := r.registry.Send(attempt.CalleeID, forward); err != nil {
		// Callee dropped between the presence check and the forward
		if _, derr := r.calls.Decline(attempt.CallID, attempt.CalleeID, domain.EndReasonDisconnected); derr == nil {
			r.reply(h, &protocol.Message{
				Type:     protocol.TypeDeclineCall,
				CallID:   attempt.CallID,
				CallerID: attempt.CallerID,
				CalleeID: attempt.CalleeID,
				Reason:   protocol.ReasonUnavailable,
			})
			r.notifyMissed(attempt, protocol.ReasonUnavailable)
		}
		return OutcomeRejected
	}
	return OutcomeOK
}

// rejectCall turns a Begin failure into the terminal frame the caller expects
func (r *Relay) rejectCall(h registry.Handle, msg *protocol.Message, err error) Outcome {
	reply := &protocol.Message{
		Type:     protocol.TypeCancelCall,
		CallID:   msg.CallID,
		CallerID: h.UserID(),
		CalleeID: msg.CalleeID,
	}
	switch {
	case stderrors.Is(err, call.ErrSameParty):
		reply.Reason = protocol.ReasonSameParty
	case stderrors.Is(err, call.ErrCallerBusy):
		reply.Reason = protocol.ReasonBusy
	case stderrors.Is(err, call.ErrRateLimited):
		reply.Reason = protocol.ReasonRateLimited
	case stderrors.Is(err, call.ErrCalleeBusy):
		reply.Type = protocol.TypeDeclineCall
		reply.Reason = protocol.ReasonBusy
	default:
		return r.reject(h, msg, err)
	}
	logger.Info("Call rejected",
		zap.String("call_id", msg.CallID),
		zap.String("caller_id", h.UserID()),
		zap.String("callee_id", msg.CalleeID),
		zap.String("reason", reply.Reason))
	r.reply(h, reply)
	return OutcomeRejected
}

func (r *Relay) handleAccept(ctx context.Context, h registry.Handle, msg *protocol.Message) Outcome {
	attempt, err := r.calls.Accept(msg.CallID, h.UserID())
	if err != nil {
		return r.reject(h, msg, err)
	}

	rm := &room{
		id:     uuid.New().String(),
		callID: attempt.CallID,
		users:  [2]string{attempt.CallerID, attempt.CalleeID},
		names:  [2]string{attempt.CallerName, attempt.CalleeName},
	}
	r.addRoom(rm)

	_, openErr := r.sessions.Open(ctx, rm.id, attempt.CallerID, attempt.CalleeID, attempt.Topic)

	for _, userID := range rm.users {
		r.sendSessionReady(rm, userID)
	}

	if openErr != nil {
		// The call goes on; only the record lags
		appErr := errors.GetAppError(openErr)
		_ = r.registry.Send(attempt.CallerID, protocol.Error(msg, string(appErr.Code), "session could not be recorded"))
	}

	if err := r.calls.Handoff(attempt.CallID); err != nil {
		logger.Warn("Call ended before handoff",
			zap.String("call_id", attempt.CallID),
			zap.String("room_id", rm.id),
			zap.Error(err))
	}

	// A party that dropped while the room was being set up gets the grace window
	for _, userID := range rm.users {
		if !r.registry.Online(userID) {
			r.startGrace(rm)
			break
		}
	}
	return OutcomeOK
}

func (r *Relay) sendSessionReady(rm *room, userID string) {
	peerID, peerName := rm.peer(userID)
	if conn, ok := r.registry.Connection(peerID); ok && peerName == "" {
		peerName = conn.UserName
	}
	if err := r.registry.Send(userID, &protocol.Message{
		Type:      protocol.TypeSessionReady,
		CallID:    rm.callID,
		RoomID:    rm.id,
		SessionID: rm.id,
		Peer: &protocol.Peer{
			ID:   peerID,
			Name: peerName,
			DBID: peerID,
		},
	}); err != nil {
		logger.Warn("Failed to send session_ready",
			zap.String("room_id", rm.id),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

func (r *Relay) handleEndRinging(h registry.Handle, msg *protocol.Message, byCaller bool) Outcome {
	userID := h.UserID()

	var attempt domain.CallAttempt
	var err error
	if byCaller {
		attempt, err = r.calls.Cancel(msg.CallID, userID, domain.EndReasonCancelled)
	} else {
		attempt, err = r.calls.Decline(msg.CallID, userID, domain.EndReasonDeclined)
	}
	if err != nil {
		return r.reject(h, msg, err)
	}

	reason := msg.Reason
	if reason == "" {
		reason = protocol.ReasonDeclined
		if byCaller {
			reason = protocol.ReasonCancelled
		}
	}

	forward := &protocol.Message{
		Type:     msg.Type,
		CallID:   attempt.CallID,
		CallerID: attempt.CallerID,
		CalleeID: attempt.CalleeID,
		Reason:   reason,
	}
	if err := r.registry.Send(attempt.Counterpart(userID), forward); err != nil {
		r.reply(h, protocol.Ack(msg))
		return OutcomeAck
	}
	return OutcomeOK
}

func (r *Relay) handleNegotiation(h registry.Handle, msg *protocol.Message) Outcome {
	userID := h.UserID()
	rm, ok := r.room(msg.RoomID)
	if !ok {
		// Candidates still trickling in after the session ended
		if _, recent := r.closed.Get(msg.RoomID); recent {
			r.reply(h, protocol.Ack(msg))
			return OutcomeAck
		}
		return r.reject(h, msg, errors.ProtocolViolationError("unknown room "+msg.RoomID))
	}
	if !rm.has(userID) {
		return r.reject(h, msg, errors.ProtocolViolationError("not a member of room "+msg.RoomID))
	}

	peerID, _ := rm.peer(userID)
	forward := &protocol.Message{
		Type:     msg.Type,
		RoomID:   rm.id,
		SenderID: userID,
		Payload:  msg.Payload,
	}
	if err := r.registry.Send(peerID, forward); err != nil {
		return r.reject(h, msg, errors.TargetUnavailableError())
	}
	return OutcomeOK
}

func (r *Relay) handleEndSession(ctx context.Context, h registry.Handle, msg *protocol.Message) Outcome {
	userID := h.UserID()

	status := domain.SessionStatusCompleted
	switch msg.Status {
	case "", string(domain.SessionStatusCompleted):
	case string(domain.SessionStatusDisconnected):
		status = domain.SessionStatusDisconnected
	default:
		return r.reject(h, msg, errors.ProtocolViolationError("end_session status must be completed or disconnected"))
	}

	rm, ok := r.room(msg.RoomID)
	if !ok {
		if _, recent := r.closed.Get(msg.RoomID); recent {
			r.reply(h, protocol.Ack(msg))
			return OutcomeAck
		}
		return r.reject(h, msg, errors.ProtocolViolationError("unknown room "+msg.RoomID))
	}
	if !rm.has(userID) {
		return r.reject(h, msg, errors.ProtocolViolationError("not a member of room "+msg.RoomID))
	}

	closed, err := r.closeRoom(ctx, rm, status, userID)
	if err != nil {
		r.reply(h, protocol.Error(msg, string(errors.GetAppError(err).Code), "session end could not be recorded"))
		return OutcomeError
	}
	if !closed {
		r.reply(h, protocol.Ack(msg))
		return OutcomeAck
	}
	r.reply(h, &protocol.Message{
		Type:      protocol.TypeSessionEnded,
		RoomID:    rm.id,
		SessionID: rm.id,
		Status:    string(status),
	})
	return OutcomeOK
}

func (r *Relay) handleSendMessage(ctx context.Context, h registry.Handle, msg *protocol.Message) Outcome {
	out, err := r.messages.Send(ctx, &chat.SendInput{
		SenderID:   h.UserID(),
		ReceiverID: msg.ReceiverID,
		Text:       msg.Text,
		TempID:     msg.TempID,
		Path:       chat.PathSocket,
	})
	if err != nil {
		appErr := errors.GetAppError(err)
		r.reply(h, &protocol.Message{
			Type:       protocol.TypeMessageFailed,
			TempID:     msg.TempID,
			ReceiverID: msg.ReceiverID,
			Code:       string(appErr.Code),
			Message:    appErr.Message,
		})
		return OutcomeError
	}

	r.reply(h, &protocol.Message{
		Type:       protocol.TypeMessageSent,
		TempID:     msg.TempID,
		MessageID:  out.Message.ID,
		ReceiverID: out.Message.ReceiverID,
		Timestamp:  out.Message.CreatedAt.UnixMilli(),
	})
	return OutcomeOK
}

// Connected is called after a handle became the user's authoritative
// connection. Rooms waiting on this user stop their grace window and the
// user is told where to renegotiate.
func (r *Relay) Connected(h registry.Handle) {
	userID := h.UserID()
	for _, rm := range r.roomsOf(userID) {
		if r.sessions.CancelGrace(rm.id) {
			logger.Info("User returned within grace window",
				zap.String("room_id", rm.id),
				zap.String("user_id", userID))
		}
		r.sendSessionReady(rm, userID)

		// the peer may have dropped while this user was away too
		if peerID, _ := rm.peer(userID); !r.registry.Online(peerID) {
			r.startGrace(rm)
		}
	}
}

// Disconnected is called after the user's authoritative connection went away
func (r *Relay) Disconnected(h registry.Handle) {
	userID := h.UserID()

	if attempt, ok := r.calls.ReleaseUser(userID); ok {
		if _, inRoom := r.roomByCall(attempt.CallID); !inRoom {
			r.notifyReleased(attempt, userID)
		}
	}

	for _, rm := range r.roomsOf(userID) {
		r.startGrace(rm)
	}
}

// notifyReleased tells the counterpart of a ringing call that the other side dropped
func (r *Relay) notifyReleased(attempt domain.CallAttempt, goneUserID string) {
	msg := &protocol.Message{
		CallID:   attempt.CallID,
		CallerID: attempt.CallerID,
		CalleeID: attempt.CalleeID,
		Reason:   protocol.ReasonDisconnected,
	}
	target := attempt.CallerID
	msg.Type = protocol.TypeDeclineCall
	if goneUserID == attempt.CallerID {
		target = attempt.CalleeID
		msg.Type = protocol.TypeCancelCall
	}
	_ = r.registry.Send(target, msg)
}

// StatusChanged forwards presence changes to the user's room peers
func (r *Relay) StatusChanged(_ context.Context, change domain.StatusChange) {
	for _, rm := range r.roomsOf(change.UserID) {
		peerID, _ := rm.peer(change.UserID)
		_ = r.registry.Send(peerID, &protocol.Message{
			Type:      protocol.TypeUserStatusChanged,
			RoomID:    rm.id,
			UserID:    change.UserID,
			Status:    string(change.Status),
			Timestamp: change.At.UnixMilli(),
		})
	}
}

// TerminateSession force-closes a session on behalf of an administrator and
// tells both participants
func (r *Relay) TerminateSession(ctx context.Context, sessionID string) (*domain.LiveSession, error) {
	ls, closed, err := r.sessions.ForceTerminate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if rm, ok := r.room(sessionID); ok && rm.markClosed() {
		r.removeRoom(rm)
		for _, userID := range rm.users {
			_ = r.registry.Send(userID, &protocol.Message{
				Type:      protocol.TypeSessionEnded,
				RoomID:    rm.id,
				SessionID: rm.id,
				Status:    string(domain.SessionStatusTerminated),
			})
		}
	}

	logger.Info("Session terminated by administrator",
		zap.String("session_id", sessionID),
		zap.Bool("closed", closed))
	return ls, nil
}

// Rooms returns the number of live rooms
func (r *Relay) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Relay) onCallExpired(attempt domain.CallAttempt) {
	_ = r.registry.Send(attempt.CalleeID, &protocol.Message{
		Type:     protocol.TypeCancelCall,
		CallID:   attempt.CallID,
		CallerID: attempt.CallerID,
		CalleeID: attempt.CalleeID,
		Reason:   protocol.ReasonTimeout,
	})
	_ = r.registry.Send(attempt.CallerID, &protocol.Message{
		Type:     protocol.TypeDeclineCall,
		CallID:   attempt.CallID,
		CallerID: attempt.CallerID,
		CalleeID: attempt.CalleeID,
		Reason:   protocol.ReasonTimeout,
	})
	r.notifyMissed(attempt, protocol.ReasonTimeout)
}

func (r *Relay) startGrace(rm *room) {
	r.sessions.StartGrace(rm.id, func() {
		if r.registry.Online(rm.users[0]) && r.registry.Online(rm.users[1]) {
			return
		}
		ctx, cancel := appctx.WithMediumTimeout(context.Background())
		defer cancel()
		if _, err := r.closeRoom(ctx, rm, domain.SessionStatusDisconnected, ""); err != nil {
			logger.Error("Failed to close session after grace window, retrying after another window",
				zap.String("room_id", rm.id),
				zap.Error(err))
			r.startGrace(rm)
		}
	})
}

// closeRoom closes the session once and tells the users other than closedBy.
// A room whose close was not recorded stays live so the close can be retried.
func (r *Relay) closeRoom(ctx context.Context, rm *room, status domain.SessionStatus, closedBy string) (bool, error) {
	if !rm.markClosed() {
		return false, nil
	}

	if _, err := r.sessions.Close(ctx, rm.id, status); err != nil {
		rm.reopen()
		return false, err
	}
	r.removeRoom(rm)

	for _, userID := range rm.users {
		if userID == closedBy {
			continue
		}
		_ = r.registry.Send(userID, &protocol.Message{
			Type:      protocol.TypeSessionEnded,
			RoomID:    rm.id,
			SessionID: rm.id,
			Status:    string(status),
		})
	}
	return true, nil
}

func (r *Relay) notifyMissed(attempt domain.CallAttempt, reason string) {
	if r.notifier == nil || attempt.CalleeID == "" {
		return
	}
	missed := push.MissedCall{
		CallID:     attempt.CallID,
		CallerID:   attempt.CallerID,
		CallerName: attempt.CallerName,
		CalleeID:   attempt.CalleeID,
		Reason:     reason,
		At:         time.Now(),
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := appctx.WithMediumTimeout(context.Background())
		defer cancel()
		if err := r.notifier.SendMissedCallNotification(ctx, missed); err != nil {
			logger.Warn("Failed to send missed call notification",
				zap.String("call_id", missed.CallID),
				zap.String("callee_id", missed.CalleeID),
				zap.Error(err))
		}
	}()
}

func (r *Relay) reply(h registry.Handle, msg *protocol.Message) {
	if err := h.Send(msg); err != nil {
		logger.Debug("Failed to reply",
			zap.String("user_id", h.UserID()),
			zap.String("type", string(msg.Type)),
			zap.Error(err))
	}
}

// reject answers msg with ack for lost races and error otherwise
func (r *Relay) reject(h registry.Handle, msg *protocol.Message, err error) Outcome {
	if stderrors.Is(err, call.ErrRaceLost) {
		r.reply(h, protocol.Ack(msg))
		return OutcomeAck
	}
	code := codeFor(err)
	logger.Warn("Signaling message rejected",
		zap.String("user_id", h.UserID()),
		zap.String("type", string(msg.Type)),
		zap.String("code", string(code)),
		zap.Error(err))
	r.reply(h, protocol.Error(msg, string(code), err.Error()))
	return OutcomeError
}

func (r *Relay) addRoom(rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[rm.id] = rm
	r.byCall[rm.callID] = rm
	for _, userID := range rm.users {
		if r.userRooms[userID] == nil {
			r.userRooms[userID] = make(map[string]*room)
		}
		r.userRooms[userID][rm.id] = rm
	}
	metrics.LiveSessionsActive.Inc()
}

func (r *Relay) removeRoom(rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[rm.id]; !ok {
		return
	}
	delete(r.rooms, rm.id)
	delete(r.byCall, rm.callID)
	for _, userID := range rm.users {
		delete(r.userRooms[userID], rm.id)
		if len(r.userRooms[userID]) == 0 {
			delete(r.userRooms, userID)
		}
	}
	r.closed.Set(rm.id, rm.callID, 0)
	metrics.LiveSessionsActive.Dec()
}

func (r *Relay) room(roomID string) (*room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	return rm, ok
}

func (r *Relay) roomByCall(callID string) (*room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.byCall[callID]
	return rm, ok
}

func (r *Relay) roomsOf(userID string) []*room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]*room, 0, len(r.userRooms[userID]))
	for _, rm := range r.userRooms[userID] {
		rooms = append(rooms, rm)
	}
	return rooms
}

// codeFor maps service errors to wire error codes
func codeFor(err error) errors.ErrorCode {
	switch {
	case errors.IsAppError(err):
		return errors.GetAppError(err).Code
	case stderrors.Is(err, call.ErrUnknownCall),
		stderrors.Is(err, call.ErrNotParticipant),
		stderrors.Is(err, call.ErrDuplicateCall):
		return errors.ErrCodeProtocolViolation
	case stderrors.Is(err, call.ErrSameParty):
		return errors.ErrCodeSameParty
	case stderrors.Is(err, call.ErrCallerBusy):
		return errors.ErrCodeCallerBusy
	case stderrors.Is(err, call.ErrCalleeBusy):
		return errors.ErrCodeCalleeBusy
	case stderrors.Is(err, call.ErrRateLimited):
		return errors.ErrCodeRateLimitExceeded
	case stderrors.Is(err, registry.ErrNotConnected):
		return errors.ErrCodeTargetUnavailable
	default:
		return errors.ErrCodeInternal
	}
}

var _ registry.StatusListener = (*Relay)(nil)
