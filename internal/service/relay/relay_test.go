package relay

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"skillswap-backend/internal/domain"
	"skillswap-backend/internal/service/call"
	"skillswap-backend/internal/service/chat"
	"skillswap-backend/internal/service/registry"
	"skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/protocol"
	"skillswap-backend/pkg/push"
)

type fakeHandle struct {
	id     string
	userID string

	mu     sync.Mutex
	sent   []*protocol.Message
	closed bool
}

func (h *fakeHandle) ID() string     { return h.id }
func (h *fakeHandle) UserID() string { return h.userID }

func (h *fakeHandle) Send(msg *protocol.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return registry.ErrNotConnected
	}
	h.sent = append(h.sent, msg)
	return nil
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *fakeHandle) messages() []*protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*protocol.Message, len(h.sent))
	copy(out, h.sent)
	return out
}

func (h *fakeHandle) last(t protocol.Type) *protocol.Message {
	msgs := h.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == t {
			return msgs[i]
		}
	}
	return nil
}

func (h *fakeHandle) count(t protocol.Type) int {
	n := 0
	for _, m := range h.messages() {
		if m.Type == t {
			n++
		}
	}
	return n
}

// fakeSessions keeps sessions in memory and runs grace windows on real timers
type fakeSessions struct {
	grace   time.Duration
	openErr error
	// closeFailures is how many Close calls fail before one succeeds
	closeFailures int

	mu       sync.Mutex
	sessions map[string]*domain.LiveSession
	timers   map[string]*time.Timer
}

func newFakeSessions(grace time.Duration) *fakeSessions {
	return &fakeSessions{
		grace:    grace,
		sessions: make(map[string]*domain.LiveSession),
		timers:   make(map[string]*time.Timer),
	}
}

func (f *fakeSessions) Open(_ context.Context, sessionID, callerID, calleeID, topic string) (*domain.LiveSession, error) {
	ls := &domain.LiveSession{
		SessionID: sessionID,
		User1ID:   callerID,
		User2ID:   calleeID,
		Topic:     topic,
		StartedAt: time.Now(),
		Status:    domain.SessionStatusOngoing,
	}
	if f.openErr != nil {
		return ls, f.openErr
	}
	f.mu.Lock()
	f.sessions[sessionID] = ls
	f.mu.Unlock()
	return ls, nil
}

func (f *fakeSessions) Close(_ context.Context, sessionID string, status domain.SessionStatus) (bool, error) {
	f.CancelGrace(sessionID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeFailures > 0 {
		f.closeFailures--
		return false, errors.DurableWriteError(stderrors.New("cluster down"))
	}
	ls, ok := f.sessions[sessionID]
	if !ok || ls.Status != domain.SessionStatusOngoing {
		return false, nil
	}
	now := time.Now()
	ls.Status = status
	ls.EndedAt = &now
	return true, nil
}

func (f *fakeSessions) ForceTerminate(ctx context.Context, sessionID string) (*domain.LiveSession, bool, error) {
	f.mu.Lock()
	_, ok := f.sessions[sessionID]
	f.mu.Unlock()
	if !ok {
		return nil, false, errors.SessionNotFoundError()
	}
	closed, _ := f.Close(ctx, sessionID, domain.SessionStatusTerminated)
	return f.get(sessionID), closed, nil
}

func (f *fakeSessions) StartGrace(sessionID string, onExpire func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.timers[sessionID]; ok {
		return false
	}
	f.timers[sessionID] = time.AfterFunc(f.grace, func() {
		f.mu.Lock()
		_, pending := f.timers[sessionID]
		delete(f.timers, sessionID)
		f.mu.Unlock()
		if pending {
			onExpire()
		}
	})
	return true
}

func (f *fakeSessions) CancelGrace(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.timers[sessionID]
	if ok {
		t.Stop()
		delete(f.timers, sessionID)
	}
	return ok
}

func (f *fakeSessions) get(sessionID string) *domain.LiveSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	ls, ok := f.sessions[sessionID]
	if !ok {
		return nil
	}
	cp := *ls
	return &cp
}

type MockMessageSender struct {
	mock.Mock
}

func (m *MockMessageSender) Send(ctx context.Context, input *chat.SendInput) (*chat.SendOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*chat.SendOutput), args.Error(1)
}

type recordingNotifier struct {
	mu     sync.Mutex
	missed []push.MissedCall
}

func (n *recordingNotifier) SendMissedCallNotification(_ context.Context, call push.MissedCall) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.missed = append(n.missed, call)
	return nil
}

func (n *recordingNotifier) calls() []push.MissedCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]push.MissedCall, len(n.missed))
	copy(out, n.missed)
	return out
}

type harness struct {
	relay    *Relay
	registry *registry.Registry
	calls    *call.Manager
	sessions *fakeSessions
	messages *MockMessageSender
	notifier *recordingNotifier
}

func newHarness(t *testing.T, ringTimeout, minInterval, grace time.Duration) *harness {
	t.Helper()
	reg := registry.New()
	calls := call.NewManager(call.Config{RingTimeout: ringTimeout, MinCallInterval: minInterval})
	t.Cleanup(calls.Close)

	h := &harness{
		registry: reg,
		calls:    calls,
		sessions: newFakeSessions(grace),
		messages: new(MockMessageSender),
		notifier: &recordingNotifier{},
	}
	h.relay = New(reg, calls, h.sessions, h.messages, h.notifier)
	return h
}

func (h *harness) connect(connID, userID, name string) *fakeHandle {
	fh := &fakeHandle{id: connID, userID: userID}
	h.registry.Register(userID, name, fh)
	h.relay.Connected(fh)
	return fh
}

func (h *harness) disconnect(fh *fakeHandle) {
	fh.Close()
	if h.registry.OnDisconnect(fh) {
		h.relay.Disconnected(fh)
	}
}

func (h *harness) send(fh *fakeHandle, msg *protocol.Message) {
	h.relay.Handle(context.Background(), fh, msg)
}

// establish rings bob from alice and has bob accept, returning the room id
func (h *harness) establish(t *testing.T, alice, bob *fakeHandle, callID string) string {
	t.Helper()
	h.send(alice, &protocol.Message{Type: protocol.TypeDirectCall, CallID: callID, CalleeID: bob.userID, Topic: "Go"})
	require.NotNil(t, bob.last(protocol.TypeDirectCall))
	h.send(bob, &protocol.Message{Type: protocol.TypeAcceptCall, CallID: callID})
	ready := alice.last(protocol.TypeSessionReady)
	require.NotNil(t, ready)
	return ready.RoomID
}

func TestDirectCall_AcceptOpensSession(t *testing.T) {
	h := newHarness(t, time.Second, 0, time.Second)
	alice := h.connect("c1", "1", "Alice")
	bob := h.connect("c2", "2", "Bob")

	h.send(alice, &protocol.Message{Type: protocol.TypeDirectCall, CallID: "c1", CalleeID: "2", Topic: "Guitar"})

	ring := bob.last(protocol.TypeDirectCall)
	require.NotNil(t, ring)
	assert.Equal(t, "1", ring.CallerID)
	assert.Equal(t, "Alice", ring.CallerName)
	assert.Equal(t, domain.CallStateRingingOut, h.calls.UserState("1").State)
	assert.Equal(t, domain.CallStateRingingIn, h.calls.UserState("2").State)

	h.send(bob, &protocol.Message{Type: protocol.TypeAcceptCall, CallID: "c1"})

	aliceReady := alice.last(protocol.TypeSessionReady)
	bobReady := bob.last(protocol.TypeSessionReady)
	require.NotNil(t, aliceReady)
	require.NotNil(t, bobReady)
	assert.Equal(t, aliceReady.RoomID, bobReady.RoomID)
	assert.Equal(t, aliceReady.RoomID, aliceReady.SessionID)
	assert.Equal(t, "2", aliceReady.Peer.DBID)
	assert.Equal(t, "Bob", aliceReady.Peer.Name)
	assert.Equal(t, "1", bobReady.Peer.ID)
	assert.Equal(t, 1, alice.count(protocol.TypeSessionReady))

	ls := h.sessions.get(aliceReady.RoomID)
	require.NotNil(t, ls)
	assert.Equal(t, "1", ls.User1ID)
	assert.Equal(t, "2", ls.User2ID)
	assert.Equal(t, "Guitar", ls.Topic)
	assert.Equal(t, domain.SessionStatusOngoing, ls.Status)

	assert.Equal(t, domain.CallStateIdle, h.calls.UserState("1").State)
	assert.Equal(t, domain.CallStateIdle, h.calls.UserState("2").State)
	assert.Equal(t, 1, h.relay.Rooms())
}

func TestDirectCall_OfflineCallee(t *testing.T) {
	h := newHarness(t, time.Second, 0, time.Second)
	alice := h.connect("c1", "1", "Alice")

	h.send(alice, &protocol.Message{Type: protocol.TypeDirectCall, CallID: "c1", CalleeID: "2"})

	decline := alice.last(protocol.TypeDeclineCall)
	require.NotNil(t, decline)
	assert.Equal(t, protocol.ReasonUnavailable, decline.Reason)
	assert.Equal(t, domain.CallStateIdle, h.calls.UserState("1").State)

	h.relay.Wait()
	missed := h.notifier.calls()
	require.Len(t, missed, 1)
	assert.Equal(t, "2", missed[0].CalleeID)
	assert.Equal(t, protocol.ReasonUnavailable, missed[0].Reason)
}

func TestDirectCall_Rejections(t *testing.T) {
	t.Run("same party", func(t *testing.T) {
		h := newHarness(t, time.Second, 0, time.Second)
		alice := h.connect("c1", "1", "Alice")

		h.send(alice, &protocol.Message{Type: protocol.TypeDirectCall, CallID: "c1", CalleeID: "1"})

		cancel := alice.last(protocol.TypeCancelCall)
		require.NotNil(t, cancel)
		assert.Equal(t, protocol.ReasonSameParty, cancel.Reason)
	})

	t.Run("busy callee", func(t *testing.T) {
		h := newHarness(t, time.Second, 0, time.Second)
		alice := h.connect("c1", "1", "Alice")
		bob := h.connect("c2", "2", "Bob")
		carol := h.connect("c3", "3", "Carol")

		h.send(alice, &protocol.Message{Type: protocol.TypeDirectCall, CallID: "a-b", CalleeID: "2"})
		h.send(carol, &protocol.Message{Type: protocol.TypeDirectCall, CallID: "c-b", CalleeID: "2"})

		decline := carol.last(protocol.TypeDeclineCall)
		require.NotNil(t, decline)
		assert.Equal(t, protocol.ReasonBusy, decline.Reason)
		assert.Equal(t, 1, bob.count(protocol.TypeDirectCall))
	})

	t.Run("busy caller", func(t *testing.T) {
		h := newHarness(t, time.Second, 0, time.Second)
		alice := h.connect("c1", "1", "Alice")
		h.connect("c2", "2", "Bob")
		h.connect("c3", "3", "Carol")

		h.send(alice, &protocol.Message{Type: protocol.TypeDirectCall, CallID: "a-b", CalleeID: "2"})
		h.send(alice, &protocol.Message{Type: protocol.TypeDirectCall, CallID: "a-c", CalleeID: "3"})

		cancel := alice.last(protocol.TypeCancelCall)
		require.NotNil(t, cancel)
		assert.Equal(t, "a-c", cancel.CallID)
		assert.Equal(t, protocol.ReasonBusy, cancel.Reason)
	})

	t.Run("rate limited", func(t *testing.T) {
		h := newHarness(t, time.Second, time.Minute, time.Second)
		alice := h.connect("c1", "1", "Alice")
		h.connect("c2", "2", "Bob")

		h.send(alice, &protocol.Message{Type: protocol.TypeDirectCall, CallID: "first", CalleeID: "2"})
		h.send(alice, &protocol.Message{Type: protocol.TypeCancelCall, CallID: "first"})
		h.send(alice, &protocol.Message{Type: protocol.TypeDirectCall, CallID: "second", CalleeID: "2"})

		cancel := alice.last(protocol.TypeCancelCall)
		require.NotNil(t, cancel)
		assert.Equal(t, "second", cancel.CallID)
		assert.Equal(t, protocol.ReasonRateLimited, cancel.Reason)
	})
}

func TestDecline_ForwardedThenAcked(t *testing.T) {
	h := newHarness(t, time.Second, 0, time.Second)
	alice := h.connect("c1", "1", "Alice")
	bob := h.connect("c2", "2", "Bob")

	h.send(alice, &protocol.Message{Type: protocol.TypeDirectCall, CallID: "c1", CalleeID: "2"})
	h.send(bob, &protocol.Message{Type: protocol.TypeDeclineCall, CallID: "c1"})

	decline := alice.last(protocol.TypeDeclineCall)
	require.NotNil(t, decline)
	assert.Equal(t, protocol.ReasonDeclined, decline.Reason)

	// Late duplicate is a lost race, not an error
	h.send(bob, &protocol.Message{Type: protocol.TypeDeclineCall, CallID: "c1"})
	assert.NotNil(t, bob.last(protocol.TypeAck))
	assert.Nil(t, bob.last(protocol.TypeError))

	// Accept after decline is a lost race as well
	h.send(bob, &protocol.Message{Type: protocol.TypeAcceptCall, CallID: "c1"})
	assert.Equal(t, 2, bob.count(protocol.TypeAck))
	assert.Nil(t, alice.last(protocol.TypeSessionReady))
}

func TestAccept_UnknownCall(t *testing.T) {
	h := newHarness(t, time.Second, 0, time.Second)
	bob := h.connect("c2", "2", "Bob")

	h.send(bob, &protocol.Message{Type: protocol.TypeAcceptCall, CallID: "nope"})

	errMsg := bob.last(protocol.TypeError)
	require.NotNil(t, errMsg)
	assert.Equal(t, string(errors.ErrCodeProtocolViolation), errMsg.Code)
}

func TestAccept_ByCallerIsViolation(t *testing.T) {
	h := newHarness(t, time.Second, 0, time.Second)
	alice := h.connect("c1", "1", "Alice")
	h.connect("c2", "2", "Bob")

	h.send(alice, &protocol.Message{Type: protocol.TypeDirectCall, CallID: "c1", CalleeID: "2"})
	h.send(alice, &protocol.Message{Type: protocol.TypeAcceptCall, CallID: "c1"})

	errMsg := alice.last(protocol.TypeError)
	require.NotNil(t, errMsg)
	assert.Equal(t, string(errors.ErrCodeProtocolViolation), errMsg.Code)
	assert.Equal(t, domain.CallStateRingingOut, h.calls.UserState("1").State)
}

func TestRingTimeout(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond, 0, time.Second)
	alice := h.connect("c1", "1", "Alice")
	bob := h.connect("c2", "2", "Bob")

	h.send(alice, &protocol.Message{Type: protocol.TypeDirectCall, CallID: "c1", CalleeID: "2"})

	require.Eventually(t, func() bool {
		return alice.last(protocol.TypeDeclineCall) != nil && bob.last(protocol.TypeCancelCall) != nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, protocol.ReasonTimeout, alice.last(protocol.TypeDeclineCall).Reason)
	assert.Equal(t, protocol.ReasonTimeout, bob.last(protocol.TypeCancelCall).Reason)

	require.Eventually(t, func() bool { return len(h.notifier.calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.ReasonTimeout, h.notifier.calls()[0].Reason)

	// Accept after expiry
	h.send(bob, &protocol.Message{Type: protocol.TypeAcceptCall, CallID: "c1"})
	assert.NotNil(t, bob.last(protocol.TypeAck))
	assert.Equal(t, 0, h.relay.Rooms())
}

func TestNegotiationRelay(t *testing.T) {
	h := newHarness(t, time.Second, 0, time.Second)
	alice := h.connect("c1", "1", "Alice")
	bob := h.connect("c2", "2", "Bob")
	carol := h.connect("c3", "3", "Carol")
	roomID := h.establish(t, alice, bob, "c1")

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	h.send(alice, &protocol.Message{Type: protocol.TypeOffer, RoomID: roomID, Payload: offer})

	got := bob.last(protocol.TypeOffer)
	require.NotNil(t, got)
	assert.JSONEq(t, string(offer), string(got.Payload))
	assert.Equal(t, "1", got.SenderID)

	h.send(bob, &protocol.Message{Type: protocol.TypeAnswer, RoomID: roomID, Payload: json.RawMessage(`{"type":"answer"}`)})
	assert.NotNil(t, alice.last(protocol.TypeAnswer))

	h.send(carol, &protocol.Message{Type: protocol.TypeICECandidate, RoomID: roomID, Payload: json.RawMessage(`{}`)})
	require.NotNil(t, carol.last(protocol.TypeError))
	assert.Equal(t, string(errors.ErrCodeProtocolViolation), carol.last(protocol.TypeError).Code)
	assert.Nil(t, bob.last(protocol.TypeICECandidate))

	h.send(alice, &protocol.Message{Type: protocol.TypeOffer, RoomID: "missing", Payload: offer})
	assert.Equal(t, string(errors.ErrCodeProtocolViolation), alice.last(protocol.TypeError).Code)
}

func TestEndSession(t *testing.T) {
	h := newHarness(t, time.Second, 0, time.Second)
	alice := h.connect("c1", "1", "Alice")
	bob := h.connect("c2", "2", "Bob")
	roomID := h.establish(t, alice, bob, "c1")

	h.send(alice, &protocol.Message{Type: protocol.TypeEndSession, RoomID: roomID})

	ended := bob.last(protocol.TypeSessionEnded)
	require.NotNil(t, ended)
	assert.Equal(t, string(domain.SessionStatusCompleted), ended.Status)
	assert.NotNil(t, alice.last(protocol.TypeSessionEnded))
	assert.Equal(t, domain.SessionStatusCompleted, h.sessions.get(roomID).Status)

	// Both peers pressing end at once
	h.send(bob, &protocol.Message{Type: protocol.TypeEndSession, RoomID: roomID})
	assert.NotNil(t, bob.last(protocol.TypeAck))
	assert.Equal(t, domain.SessionStatusCompleted, h.sessions.get(roomID).Status)

	// Trickle after end
	h.send(bob, &protocol.Message{Type: protocol.TypeICECandidate, RoomID: roomID, Payload: json.RawMessage(`{}`)})
	assert.Nil(t, bob.last(protocol.TypeError))
}

func TestEndSession_NegotiationFailure(t *testing.T) {
	h := newHarness(t, time.Second, 0, time.Second)
	alice := h.connect("c1", "1", "Alice")
	bob := h.connect("c2", "2", "Bob")
	roomID := h.establish(t, alice, bob, "c1")

	h.send(alice, &protocol.Message{Type: protocol.TypeEndSession, RoomID: roomID, Status: "disconnected"})
	assert.Equal(t, domain.SessionStatusDisconnected, h.sessions.get(roomID).Status)

	h.send(alice, &protocol.Message{Type: protocol.TypeEndSession, RoomID: roomID, Status: "terminated"})
	assert.Equal(t, string(errors.ErrCodeProtocolViolation), alice.last(protocol.TypeError).Code)
}

func TestDisconnectGraceExpires(t *testing.T) {
	h := newHarness(t, time.Second, 0, 30*time.Millisecond)
	alice := h.connect("c1", "1", "Alice")
	bob := h.connect("c2", "2", "Bob")
	roomID := h.establish(t, alice, bob, "c1")

	h.disconnect(bob)

	status := alice.last(protocol.TypeUserStatusChanged)
	require.NotNil(t, status)
	assert.Equal(t, string(domain.PresenceOffline), status.Status)
	assert.Equal(t, domain.SessionStatusOngoing, h.sessions.get(roomID).Status)

	require.Eventually(t, func() bool {
		return alice.last(protocol.TypeSessionEnded) != nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, string(domain.SessionStatusDisconnected), alice.last(protocol.TypeSessionEnded).Status)
	ls := h.sessions.get(roomID)
	assert.Equal(t, domain.SessionStatusDisconnected, ls.Status)
	assert.NotNil(t, ls.EndedAt)
	assert.Equal(t, 0, h.relay.Rooms())
}

func TestReconnectWithinGrace(t *testing.T) {
	h := newHarness(t, time.Second, 0, 80*time.Millisecond)
	alice := h.connect("c1", "1", "Alice")
	bob := h.connect("c2", "2", "Bob")
	roomID := h.establish(t, alice, bob, "c1")

	h.disconnect(bob)
	bobAgain := h.connect("c2b", "2", "Bob")

	ready := bobAgain.last(protocol.TypeSessionReady)
	require.NotNil(t, ready)
	assert.Equal(t, roomID, ready.RoomID)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, domain.SessionStatusOngoing, h.sessions.get(roomID).Status)
	assert.Nil(t, alice.last(protocol.TypeSessionEnded))
	assert.Equal(t, string(domain.PresenceOnline), alice.last(protocol.TypeUserStatusChanged).Status)
}

func TestGraceRestartsWhileOtherPeerAway(t *testing.T) {
	h := newHarness(t, time.Second, 0, 80*time.Millisecond)
	alice := h.connect("c1", "1", "Alice")
	bob := h.connect("c2", "2", "Bob")
	roomID := h.establish(t, alice, bob, "c1")

	h.disconnect(bob)
	h.disconnect(alice)
	aliceAgain := h.connect("c1b", "1", "Alice")
	require.NotNil(t, aliceAgain.last(protocol.TypeSessionReady))

	require.Eventually(t, func() bool {
		return aliceAgain.last(protocol.TypeSessionEnded) != nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, string(domain.SessionStatusDisconnected), aliceAgain.last(protocol.TypeSessionEnded).Status)
	assert.Equal(t, domain.SessionStatusDisconnected, h.sessions.get(roomID).Status)
	assert.Equal(t, 0, h.relay.Rooms())
}

func TestGraceNotRestartedWhenPeerOnline(t *testing.T) {
	h := newHarness(t, time.Second, 0, 50*time.Millisecond)
	alice := h.connect("c1", "1", "Alice")
	bob := h.connect("c2", "2", "Bob")
	roomID := h.establish(t, alice, bob, "c1")

	h.disconnect(alice)
	h.connect("c1b", "1", "Alice")

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, domain.SessionStatusOngoing, h.sessions.get(roomID).Status)
	assert.Nil(t, bob.last(protocol.TypeSessionEnded))
	assert.Equal(t, 1, h.relay.Rooms())
}

func TestEndSession_CloseFailureKeepsRoom(t *testing.T) {
	h := newHarness(t, time.Second, 0, time.Second)
	alice := h.connect("c1", "1", "Alice")
	bob := h.connect("c2", "2", "Bob")
	roomID := h.establish(t, alice, bob, "c1")

	h.sessions.mu.Lock()
	h.sessions.closeFailures = 1
	h.sessions.mu.Unlock()

	h.send(alice, &protocol.Message{Type: protocol.TypeEndSession, RoomID: roomID})

	errMsg := alice.last(protocol.TypeError)
	require.NotNil(t, errMsg)
	assert.Equal(t, string(errors.ErrCodeDurableWriteFailure), errMsg.Code)
	assert.Nil(t, bob.last(protocol.TypeSessionEnded))
	assert.Equal(t, 1, h.relay.Rooms())
	assert.Equal(t, domain.SessionStatusOngoing, h.sessions.get(roomID).Status)

	h.send(bob, &protocol.Message{Type: protocol.TypeOffer, RoomID: roomID, Payload: json.RawMessage(`{}`)})
	assert.NotNil(t, alice.last(protocol.TypeOffer))

	h.send(alice, &protocol.Message{Type: protocol.TypeEndSession, RoomID: roomID})

	require.NotNil(t, alice.last(protocol.TypeSessionEnded))
	require.NotNil(t, bob.last(protocol.TypeSessionEnded))
	assert.Equal(t, domain.SessionStatusCompleted, h.sessions.get(roomID).Status)
	assert.Equal(t, 0, h.relay.Rooms())
}

func TestGraceExpiry_CloseFailureRetries(t *testing.T) {
	h := newHarness(t, time.Second, 0, 30*time.Millisecond)
	alice := h.connect("c1", "1", "Alice")
	bob := h.connect("c2", "2", "Bob")
	roomID := h.establish(t, alice, bob, "c1")

	h.sessions.mu.Lock()
	h.sessions.closeFailures = 1
	h.sessions.mu.Unlock()

	h.disconnect(bob)

	require.Eventually(t, func() bool {
		return alice.last(protocol.TypeSessionEnded) != nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, alice.count(protocol.TypeSessionEnded))
	assert.Equal(t, domain.SessionStatusDisconnected, h.sessions.get(roomID).Status)
	assert.Equal(t, 0, h.relay.Rooms())
}

func TestDisconnectWhileRinging(t *testing.T) {
	h := newHarness(t, time.Second, 0, time.Second)
	alice := h.connect("c1", "1", "Alice")
	bob := h.connect("c2", "2", "Bob")

	h.send(alice, &protocol.Message{Type: protocol.TypeDirectCall, CallID: "c1", CalleeID: "2"})
	h.disconnect(alice)

	cancel := bob.last(protocol.TypeCancelCall)
	require.NotNil(t, cancel)
	assert.Equal(t, protocol.ReasonDisconnected, cancel.Reason)
	assert.Equal(t, domain.CallStateIdle, h.calls.UserState("2").State)
}

func TestAccept_DurableWriteFailureKeepsCall(t *testing.T) {
	h := newHarness(t, time.Second, 0, time.Second)
	h.sessions.openErr = errors.DurableWriteError(stderrors.New("cluster down"))
	alice := h.connect("c1", "1", "Alice")
	bob := h.connect("c2", "2", "Bob")

	h.send(alice, &protocol.Message{Type: protocol.TypeDirectCall, CallID: "c1", CalleeID: "2"})
	h.send(bob, &protocol.Message{Type: protocol.TypeAcceptCall, CallID: "c1"})

	require.NotNil(t, alice.last(protocol.TypeSessionReady))
	require.NotNil(t, bob.last(protocol.TypeSessionReady))
	errMsg := alice.last(protocol.TypeError)
	require.NotNil(t, errMsg)
	assert.Equal(t, string(errors.ErrCodeDurableWriteFailure), errMsg.Code)
	assert.Nil(t, bob.last(protocol.TypeError))

	roomID := alice.last(protocol.TypeSessionReady).RoomID
	h.send(alice, &protocol.Message{Type: protocol.TypeOffer, RoomID: roomID, Payload: json.RawMessage(`{}`)})
	assert.NotNil(t, bob.last(protocol.TypeOffer))
}

func TestAcceptRacesCancel(t *testing.T) {
	for i := 0; i < 30; i++ {
		h := newHarness(t, time.Second, 0, time.Second)
		alice := h.connect("c1", "1", "Alice")
		bob := h.connect("c2", "2", "Bob")
		h.send(alice, &protocol.Message{Type: protocol.TypeDirectCall, CallID: "race", CalleeID: "2"})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.relay.Handle(context.Background(), bob, &protocol.Message{Type: protocol.TypeAcceptCall, CallID: "race"})
		}()
		go func() {
			defer wg.Done()
			h.relay.Handle(context.Background(), alice, &protocol.Message{Type: protocol.TypeCancelCall, CallID: "race"})
		}()
		wg.Wait()

		accepted := alice.last(protocol.TypeSessionReady) != nil
		cancelled := bob.last(protocol.TypeCancelCall) != nil
		assert.True(t, accepted != cancelled, "exactly one of accept and cancel must win")
	}
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t, time.Second, 0, time.Second)
	alice := h.connect("c1", "1", "Alice")

	h.messages.On("Send", mock.Anything, mock.MatchedBy(func(in *chat.SendInput) bool {
		return in.SenderID == "1" && in.TempID == "tmp-1" && in.Path == chat.PathSocket
	})).Return(&chat.SendOutput{Message: &domain.ChatMessage{ID: "msg-1", ReceiverID: "2", CreatedAt: time.Now()}}, nil).Once()
	h.messages.On("Send", mock.Anything, mock.MatchedBy(func(in *chat.SendInput) bool {
		return in.TempID == "tmp-2"
	})).Return(nil, errors.DurableWriteError(stderrors.New("down"))).Once()

	h.send(alice, &protocol.Message{Type: protocol.TypeSendMessage, ReceiverID: "2", Text: "hi", TempID: "tmp-1"})
	sent := alice.last(protocol.TypeMessageSent)
	require.NotNil(t, sent)
	assert.Equal(t, "tmp-1", sent.TempID)
	assert.Equal(t, "msg-1", sent.MessageID)

	h.send(alice, &protocol.Message{Type: protocol.TypeSendMessage, ReceiverID: "2", Text: "hi", TempID: "tmp-2"})
	failed := alice.last(protocol.TypeMessageFailed)
	require.NotNil(t, failed)
	assert.Equal(t, "tmp-2", failed.TempID)
	assert.Equal(t, string(errors.ErrCodeDurableWriteFailure), failed.Code)
}

func TestTerminateSession(t *testing.T) {
	h := newHarness(t, time.Second, 0, time.Second)
	alice := h.connect("c1", "1", "Alice")
	bob := h.connect("c2", "2", "Bob")
	roomID := h.establish(t, alice, bob, "c1")

	ls, err := h.relay.TerminateSession(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusTerminated, ls.Status)

	for _, fh := range []*fakeHandle{alice, bob} {
		ended := fh.last(protocol.TypeSessionEnded)
		require.NotNil(t, ended)
		assert.Equal(t, string(domain.SessionStatusTerminated), ended.Status)
	}
	assert.Equal(t, 0, h.relay.Rooms())

	_, err = h.relay.TerminateSession(context.Background(), "unknown")
	assert.True(t, errors.HasCode(err, errors.ErrCodeSessionNotFound))
}

func TestUnexpectedType(t *testing.T) {
	h := newHarness(t, time.Second, 0, time.Second)
	alice := h.connect("c1", "1", "Alice")

	h.relay.Handle(context.Background(), alice, &protocol.Message{Type: protocol.TypeSessionReady})
	assert.Equal(t, string(errors.ErrCodeProtocolViolation), alice.last(protocol.TypeError).Code)
}
