package callclient

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/protocol"
)

// MachineConfig tunes the local call state machine
type MachineConfig struct {
	RingTimeout time.Duration
	// Tick is the countdown granularity reported to the presenter
	Tick        time.Duration
	MinInterval time.Duration
}

// DefaultMachineConfig mirrors the server timings
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		RingTimeout: constants.RingTimeout,
		Tick:        time.Second,
		MinInterval: constants.MinCallInterval,
	}
}

// Machine is one user's view of the call lifecycle. It is safe for
// concurrent use by the UI and the connector's read loop.
type Machine struct {
	userID    string
	userName  string
	transport Transport
	presenter Presenter
	cfg       MachineConfig
	now       func() time.Time

	mu            sync.Mutex
	state         domain.CallState
	callID        string
	peerID        string
	lastEnded     string
	lastInitiated time.Time
	countdown     *countdown
}

type countdown struct {
	stop chan struct{}
	once sync.Once
}

func (c *countdown) cancel() {
	c.once.Do(func() { close(c.stop) })
}

// NewMachine creates an idle machine for userID
func NewMachine(userID, userName string, transport Transport, presenter Presenter, cfg MachineConfig) *Machine {
	if presenter == nil {
		presenter = nopPresenter{}
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.RingTimeout < cfg.Tick {
		cfg.RingTimeout = cfg.Tick
	}
	return &Machine{
		userID:    userID,
		userName:  userName,
		transport: transport,
		presenter: presenter,
		cfg:       cfg,
		now:       time.Now,
		state:     domain.CallStateIdle,
	}
}

// State returns the current state and call id
func (m *Machine) State() (domain.CallState, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.callID
}

// NewCallID builds <callerId>-<unixMillis>-<random>
func NewCallID(callerID string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s-%d-%s", callerID, at.UnixMilli(), suffix)
}

// InitiateCall rings calleeID and returns the new call id. Exactly one
// direct_call is sent per successful initiation.
func (m *Machine) InitiateCall(calleeID, calleeName, topic string) (string, error) {
	if calleeID == m.userID {
		return "", ErrSameParty
	}

	m.mu.Lock()
	if m.state != domain.CallStateIdle {
		m.mu.Unlock()
		return "", ErrBusy
	}
	now := m.now()
	if !m.lastInitiated.IsZero() && now.Sub(m.lastInitiated) < m.cfg.MinInterval {
		m.mu.Unlock()
		return "", ErrRateLimited
	}

	callID := NewCallID(m.userID, now)
	m.lastInitiated = now
	m.state = domain.CallStateRingingOut
	m.callID = callID
	m.peerID = calleeID
	m.startCountdownLocked(callID)
	m.mu.Unlock()

	m.presenter.Notify(Event{Kind: EventCallState, CallID: callID, PeerID: calleeID, CallState: domain.CallStateRingingOut})
	m.presenter.Notify(Event{Kind: EventCountdown, CallID: callID, Remaining: m.ticks()})

	err := m.transport.Send(&protocol.Message{
		Type:       protocol.TypeDirectCall,
		CallID:     callID,
		CallerID:   m.userID,
		CallerName: m.userName,
		CalleeID:   calleeID,
		CalleeName: calleeName,
		Topic:      topic,
	})
	if err != nil {
		m.onEnded(callID, protocol.ReasonUnavailable)
		return "", fmt.Errorf("failed to send direct_call: %w", err)
	}
	return callID, nil
}

// Accept answers the ringing call. Accepting the same call twice is a no-op.
func (m *Machine) Accept(callID string) error {
	m.mu.Lock()
	if m.callID == callID && m.state == domain.CallStateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.callID != callID || m.state != domain.CallStateRingingIn {
		m.mu.Unlock()
		return ErrNoSuchCall
	}
	m.state = domain.CallStateConnected
	m.stopCountdownLocked()
	peerID := m.peerID
	m.mu.Unlock()

	m.presenter.Notify(Event{Kind: EventCallState, CallID: callID, PeerID: peerID, CallState: domain.CallStateConnected})
	return m.transport.Send(&protocol.Message{Type: protocol.TypeAcceptCall, CallID: callID, CallerID: peerID, CalleeID: m.userID})
}

// Decline rejects the ringing call
func (m *Machine) Decline(callID string) error {
	return m.end(callID, domain.CallStateRingingIn, protocol.TypeDeclineCall, protocol.ReasonDeclined)
}

// Cancel withdraws an outgoing call
func (m *Machine) Cancel(callID string) error {
	return m.end(callID, domain.CallStateRingingOut, protocol.TypeCancelCall, protocol.ReasonCancelled)
}

func (m *Machine) end(callID string, from domain.CallState, typ protocol.Type, reason string) error {
	m.mu.Lock()
	if m.lastEnded == callID {
		m.mu.Unlock()
		return nil
	}
	if m.callID != callID || m.state != from {
		m.mu.Unlock()
		return ErrNoSuchCall
	}
	peerID := m.peerID
	m.resetLocked()
	m.mu.Unlock()

	m.presenter.Notify(Event{Kind: EventCallState, CallID: callID, PeerID: peerID, CallState: domain.CallStateTerminated, Reason: reason})
	msg := &protocol.Message{Type: typ, CallID: callID, Reason: reason}
	if typ == protocol.TypeCancelCall {
		msg.CallerID, msg.CalleeID = m.userID, peerID
	} else {
		msg.CallerID, msg.CalleeID = peerID, m.userID
	}
	return m.transport.Send(msg)
}

// Handle applies a frame received from the relay
func (m *Machine) Handle(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeDirectCall:
		m.onIncoming(msg)
	case protocol.TypeAcceptCall:
		m.onAccepted(msg)
	case protocol.TypeDeclineCall, protocol.TypeCancelCall:
		m.onEnded(msg.CallID, msg.Reason)
	case protocol.TypeError:
		if msg.CallID != "" {
			m.onEnded(msg.CallID, msg.Code)
		}
	case protocol.TypeSessionReady:
		m.onSessionReady(msg)
	}
}

func (m *Machine) onIncoming(msg *protocol.Message) {
	m.mu.Lock()
	if m.callID == msg.CallID {
		m.mu.Unlock()
		return
	}
	if m.state != domain.CallStateIdle {
		m.mu.Unlock()
		logger.Debug("Auto-declining call while busy",
			zap.String("call_id", msg.CallID),
			zap.String("caller_id", msg.CallerID))
		if err := m.transport.Send(&protocol.Message{
			Type:     protocol.TypeDeclineCall,
			CallID:   msg.CallID,
			CallerID: msg.CallerID,
			CalleeID: m.userID,
			Reason:   protocol.ReasonBusy,
		}); err != nil {
			logger.Warn("Failed to auto-decline call", zap.String("call_id", msg.CallID), zap.Error(err))
		}
		return
	}

	m.state = domain.CallStateRingingIn
	m.callID = msg.CallID
	m.peerID = msg.CallerID
	m.startCountdownLocked(msg.CallID)
	m.mu.Unlock()

	m.presenter.Notify(Event{Kind: EventCallState, CallID: msg.CallID, PeerID: msg.CallerID, CallState: domain.CallStateRingingIn})
	m.presenter.Notify(Event{Kind: EventCountdown, CallID: msg.CallID, Remaining: m.ticks()})
}

func (m *Machine) onAccepted(msg *protocol.Message) {
	m.mu.Lock()
	if m.callID != msg.CallID || m.state != domain.CallStateRingingOut {
		m.mu.Unlock()
		return
	}
	m.state = domain.CallStateConnected
	m.stopCountdownLocked()
	peerID := m.peerID
	m.mu.Unlock()

	m.presenter.Notify(Event{Kind: EventCallState, CallID: msg.CallID, PeerID: peerID, CallState: domain.CallStateConnected})
}

func (m *Machine) onEnded(callID, reason string) {
	m.mu.Lock()
	if m.callID != callID || m.state == domain.CallStateIdle {
		m.mu.Unlock()
		return
	}
	peerID := m.peerID
	m.resetLocked()
	m.mu.Unlock()

	m.presenter.Notify(Event{Kind: EventCallState, CallID: callID, PeerID: peerID, CallState: domain.CallStateTerminated, Reason: reason})
}

// onSessionReady hands the call over to the negotiation layer
func (m *Machine) onSessionReady(msg *protocol.Message) {
	m.mu.Lock()
	callID := m.callID
	if m.state != domain.CallStateIdle {
		m.resetLocked()
	}
	m.mu.Unlock()

	ev := Event{Kind: EventSessionReady, CallID: callID, RoomID: msg.RoomID, CallState: domain.CallStateIdle}
	if msg.Peer != nil {
		ev.PeerID = msg.Peer.ID
	}
	m.presenter.Notify(ev)
}

func (m *Machine) ticks() int {
	return int(m.cfg.RingTimeout / m.cfg.Tick)
}

func (m *Machine) startCountdownLocked(callID string) {
	m.stopCountdownLocked()
	cd := &countdown{stop: make(chan struct{})}
	m.countdown = cd

	go func() {
		ticker := time.NewTicker(m.cfg.Tick)
		defer ticker.Stop()

		for remaining := m.ticks() - 1; ; remaining-- {
			select {
			case <-cd.stop:
				return
			case <-ticker.C:
			}
			if remaining > 0 {
				m.tick(cd, callID, remaining)
				continue
			}
			m.expire(cd, callID)
			return
		}
	}()
}

func (m *Machine) tick(cd *countdown, callID string, remaining int) {
	m.mu.Lock()
	current := m.countdown == cd
	m.mu.Unlock()
	if current {
		m.presenter.Notify(Event{Kind: EventCountdown, CallID: callID, Remaining: remaining})
	}
}

// expire behaves as cancel on the caller side and decline on the callee side
func (m *Machine) expire(cd *countdown, callID string) {
	m.mu.Lock()
	if m.countdown != cd {
		m.mu.Unlock()
		return
	}
	state := m.state
	m.mu.Unlock()

	m.presenter.Notify(Event{Kind: EventCountdown, CallID: callID, Remaining: 0})

	var err error
	switch state {
	case domain.CallStateRingingOut:
		err = m.end(callID, state, protocol.TypeCancelCall, protocol.ReasonTimeout)
	case domain.CallStateRingingIn:
		err = m.end(callID, state, protocol.TypeDeclineCall, protocol.ReasonTimeout)
	}
	if err != nil && err != ErrNoSuchCall {
		logger.Warn("Failed to send timeout", zap.String("call_id", callID), zap.Error(err))
	}
}

func (m *Machine) stopCountdownLocked() {
	if m.countdown != nil {
		m.countdown.cancel()
		m.countdown = nil
	}
}

func (m *Machine) resetLocked() {
	m.stopCountdownLocked()
	m.lastEnded = m.callID
	m.state = domain.CallStateIdle
	m.callID = ""
	m.peerID = ""
}

// Close stops any running countdown
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCountdownLocked()
}
