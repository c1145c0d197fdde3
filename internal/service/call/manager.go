package call

import (
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	"skillswap-backend/pkg/cache"
	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/metrics"
)

var (
	ErrSameParty      = stderrors.New("caller and callee are the same user")
	ErrDuplicateCall  = stderrors.New("call id already used")
	ErrCallerBusy     = stderrors.New("caller already has an active call")
	ErrCalleeBusy     = stderrors.New("callee already has an active call")
	ErrRateLimited    = stderrors.New("call attempts too frequent")
	ErrUnknownCall    = stderrors.New("unknown call")
	ErrNotParticipant = stderrors.New("user is not the expected party of this call")
	// ErrRaceLost means the call already reached a terminal state; the event is a no-op
	ErrRaceLost = stderrors.New("call already terminated")
)

const (
	stateRinging int32 = iota + 1
	stateConnected
	stateTerminated
)

// Config tunes the call manager
type Config struct {
	RingTimeout     time.Duration
	MinCallInterval time.Duration
	TombstoneTTL    time.Duration
	MaxTombstones   int
}

// DefaultConfig returns the production timings
func DefaultConfig() Config {
	return Config{
		RingTimeout:     constants.RingTimeout,
		MinCallInterval: constants.MinCallInterval,
		TombstoneTTL:    constants.TerminatedCallRetention,
		MaxTombstones:   constants.MaxTrackedTerminatedCalls,
	}
}

// ExpiryHandler is called once for every attempt whose countdown fired while ringing
type ExpiryHandler func(attempt domain.CallAttempt)

// BeginRequest is a caller's direct_call
type BeginRequest struct {
	CallID        string
	CallerID      string
	CallerName    string
	CallerPicture string
	CalleeID      string
	CalleeName    string
	Topic         string
}

type attempt struct {
	info   domain.CallAttempt // immutable after creation except via state/reason
	state  atomic.Int32
	reason atomic.Value // domain.EndReason, written once by the terminal CAS winner

	timerMu sync.Mutex
	timer   *time.Timer
	stopped bool
}

func (a *attempt) snapshot() domain.CallAttempt {
	out := a.info
	switch a.state.Load() {
	case stateRinging:
		out.State = domain.CallStateRingingOut
	case stateConnected:
		out.State = domain.CallStateConnected
	default:
		out.State = domain.CallStateTerminated
	}
	if r, ok := a.reason.Load().(domain.EndReason); ok {
		out.EndReason = r
	}
	return out
}

func (a *attempt) arm(d time.Duration, fire func()) {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()
	if !a.stopped {
		a.timer = time.AfterFunc(d, fire)
	}
}

// stopTimer cancels the countdown; later calls are no-ops
func (a *attempt) stopTimer() {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
	}
}

// slot is a user's call state; guarded by its own mutex
type slot struct {
	mu            sync.Mutex
	active        *attempt
	lastInitiated time.Time
}

// Manager is the server-authoritative call state machine. Each user has an
// independent slot; operations on one call lock only its two participants.
type Manager struct {
	cfg        Config
	slots      sync.Map // userID -> *slot
	calls      sync.Map // callID -> *attempt
	tombstones *cache.MemoryCache
	stopClean  func()
	onExpire   atomic.Value // ExpiryHandler
	now        func() time.Time
}

// NewManager creates a call manager
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = def.RingTimeout
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = def.TombstoneTTL
	}
	if cfg.MaxTombstones <= 0 {
		cfg.MaxTombstones = def.MaxTombstones
	}

	tombstones := cache.NewMemoryCache(cfg.TombstoneTTL, cfg.MaxTombstones)
	return &Manager{
		cfg:        cfg,
		tombstones: tombstones,
		stopClean:  tombstones.StartCleanup(cfg.TombstoneTTL),
		now:        time.Now,
	}
}

// OnExpire registers the countdown expiry handler
func (m *Manager) OnExpire(h ExpiryHandler) {
	m.onExpire.Store(h)
}

// Close stops background cleanup and all pending countdowns
func (m *Manager) Close() {
	m.stopClean()
	m.calls.Range(func(_, v any) bool {
		v.(*attempt).stopTimer()
		return true
	})
}

func (m *Manager) slot(userID string) *slot {
	if s, ok := m.slots.Load(userID); ok {
		return s.(*slot)
	}
	s, _ := m.slots.LoadOrStore(userID, &slot{})
	return s.(*slot)
}

// lockPair locks the slots of two distinct users in id order
func (m *Manager) lockPair(a, b string) (*slot, *slot, func()) {
	sa, sb := m.slot(a), m.slot(b)
	first, second := sa, sb
	if b < a {
		first, second = sb, sa
	}
	first.mu.Lock()
	second.mu.Lock()
	return sa, sb, func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// Begin validates a caller's direct_call and starts ringing both parties
func (m *Manager) Begin(req BeginRequest) (domain.CallAttempt, error) {
	if req.CallerID == req.CalleeID {
		metrics.CallsRejectedTotal.WithLabelValues("same_party").Inc()
		return domain.CallAttempt{}, ErrSameParty
	}
	if _, exists := m.calls.Load(req.CallID); exists || m.isTombstoned(req.CallID) {
		metrics.CallsRejectedTotal.WithLabelValues("duplicate").Inc()
		return domain.CallAttempt{}, ErrDuplicateCall
	}

	caller, callee, unlock := m.lockPair(req.CallerID, req.CalleeID)
	defer unlock()

	now := m.now()
	if caller.active != nil {
		metrics.CallsRejectedTotal.WithLabelValues("caller_busy").Inc()
		return domain.CallAttempt{}, ErrCallerBusy
	}
	if !caller.lastInitiated.IsZero() && now.Sub(caller.lastInitiated) < m.cfg.MinCallInterval {
		metrics.CallsRejectedTotal.WithLabelValues("rate_limited").Inc()
		return domain.CallAttempt{}, ErrRateLimited
	}
	caller.lastInitiated = now

	if callee.active != nil {
		metrics.CallsRejectedTotal.WithLabelValues("callee_busy").Inc()
		return domain.CallAttempt{}, ErrCalleeBusy
	}

	a := &attempt{info: domain.CallAttempt{
		CallID:        req.CallID,
		CallerID:      req.CallerID,
		CallerName:    req.CallerName,
		CallerPicture: req.CallerPicture,
		CalleeID:      req.CalleeID,
		CalleeName:    req.CalleeName,
		Topic:         req.Topic,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.RingTimeout),
	}}
	a.state.Store(stateRinging)

	if _, loaded := m.calls.LoadOrStore(req.CallID, a); loaded {
		metrics.CallsRejectedTotal.WithLabelValues("duplicate").Inc()
		return domain.CallAttempt{}, ErrDuplicateCall
	}
	caller.active = a
	callee.active = a
	a.arm(m.cfg.RingTimeout, func() { m.expire(a) })

	metrics.CallsStartedTotal.Inc()
	metrics.CallsRinging.Inc()
	logger.Info("Call ringing",
		zap.String("call_id", req.CallID),
		zap.String("caller_id", req.CallerID),
		zap.String("callee_id", req.CalleeID))

	return a.snapshot(), nil
}

// Accept moves a ringing call to Connected. Only the callee may accept.
func (m *Manager) Accept(callID, userID string) (domain.CallAttempt, error) {
	a, err := m.lookup(callID)
	if err != nil {
		return domain.CallAttempt{}, err
	}
	if userID != a.info.CalleeID {
		return domain.CallAttempt{}, ErrNotParticipant
	}
	if !a.state.CompareAndSwap(stateRinging, stateConnected) {
		return a.snapshot(), ErrRaceLost
	}
	a.stopTimer()
	metrics.CallsRinging.Dec()

	logger.Info("Call accepted",
		zap.String("call_id", callID),
		zap.String("user_id", userID))
	return a.snapshot(), nil
}

// Decline ends a ringing call on behalf of the callee
func (m *Manager) Decline(callID, userID string, reason domain.EndReason) (domain.CallAttempt, error) {
	return m.endRinging(callID, userID, false, reason)
}

// Cancel ends a ringing call on behalf of the caller
func (m *Manager) Cancel(callID, userID string, reason domain.EndReason) (domain.CallAttempt, error) {
	return m.endRinging(callID, userID, true, reason)
}

func (m *Manager) endRinging(callID, userID string, byCaller bool, reason domain.EndReason) (domain.CallAttempt, error) {
	a, err := m.lookup(callID)
	if err != nil {
		return domain.CallAttempt{}, err
	}
	expected := a.info.CalleeID
	if byCaller {
		expected = a.info.CallerID
	}
	if userID != expected {
		return domain.CallAttempt{}, ErrNotParticipant
	}
	if !m.terminate(a, stateRinging, reason) {
		return a.snapshot(), ErrRaceLost
	}
	return a.snapshot(), nil
}

// Handoff retires a connected call once session_ready went out; both users become idle
func (m *Manager) Handoff(callID string) error {
	a, err := m.lookup(callID)
	if err != nil {
		return err
	}
	if !m.terminate(a, stateConnected, domain.EndReasonAccepted) {
		return ErrRaceLost
	}
	return nil
}

// ReleaseUser terminates the active attempt of a disconnecting user and
// returns it so the counterpart can be told. ok is false when the user was idle.
func (m *Manager) ReleaseUser(userID string) (domain.CallAttempt, bool) {
	s := m.slot(userID)
	s.mu.Lock()
	a := s.active
	s.mu.Unlock()
	if a == nil {
		return domain.CallAttempt{}, false
	}

	if m.terminate(a, stateRinging, domain.EndReasonDisconnected) ||
		m.terminate(a, stateConnected, domain.EndReasonDisconnected) {
		return a.snapshot(), true
	}
	return domain.CallAttempt{}, false
}

// UserState returns userID's current view
func (m *Manager) UserState(userID string) domain.UserCallView {
	s := m.slot(userID)
	s.mu.Lock()
	a := s.active
	s.mu.Unlock()

	view := domain.UserCallView{UserID: userID, State: domain.CallStateIdle}
	if a == nil {
		return view
	}
	switch a.state.Load() {
	case stateRinging:
		view.State = domain.CallStateRingingIn
		if userID == a.info.CallerID {
			view.State = domain.CallStateRingingOut
		}
	case stateConnected:
		view.State = domain.CallStateConnected
	default:
		// Terminated but not yet cleared from the slot
		return view
	}
	view.CallID = a.info.CallID
	return view
}

// Get returns a snapshot of an active call
func (m *Manager) Get(callID string) (domain.CallAttempt, bool) {
	v, ok := m.calls.Load(callID)
	if !ok {
		return domain.CallAttempt{}, false
	}
	return v.(*attempt).snapshot(), true
}

func (m *Manager) lookup(callID string) (*attempt, error) {
	if v, ok := m.calls.Load(callID); ok {
		return v.(*attempt), nil
	}
	if m.isTombstoned(callID) {
		return nil, ErrRaceLost
	}
	return nil, ErrUnknownCall
}

func (m *Manager) isTombstoned(callID string) bool {
	_, ok := m.tombstones.Get(callID)
	return ok
}

// terminate moves a from `from` to Terminated. Only the CAS winner clears the
// slots and records the reason, so each attempt ends exactly once.
func (m *Manager) terminate(a *attempt, from int32, reason domain.EndReason) bool {
	if !a.state.CompareAndSwap(from, stateTerminated) {
		return false
	}
	a.reason.Store(reason)
	a.stopTimer()
	if from == stateRinging {
		metrics.CallsRinging.Dec()
	}

	caller, callee, unlock := m.lockPair(a.info.CallerID, a.info.CalleeID)
	if caller.active == a {
		caller.active = nil
	}
	if callee.active == a {
		callee.active = nil
	}
	unlock()

	m.tombstones.Set(a.info.CallID, string(reason), 0)
	m.calls.Delete(a.info.CallID)

	metrics.CallsEndedTotal.WithLabelValues(string(reason)).Inc()
	logger.Info("Call terminated",
		zap.String("call_id", a.info.CallID),
		zap.String("caller_id", a.info.CallerID),
		zap.String("callee_id", a.info.CalleeID),
		zap.String("reason", string(reason)))
	return true
}

func (m *Manager) expire(a *attempt) {
	if !m.terminate(a, stateRinging, domain.EndReasonTimeout) {
		return
	}
	if h, ok := m.onExpire.Load().(ExpiryHandler); ok && h != nil {
		h(a.snapshot())
	}
}
