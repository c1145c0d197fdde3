package callclient

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	"skillswap-backend/pkg/cache"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/protocol"
)

// DurableStore is the HTTP path of a chat submission
type DurableStore interface {
	SendMessage(ctx context.Context, receiverID, text, tempID string) (*domain.ChatMessage, error)
}

// OutboxConfig tunes delivery reconciliation
type OutboxConfig struct {
	// ConfirmWindow is how long the transport path may stay unconfirmed
	ConfirmWindow time.Duration
	// DurableTimeout bounds one durable submission
	DurableTimeout time.Duration
	// SeenCapacity bounds the set of recently confirmed message ids
	SeenCapacity int
}

// DefaultOutboxConfig returns a 5s confirmation window
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		ConfirmWindow:  5 * time.Second,
		DurableTimeout: 10 * time.Second,
		SeenCapacity:   1000,
	}
}

// Confirmation promotes a pending entry to its canonical id. TempID wins;
// otherwise the oldest pending entry with the same receiver and text matches.
type Confirmation struct {
	TempID     string
	MessageID  string
	ReceiverID string
	Text       string
}

type entry struct {
	msg             domain.ChatMessage
	transportFailed bool
	durableFailed   bool
	timer           *time.Timer
}

func (e *entry) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Outbox sends chat messages over the transport and the durable store at
// the same time and reconciles both confirmations into one entry
type Outbox struct {
	senderID  string
	transport Transport
	durable   DurableStore
	presenter Presenter
	cfg       OutboxConfig
	now       func() time.Time

	mu      sync.Mutex
	entries []*entry
	byTemp  map[string]*entry
	seen    *cache.SeenSet

	wg sync.WaitGroup
}

// NewOutbox creates an empty outbox for senderID
func NewOutbox(senderID string, transport Transport, durable DurableStore, presenter Presenter, cfg OutboxConfig) *Outbox {
	if presenter == nil {
		presenter = nopPresenter{}
	}
	if cfg.ConfirmWindow <= 0 {
		cfg.ConfirmWindow = 5 * time.Second
	}
	if cfg.DurableTimeout <= 0 {
		cfg.DurableTimeout = 10 * time.Second
	}
	return &Outbox{
		senderID:  senderID,
		transport: transport,
		durable:   durable,
		presenter: presenter,
		cfg:       cfg,
		now:       time.Now,
		byTemp:    make(map[string]*entry),
		seen:      cache.NewSeenSet(cfg.SeenCapacity),
	}
}

// Send renders a pending entry and submits it on both paths. It returns the
// provisional id.
func (o *Outbox) Send(receiverID, text string) (string, error) {
	if receiverID == "" || strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}

	tempID := uuid.NewString()
	e := &entry{msg: domain.ChatMessage{
		ID:            tempID,
		TempID:        tempID,
		SenderID:      o.senderID,
		ReceiverID:    receiverID,
		Text:          text,
		CreatedAt:     o.now(),
		DeliveryState: domain.DeliveryPending,
	}}

	o.mu.Lock()
	o.entries = append(o.entries, e)
	o.byTemp[tempID] = e
	snapshot := e.msg
	o.mu.Unlock()

	o.presenter.Notify(Event{Kind: EventMessage, Message: &snapshot})
	o.dispatch(snapshot)
	return tempID, nil
}

// Resend submits a failed entry again under the same provisional id
func (o *Outbox) Resend(tempID string) error {
	o.mu.Lock()
	e, ok := o.byTemp[tempID]
	if !ok || e.msg.DeliveryState != domain.DeliveryFailed {
		o.mu.Unlock()
		return ErrNotFailed
	}
	e.msg.DeliveryState = domain.DeliveryPending
	e.transportFailed = false
	e.durableFailed = false
	snapshot := e.msg
	o.mu.Unlock()

	o.presenter.Notify(Event{Kind: EventMessage, Message: &snapshot})
	o.dispatch(snapshot)
	return nil
}

func (o *Outbox) dispatch(msg domain.ChatMessage) {
	tempID := msg.TempID

	err := o.transport.Send(&protocol.Message{
		Type:       protocol.TypeSendMessage,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Text:       msg.Text,
		TempID:     tempID,
	})
	if err != nil {
		logger.Debug("Transport path unavailable", zap.String("temp_id", tempID), zap.Error(err))
		o.pathFailed(tempID, true)
	} else {
		o.mu.Lock()
		if e, ok := o.byTemp[tempID]; ok && e.msg.DeliveryState == domain.DeliveryPending {
			e.stopTimer()
			e.timer = time.AfterFunc(o.cfg.ConfirmWindow, func() { o.pathFailed(tempID, true) })
		}
		o.mu.Unlock()
	}

	if o.durable == nil {
		o.pathFailed(tempID, false)
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.DurableTimeout)
		defer cancel()

		stored, err := o.durable.SendMessage(ctx, msg.ReceiverID, msg.Text, tempID)
		if err != nil {
			logger.Warn("Durable path failed", zap.String("temp_id", tempID), zap.Error(err))
			o.pathFailed(tempID, false)
			return
		}
		o.Confirm(Confirmation{TempID: tempID, MessageID: stored.ID, ReceiverID: msg.ReceiverID, Text: msg.Text})
	}()
}

// Confirm promotes the matching pending entry in place. A confirmation for an
// id that was already confirmed is a no-op; it reports whether anything changed.
func (o *Outbox) Confirm(c Confirmation) bool {
	if c.MessageID == "" {
		return false
	}

	o.mu.Lock()
	if o.seen.Contains(c.MessageID) {
		o.mu.Unlock()
		return false
	}
	e := o.matchLocked(c)
	if e == nil {
		o.mu.Unlock()
		return false
	}
	o.seen.Add(c.MessageID)
	e.stopTimer()
	e.msg.ID = c.MessageID
	e.msg.DeliveryState = domain.DeliveryConfirmed
	snapshot := e.msg
	o.mu.Unlock()

	o.presenter.Notify(Event{Kind: EventMessage, Message: &snapshot})
	return true
}

func (o *Outbox) matchLocked(c Confirmation) *entry {
	if e, ok := o.byTemp[c.TempID]; ok {
		if e.msg.DeliveryState == domain.DeliveryConfirmed {
			return nil
		}
		return e
	}
	for _, e := range o.entries {
		if e.msg.DeliveryState == domain.DeliveryPending &&
			e.msg.SenderID == o.senderID &&
			e.msg.ReceiverID == c.ReceiverID &&
			e.msg.Text == c.Text {
			return e
		}
	}
	return nil
}

// pathFailed records a failed path; the entry fails once both paths have
func (o *Outbox) pathFailed(tempID string, transport bool) {
	o.mu.Lock()
	e, ok := o.byTemp[tempID]
	if !ok || e.msg.DeliveryState != domain.DeliveryPending {
		o.mu.Unlock()
		return
	}
	if transport {
		e.stopTimer()
		e.transportFailed = true
	} else {
		e.durableFailed = true
	}
	if !e.transportFailed || !e.durableFailed {
		o.mu.Unlock()
		return
	}
	e.msg.DeliveryState = domain.DeliveryFailed
	snapshot := e.msg
	o.mu.Unlock()

	o.presenter.Notify(Event{Kind: EventMessage, Message: &snapshot})
}

// Handle applies a frame received from the relay
func (o *Outbox) Handle(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeMessageSent:
		o.Confirm(Confirmation{TempID: msg.TempID, MessageID: msg.MessageID, ReceiverID: msg.ReceiverID})
	case protocol.TypeMessageFailed:
		o.pathFailed(msg.TempID, true)
	case protocol.TypeReceiveMessage:
		o.receive(msg)
	}
}

func (o *Outbox) receive(msg *protocol.Message) {
	if msg.MessageID == "" || !o.seen.Add(msg.MessageID) {
		return
	}
	in := domain.ChatMessage{
		ID:            msg.MessageID,
		SenderID:      msg.SenderID,
		ReceiverID:    msg.ReceiverID,
		Text:          msg.Text,
		CreatedAt:     time.UnixMilli(msg.Timestamp),
		DeliveryState: domain.DeliveryConfirmed,
	}

	o.mu.Lock()
	o.entries = append(o.entries, &entry{msg: in})
	o.mu.Unlock()

	o.presenter.Notify(Event{Kind: EventMessage, Message: &in})
}

// Entries returns the conversation as rendered, oldest first
func (o *Outbox) Entries() []domain.ChatMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.ChatMessage, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e.msg)
	}
	return out
}

// Close stops confirmation timers and waits for durable submissions
func (o *Outbox) Close() {
	o.mu.Lock()
	for _, e := range o.entries {
		e.stopTimer()
	}
	o.mu.Unlock()
	o.wg.Wait()
}
