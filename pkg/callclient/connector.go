package callclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/protocol"
	"skillswap-backend/pkg/resilience"
)

// ConnectionState is the connector's link state
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// ConnectorConfig holds dial and reconnect settings
type ConnectorConfig struct {
	URL      string
	Token    string
	UserID   string
	UserName string

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// HandshakeTimeout bounds dial plus the authenticate round trip
	HandshakeTimeout time.Duration
}

// DefaultConnectorConfig returns 500ms doubling backoff capped at 10s, 5 attempts
func DefaultConnectorConfig(url, token, userID, userName string) ConnectorConfig {
	return ConnectorConfig{
		URL:              url,
		Token:            token,
		UserID:           userID,
		UserName:         userName,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		MaxAttempts:      5,
		HandshakeTimeout: constants.WebSocketWriteWait,
	}
}

// Connector keeps one authenticated signaling connection, redialing with
// exponential backoff when it drops. After MaxAttempts failed dials it stays
// disconnected until Retry is called.
type Connector struct {
	cfg       ConnectorConfig
	dialer    *websocket.Dialer
	handler   func(msg *protocol.Message)
	presenter Presenter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	state ConnectionState
	conn  *websocket.Conn
	// dialing guards against two reconnect loops
	dialing bool

	writeMu sync.Mutex
}

// NewConnector creates a disconnected connector; handler receives every frame
// after the handshake, in arrival order
func NewConnector(cfg ConnectorConfig, handler func(msg *protocol.Message), presenter Presenter) *Connector {
	if presenter == nil {
		presenter = nopPresenter{}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = constants.WebSocketWriteWait
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		cfg:       cfg,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		handler:   handler,
		presenter: presenter,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateDisconnected,
	}
}

// State returns the current link state
func (c *Connector) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials until connected or the attempts are exhausted
func (c *Connector) Connect(ctx context.Context) error {
	return c.connect(ctx)
}

// Retry dials again after the connector gave up
func (c *Connector) Retry(ctx context.Context) error {
	if c.State() != StateDisconnected {
		return nil
	}
	return c.connect(ctx)
}

// Send writes one frame on the live connection
func (c *Connector) Send(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, msg)
}

// Close drops the connection and stops reconnecting
func (c *Connector) Close() {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	c.setState(StateDisconnected)
}

func (c *Connector) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.dialing || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
	}()

	c.setState(StateConnecting)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := resilience.Backoff(attempt-1, c.cfg.BaseDelay, c.cfg.MaxDelay)
			select {
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return ctx.Err()
			case <-c.ctx.Done():
				c.setState(StateDisconnected)
				return c.ctx.Err()
			case <-time.After(delay):
			}
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.attach(conn)
			return nil
		}
		lastErr = err
		logger.Warn("Signaling dial failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Error(err))
	}

	c.setState(StateDisconnected)
	return fmt.Errorf("failed to connect after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// dial opens the socket and completes the authenticate handshake
func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		return nil, err
	}

	if err := c.write(conn, &protocol.Message{
		Type:     protocol.TypeAuthenticate,
		UserID:   c.cfg.UserID,
		UserName: c.cfg.UserName,
	}); err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read authenticated: %w", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if msg.Type != protocol.TypeAuthenticated {
		conn.Close()
		return nil, fmt.Errorf("authentication rejected: %s %s", msg.Code, msg.Message)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}

func (c *Connector) attach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)

	c.wg.Add(1)
	go c.readLoop(conn)
}

func (c *Connector) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("Dropping invalid frame from relay", zap.Error(err))
			continue
		}
		if c.handler != nil {
			c.handler(msg)
		}
	}

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	_ = conn.Close()

	if !current || c.ctx.Err() != nil {
		return
	}
	logger.Info("Signaling connection lost, reconnecting")
	if err := c.connect(c.ctx); err != nil {
		logger.Warn("Giving up on signaling connection", zap.Error(err))
	}
}

func (c *Connector) write(conn *websocket.Conn, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connector) setState(state ConnectionState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()
	if changed {
		c.presenter.Notify(Event{Kind: EventConnection, Connection: state})
	}
}
