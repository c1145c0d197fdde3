package ws

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"skillswap-backend/internal/middleware"
	"skillswap-backend/internal/service/registry"
	"skillswap-backend/pkg/constants"
	appctx "skillswap-backend/pkg/context"
	"skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/metrics"
	"skillswap-backend/pkg/protocol"
	"skillswap-backend/pkg/response"
	"skillswap-backend/pkg/sanitize"
)

// Dispatcher consumes frames of authenticated connections
type Dispatcher interface {
	Handle(ctx context.Context, h registry.Handle, msg *protocol.Message)
	Connected(h registry.Handle)
	Disconnected(h registry.Handle)
}

// PresenceRefresher extends the shared presence record of a live user
type PresenceRefresher interface {
	RefreshPresence(ctx context.Context, userID string) error
}

// HubConfig tunes the signaling hub
type HubConfig struct {
	MaxConnections   int
	AllowedOrigins   []string
	HandshakeTimeout time.Duration
	// Presence is optional; when set, every pong refreshes the user's presence TTL
	Presence PresenceRefresher
}

// SignalingHub upgrades authenticated requests to signaling connections and
// feeds their frames to the dispatcher
type SignalingHub struct {
	registry   *registry.Registry
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	handshake  time.Duration
	presence   PresenceRefresher

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	semaphore      chan struct{}
}

// SignalingClient is one WebSocket connection; it is the registry handle of its user
type SignalingClient struct {
	id       string
	userID   string
	userName string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

var errSlowConsumer = stderrors.New("send buffer full")

// NewSignalingHub creates a new signaling hub
func NewSignalingHub(reg *registry.Registry, dispatcher Dispatcher, cfg HubConfig) *SignalingHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = constants.WebSocketWriteWait
	}
	return &SignalingHub{
		registry:   reg,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     middleware.OriginAllowed(cfg.AllowedOrigins),
		},
		handshake:      cfg.HandshakeTimeout,
		presence:       cfg.Presence,
		maxConnections: cfg.MaxConnections,
		semaphore:      make(chan struct{}, cfg.MaxConnections),
	}
}

// ServeWS handles WebSocket requests for signaling. It returns when the
// connection closes.
func (h *SignalingHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
		defer func() { <-h.semaphore }()
	default:
		metrics.WebSocketRejectedTotal.WithLabelValues("capacity").Inc()
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		response.FromError(c, errors.NewWithStatus(errors.ErrCodeServiceUnavail, "Server at capacity, please try again later", http.StatusServiceUnavailable))
		return
	}

	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		metrics.WebSocketRejectedTotal.WithLabelValues("unauthorized").Inc()
		response.Unauthorized(c, "unauthorized")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}

	client := &SignalingClient{
		id:       uuid.New().String(),
		userID:   userID,
		userName: sanitize.DisplayName(c.GetString(middleware.ContextUserName), constants.MaxDisplayNameLength),
		conn:     conn,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
	}
	conn.SetReadLimit(constants.WebSocketMaxMessageSize)

	go client.writePump()
	h.readPump(client)
}

// authenticate waits for the first frame, which must name the token's user
func (h *SignalingHub) authenticate(client *SignalingClient) bool {
	_ = client.conn.SetReadDeadline(time.Now().Add(h.handshake))
	_, data, err := client.conn.ReadMessage()
	if err != nil {
		metrics.WebSocketRejectedTotal.WithLabelValues("handshake").Inc()
		return false
	}

	msg, err := protocol.Decode(data)
	if err != nil || msg.Type != protocol.TypeAuthenticate {
		metrics.WebSocketRejectedTotal.WithLabelValues("handshake").Inc()
		_ = client.Send(protocol.Error(msg, string(errors.ErrCodeNotAuthenticated), "first message must be authenticate"))
		return false
	}
	if msg.UserID != client.userID {
		metrics.WebSocketRejectedTotal.WithLabelValues("unauthorized").Inc()
		logger.Warn("Authenticate does not match token",
			zap.String("token_user_id", client.userID),
			zap.String("claimed_user_id", msg.UserID))
		_ = client.Send(protocol.Error(msg, string(errors.ErrCodeNotAuthenticated), "userId does not match token"))
		return false
	}
	if name := sanitize.DisplayName(msg.UserName, constants.MaxDisplayNameLength); name != "" {
		client.userName = name
	}
	return true
}

// readPump reads frames in arrival order until the connection drops
func (h *SignalingHub) readPump(client *SignalingClient) {
	registered := false
	defer func() {
		if registered && h.registry.OnDisconnect(client) {
			h.dispatcher.Disconnected(client)
		}
		client.Close()
	}()

	if !h.authenticate(client) {
		return
	}

	h.registry.Register(client.userID, client.userName, client)
	registered = true
	_ = client.Send(&protocol.Message{
		Type:     protocol.TypeAuthenticated,
		UserID:   client.userID,
		UserName: client.userName,
	})
	h.dispatcher.Connected(client)

	_ = client.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	client.conn.SetPongHandler(func(string) error {
		h.registry.Touch(client)
		h.refreshPresence(client.userID)
		return client.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	})

	ctx := logger.WithUserID(context.Background(), client.userID)
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", client.userID),
					zap.String("conn_id", client.id),
					zap.Error(err))
			}
			return
		}
		_ = client.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		h.registry.Touch(client)

		msg, err := protocol.Decode(data)
		if err != nil {
			metrics.ControlMessagesTotal.WithLabelValues("invalid", "error").Inc()
			logger.Warn("Invalid signaling frame",
				zap.String("user_id", client.userID),
				zap.Error(err))
			_ = client.Send(protocol.Error(msg, string(errors.ErrCodeProtocolViolation), err.Error()))
			continue
		}

		h.dispatcher.Handle(ctx, client, msg)
	}
}

// ID returns the connection id
func (c *SignalingClient) ID() string { return c.id }

// UserID returns the authenticated user
func (c *SignalingClient) UserID() string { return c.userID }

// Send queues msg for writing. A client whose buffer is full is closed.
func (c *SignalingClient) Send(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return registry.ErrNotConnected
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return registry.ErrNotConnected
	default:
		logger.Warn("Closing slow signaling client",
			zap.String("user_id", c.userID),
			zap.String("conn_id", c.id))
		c.Close()
		return errSlowConsumer
	}
}

// Close stops the connection; safe to call more than once
func (c *SignalingClient) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// writePump writes queued frames and pings until the client closes
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			// Flush what was queued before the close
			for {
				select {
				case message := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(constants.WebSocketWriteWait))
					return
				}
			}
		}
	}
}

func (h *SignalingHub) refreshPresence(userID string) {
	if h.presence == nil {
		return
	}
	ctx, cancel := appctx.WithShortTimeout(context.Background())
	defer cancel()
	if err := h.presence.RefreshPresence(ctx, userID); err != nil {
		logger.Debug("Failed to refresh presence",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}
