package chat

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"skillswap-backend/internal/domain"
	"skillswap-backend/internal/middleware"
	"skillswap-backend/internal/service/chat"
	"skillswap-backend/pkg/response"
)

// MessageService is the chat service as used over HTTP
type MessageService interface {
	Send(ctx context.Context, input *chat.SendInput) (*chat.SendOutput, error)
	History(ctx context.Context, userID, peerID string, limit int) ([]*domain.ChatMessage, error)
}

// Handler handles chat HTTP requests
type Handler struct {
	chatService MessageService
}

// NewHandler creates a new chat handler
func NewHandler(chatService MessageService) *Handler {
	return &Handler{
		chatService: chatService,
	}
}

// SendMessageRequest represents send message request
type SendMessageRequest struct {
	ReceiverID string `json:"receiver_id" binding:"required"`
	Text       string `json:"text" binding:"required"`
	TempID     string `json:"temp_id" binding:"required"`
}

// SendMessageResponse carries the canonical message
type SendMessageResponse struct {
	Message   *domain.ChatMessage `json:"message"`
	Duplicate bool                `json:"duplicate"`
}

// SendMessage is the durable path of a chat submission. Resubmitting the same
// temp_id returns the message stored the first time.
// POST /v1/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	senderID := c.GetString(middleware.ContextUserID)
	if senderID == "" {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	output, err := h.chatService.Send(c.Request.Context(), &chat.SendInput{
		SenderID:   senderID,
		ReceiverID: req.ReceiverID,
		Text:       req.Text,
		TempID:     req.TempID,
		Path:       chat.PathDurable,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	status := http.StatusCreated
	if output.Duplicate {
		status = http.StatusOK
	}
	response.Success(c, status, SendMessageResponse{
		Message:   output.Message,
		Duplicate: output.Duplicate,
	})
}

// GetMessages returns the latest messages exchanged with a peer
// GET /v1/messages/:peerId?limit=50
func (h *Handler) GetMessages(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	limit := 0
	if limitStr := c.Query("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			response.ValidationError(c, "Invalid limit")
			return
		}
		limit = l
	}

	messages, err := h.chatService.History(c.Request.Context(), userID, c.Param("peerId"), limit)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"messages": messages,
		"count":    len(messages),
	})
}
