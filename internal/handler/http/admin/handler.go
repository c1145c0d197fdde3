package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	"skillswap-backend/internal/middleware"
	"skillswap-backend/pkg/audit"
	appctx "skillswap-backend/pkg/context"
	"skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/pagination"
	"skillswap-backend/pkg/response"
)

// SessionReader is the read side of the session store
type SessionReader interface {
	ListOngoing(ctx context.Context) ([]domain.SessionView, error)
	ListClosed(ctx context.Context, status domain.SessionStatus, params pagination.Params) (*pagination.Page[domain.SessionView], error)
	Stats(ctx context.Context) (*domain.SessionStats, error)
}

// Terminator force-closes sessions and notifies their participants
type Terminator interface {
	TerminateSession(ctx context.Context, sessionID string) (*domain.LiveSession, error)
}

// Auditor keeps the trail of administrative actions
type Auditor interface {
	LogAdminAction(ctx context.Context, adminID string, eventType audit.EventType, resource string, success bool, errorCode string) error
	Recent(ctx context.Context, limit int) ([]*audit.Event, error)
}

// Handler handles admin HTTP requests
type Handler struct {
	sessions   SessionReader
	terminator Terminator
	auditor    Auditor
}

// NewHandler creates a new admin handler
func NewHandler(sessions SessionReader, terminator Terminator, auditor Auditor) *Handler {
	return &Handler{
		sessions:   sessions,
		terminator: terminator,
		auditor:    auditor,
	}
}

// GetOngoingSessions lists sessions still in progress
// GET /v1/admin/sessions/ongoing
func (h *Handler) GetOngoingSessions(c *gin.Context) {
	sessions, err := h.sessions.ListOngoing(c.Request.Context())
	if err != nil {
		logger.Error("Failed to list ongoing sessions", zap.Error(err))
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSessions lists closed sessions, most recent first
// GET /v1/admin/sessions?status=completed&page=1&limit=20
func (h *Handler) GetSessions(c *gin.Context) {
	params, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	page, err := h.sessions.ListClosed(c.Request.Context(), domain.SessionStatus(c.Query("status")), params)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, page)
}

// GetSessionStats retrieves the dashboard aggregate
// GET /v1/admin/sessions/stats
func (h *Handler) GetSessionStats(c *gin.Context) {
	stats, err := h.sessions.Stats(c.Request.Context())
	if err != nil {
		logger.Error("Failed to compute session stats", zap.Error(err))
		response.InternalError(c, "Failed to get session stats")
		return
	}

	response.Success(c, http.StatusOK, stats)
}

// TerminateSession force-closes an ongoing session. Terminating a session
// that already ended returns it unchanged.
// POST /v1/admin/sessions/:id/terminate
func (h *Handler) TerminateSession(c *gin.Context) {
	sessionID := c.Param("id")
	adminID := c.GetString(middleware.ContextUserID)

	session, err := h.terminator.TerminateSession(c.Request.Context(), sessionID)
	h.audit(c.Request.Context(), adminID, sessionID, err)
	if err != nil {
		response.FromError(c, err)
		return
	}

	logger.Info("Admin terminated session",
		zap.String("session_id", sessionID),
		zap.String("admin_id", adminID),
		zap.String("status", string(session.Status)))

	response.Success(c, http.StatusOK, session)
}

// GetAuditLog lists recent administrative actions, newest first
// GET /v1/admin/audit?limit=50
func (h *Handler) GetAuditLog(c *gin.Context) {
	params, err := pagination.Parse("1", c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	events, err := h.auditor.Recent(c.Request.Context(), params.Limit)
	if err != nil {
		logger.Error("Failed to read audit log", zap.Error(err))
		response.FromError(c, errors.NewWithStatus(errors.ErrCodeServiceUnavail, "Audit log unavailable", http.StatusServiceUnavailable))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// audit records the outcome of an admin action. A failed audit write does not
// fail the action.
func (h *Handler) audit(parent context.Context, adminID, sessionID string, actionErr error) {
	ctx, cancel := appctx.Detached(parent, appctx.ShortTimeout)
	defer cancel()

	code := ""
	if actionErr != nil {
		code = string(errors.GetAppError(actionErr).Code)
	}
	if err := h.auditor.LogAdminAction(ctx, adminID, audit.EventSessionTerminate, sessionID, actionErr == nil, code); err != nil {
		logger.Warn("Failed to write audit event",
			zap.String("session_id", sessionID),
			zap.String("admin_id", adminID),
			zap.Error(err))
	}
}
