// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/gateway/internal/auth"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/repository"
	"github.com/remote-agent-terminal/gateway/internal/session"
)

// SessionStore reads session lifecycle records.
type SessionStore interface {
	GetByID(ctx context.Context, id string) (*model.Session, error)
	List(ctx context.Context, userID string, filter repository.ListFilter) ([]*model.Session, error)
}

// SessionHandler serves the read-only session metadata endpoints.
type SessionHandler struct {
	store   SessionStore
	manager *session.Manager
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(store SessionStore, manager *session.Manager) *SessionHandler {
	return &SessionHandler{
		store:   store,
		manager: manager,
	}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID               string               `json:"id"`
	UserID           string               `json:"userId"`
	ProjectID        string               `json:"projectId"`
	WorkingDirectory string               `json:"workingDirectory"`
	Status           string               `json:"status"`
	Live             model.ReportedStatus `json:"live,omitempty"`
	ExitCode         *int                 `json:"exitCode,omitempty"`
	ExitSignal       string               `json:"exitSignal,omitempty"`
	PID              *int                 `json:"pid,omitempty"`
	Duration         string               `json:"duration"`
	CreatedAt        string               `json:"createdAt"`
	UpdatedAt        string               `json:"updatedAt"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toSessionResponse converts a model.Session to SessionResponse.
func toSessionResponse(s *model.Session) *SessionResponse {
	return &SessionResponse{
		ID:               s.ID,
		UserID:           s.UserID,
		ProjectID:        s.ProjectID,
		WorkingDirectory: s.Workdir,
		Status:           string(s.Status),
		ExitCode:         s.ExitCode,
		ExitSignal:       s.ExitSignal,
		PID:              s.PID,
		Duration:         formatDuration(s.UpdatedAt.Sub(s.CreatedAt)),
		CreatedAt:        s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        s.UpdatedAt.Format(time.RFC3339),
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return time.Duration(h*time.Hour + m*time.Minute + s*time.Second).String()
	}
	if m > 0 {
		return time.Duration(m*time.Minute + s*time.Second).String()
	}
	return time.Duration(s * time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// statusOf maps a model error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrSessionNotFound), errors.Is(err, model.ErrForbidden):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidRequest), errors.Is(err, model.ErrInvalidID), errors.Is(err, model.ErrProjectRequired):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func sendModelError(c *gin.Context, err error) {
	sendError(c, statusOf(err), model.CodeOf(err), err.Error())
}

func identity(c *gin.Context) (model.Identity, bool) {
	id, ok := auth.IdentityFrom(c)
	if !ok {
		sendModelError(c, model.ErrUnauthorized)
	}
	return id, ok
}

// List handles GET /api/sessions - lists the caller's sessions, newest first.
// Query parameters projectId, status and limit narrow the result.
func (h *SessionHandler) List(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}

	filter := repository.ListFilter{
		ProjectID: c.Query("projectId"),
		Status:    model.SessionStatus(c.Query("status")),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendError(c, http.StatusBadRequest, model.CodeRequestInvalid, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	sessions, err := h.store.List(c.Request.Context(), id.ID, filter)
	if err != nil {
		sendError(c, http.StatusInternalServerError, model.CodeInternal, "Failed to list sessions: "+err.Error())
		return
	}

	live := h.liveByID(id.ID)
	response := make([]*SessionResponse, len(sessions))
	for i, sess := range sessions {
		response[i] = h.withLiveState(sess, live)
	}

	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - gets one of the caller's sessions.
// Sessions of other identities are reported as not found.
func (h *SessionHandler) Get(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}

	sessionID := c.Param("id")
	if sessionID == "" {
		sendError(c, http.StatusBadRequest, model.CodeRequestInvalid, "Session ID is required")
		return
	}

	sess, err := h.store.GetByID(c.Request.Context(), sessionID)
	if err == nil && sess.UserID != id.ID {
		err = model.ErrSessionNotFound
	}
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, model.CodeSessionNotFound, "Session "+sessionID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, model.CodeInternal, "Failed to get session: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, h.withLiveState(sess, h.liveByID(id.ID)))
}

func (h *SessionHandler) liveByID(ownerID string) map[string]session.LiveSession {
	out := make(map[string]session.LiveSession)
	if h.manager == nil {
		return out
	}
	for _, s := range h.manager.Live(ownerID) {
		out[s.ID] = s
	}
	return out
}

// withLiveState overlays the registry's view on a stored record. A record
// still marked running without a registered process is reported closed; the
// pump updates the store shortly after.
func (h *SessionHandler) withLiveState(sess *model.Session, live map[string]session.LiveSession) *SessionResponse {
	resp := toSessionResponse(sess)
	if l, ok := live[sess.ID]; ok {
		resp.Live = l.Status
		resp.Duration = formatDuration(time.Since(sess.CreatedAt))
		return resp
	}
	if sess.Status == model.SessionStatusActive || sess.Status == model.SessionStatusInitializing {
		resp.Status = string(model.SessionStatusClosed)
	}
	return resp
}

// RegisterRoutes registers the session routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions", h.List)
	rg.GET("/sessions/:id", h.Get)
}
