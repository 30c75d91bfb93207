package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/ws"
)

// EventsHandler accepts project events from commit and deployment pipelines.
type EventsHandler struct {
	service *ws.Service
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(service *ws.Service) *EventsHandler {
	return &EventsHandler{service: service}
}

// Publish handles POST /api/projects/:projectId/events.
func (h *EventsHandler) Publish(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}

	var req ws.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, model.CodeRequestInvalid, "Invalid request body: "+err.Error())
		return
	}

	result, err := h.service.Publish(id.ID, c.Param("projectId"), req)
	if err != nil {
		sendModelError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

// RegisterRoutes registers the events route on a Gin router group.
func (h *EventsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/projects/:projectId/events", h.Publish)
}
