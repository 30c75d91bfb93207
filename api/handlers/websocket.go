package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/gateway/internal/ws"
)

// WebSocketHandler exposes the interactive gateway and the project event
// subscriptions. Both authenticate during the handshake themselves, so the
// routes must not sit behind the REST auth middleware.
type WebSocketHandler struct {
	gateway *ws.Gateway
	service *ws.Service
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(gateway *ws.Gateway, service *ws.Service) *WebSocketHandler {
	return &WebSocketHandler{
		gateway: gateway,
		service: service,
	}
}

// Connect handles GET /ws - the interactive session connection.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	// Errors have already been answered on the connection.
	_ = h.gateway.HandleConnection(c.Writer, c.Request)
}

// Subscribe handles GET /api/projects/:projectId/events/ws.
func (h *WebSocketHandler) Subscribe(c *gin.Context) {
	_ = h.service.HandleSubscribe(c.Writer, c.Request, c.Param("projectId"))
}

// RegisterRoutes registers the WebSocket routes on the root router.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Connect)
	r.GET("/api/projects/:projectId/events/ws", h.Subscribe)
}
