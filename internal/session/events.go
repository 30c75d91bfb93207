package session

import (
	"time"

	"github.com/remote-agent-terminal/gateway/internal/model"
)

// Inbound client events.
const (
	EventStart          = "start"
	EventInput          = "input"
	EventStop           = "stop"
	EventStatus         = "status"
	EventElementContext = "elementContext"
	EventHistory        = "history"
	EventPing           = "ping"
)

// Outbound server events. EventStatus and EventHistory are reused as replies.
const (
	EventStarted     = "started"
	EventOutput      = "output"
	EventStopped     = "stopped"
	EventElementSent = "elementSent"
	EventClosed      = "closed"
	EventError       = "error"
	EventPong        = "pong"
)

// StartRequest is the payload of a start event.
type StartRequest struct {
	ProjectID string `json:"projectId"`
}

// InputRequest is the payload of an input event.
type InputRequest struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input"`
}

// SessionRequest is the payload of stop, status and history events.
type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

// ElementContextRequest is the payload of an elementContext event.
type ElementContextRequest struct {
	SessionID string        `json:"sessionId"`
	Element   model.Element `json:"element"`
}

// StartedPayload answers a successful start.
type StartedPayload struct {
	SessionID        string `json:"sessionId"`
	ProjectID        string `json:"projectId"`
	WorkingDirectory string `json:"workingDirectory"`
}

// OutputPayload carries one session message.
type OutputPayload struct {
	SessionID string        `json:"sessionId"`
	Message   model.Message `json:"message"`
}

// StoppedPayload acknowledges a stop request.
type StoppedPayload struct {
	SessionID string `json:"sessionId"`
}

// StatusPayload answers a status request.
type StatusPayload struct {
	SessionID string               `json:"sessionId"`
	Status    model.ReportedStatus `json:"status"`
}

// ElementSentPayload acknowledges a delivered element context.
type ElementSentPayload struct {
	SessionID string        `json:"sessionId"`
	Element   model.Element `json:"element"`
}

// ClosedPayload reports that a session's process ended on its own.
type ClosedPayload struct {
	SessionID string `json:"sessionId"`
	Code      int    `json:"code"`
	Signal    string `json:"signal,omitempty"`
}

// HistoryPayload carries recent output for a session.
type HistoryPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// ErrorPayload reports a failed request to the requesting client only.
type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// PongPayload answers an application-level ping.
type PongPayload struct {
	Time time.Time `json:"time"`
}

// Sender delivers an outbound event to one connection. Implementations must
// be safe for concurrent use; session pumps and request handlers share it.
// Send should wait while the connection is behind rather than drop the event,
// and fail once the connection is gone.
type Sender interface {
	Send(event string, data any) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(event string, data any) error

// Send implements Sender.
func (f SenderFunc) Send(event string, data any) error {
	return f(event, data)
}
