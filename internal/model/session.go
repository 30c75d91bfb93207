package model

import (
	"time"
)

// Identity is the authenticated principal behind one realtime connection.
// It is established once at handshake time and never changes afterwards.
type Identity struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId,omitempty"`
	Name       string `json:"name"`
}

// SessionStatus is the lifecycle status of an agent session.
type SessionStatus string

const (
	SessionStatusInitializing SessionStatus = "initializing"
	SessionStatusActive       SessionStatus = "active"
	SessionStatusError        SessionStatus = "error"
	SessionStatusClosed       SessionStatus = "closed"
)

// ReportedStatus is what a status query returns to the client.
type ReportedStatus string

const (
	ReportedActive   ReportedStatus = "active"
	ReportedInactive ReportedStatus = "inactive"
	ReportedError    ReportedStatus = "error"
	ReportedNotFound ReportedStatus = "not_found"
)

// Session is the lifecycle record of an agent session. It holds metadata only;
// the process itself lives in the process package and never leaves it.
type Session struct {
	ID         string        `json:"id"`
	UserID     string        `json:"userId"`
	ProjectID  string        `json:"projectId"`
	Workdir    string        `json:"workingDirectory"`
	Status     SessionStatus `json:"status"`
	ExitCode   *int          `json:"exitCode,omitempty"`
	ExitSignal string        `json:"exitSignal,omitempty"`
	PID        *int          `json:"pid,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// Duration returns how long the session has existed.
func (s *Session) Duration() time.Duration {
	return time.Since(s.CreatedAt)
}

// MessageKind classifies a message exchanged between a session and its client.
type MessageKind string

const (
	MessageKindSystem MessageKind = "system"
	MessageKindOutput MessageKind = "output"
	MessageKindError  MessageKind = "error"
	MessageKindInput  MessageKind = "input"
)

// Message is one entry of a session's stream. SessionID is always set so a
// client holding several sessions can demultiplex.
type Message struct {
	SessionID string      `json:"sessionId"`
	Kind      MessageKind `json:"kind"`
	Data      string      `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage builds a message stamped with the current time.
func NewMessage(sessionID string, kind MessageKind, data string) Message {
	return Message{
		SessionID: sessionID,
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// Element describes a page element picked in the client's preview.
type Element struct {
	Selector string            `json:"selector"`
	TagName  string            `json:"tagName"`
	Text     string            `json:"text"`
	HTML     string            `json:"html"`
	Styles   map[string]string `json:"styles,omitempty"`
}
