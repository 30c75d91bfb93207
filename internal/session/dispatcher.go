package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/process"
	"github.com/remote-agent-terminal/gateway/internal/workspace"
)

// MsgNotReady is sent when input arrives before the agent is ready.
const MsgNotReady = "The agent is still starting up. Wait for it to be ready before sending input."

// Dispatcher serves the requests of one connection on behalf of one identity.
//
// Every operation reports its own failures to the connection through the
// Sender; the returned error is informational. Failures never touch sessions
// other than the one addressed. Two connections of the same identity may
// operate on the same session; their inputs interleave in arrival order.
type Dispatcher struct {
	m        *Manager
	identity model.Identity
	sender   Sender
	log      *zap.Logger
}

// StartResult describes a started session.
type StartResult = StartedPayload

// Identity returns the identity the dispatcher acts for.
func (d *Dispatcher) Identity() model.Identity {
	return d.identity
}

// Start creates, initializes and registers a new session for projectID.
func (d *Dispatcher) Start(ctx context.Context, projectID string) (StartResult, error) {
	owner := d.identity.ID

	if projectID == "" {
		return StartResult{}, d.reject(model.ErrProjectRequired, "")
	}
	if err := workspace.ValidateID(projectID); err != nil {
		return StartResult{}, d.reject(err, "")
	}
	if limit := d.m.cfg.MaxSessionsPerUser; limit > 0 && d.m.registry.CountOwnedBy(owner) >= limit {
		return StartResult{}, d.reject(fmt.Errorf("%w: at most %d sessions", model.ErrConcurrencyLimit, limit), "")
	}

	workdir, err := d.m.resolver.Resolve(owner, projectID)
	if err != nil {
		return StartResult{}, d.reject(err, "")
	}

	createdAt := d.m.now()
	id := NewSessionID(owner, projectID, createdAt)
	log := d.log.With(zap.String("session_id", id), zap.String("project_id", projectID))

	sess, err := d.m.newProcess(id, owner, projectID, workdir)
	if err != nil {
		return StartResult{}, d.reject(err, id)
	}

	if err := sess.Initialize(ctx); err != nil {
		log.Warn("session failed to initialize", zap.Error(err))
		// relay the descriptive messages the session produced
		for ev := range sess.Events() {
			if ev.Message != nil {
				d.send(EventOutput, OutputPayload{SessionID: id, Message: *ev.Message})
			}
		}
		code := model.CodeSessionInitFailed
		if errors.Is(err, process.ErrAgentNotFound) ||
			errors.Is(err, process.ErrAgentPermission) ||
			errors.Is(err, process.ErrSpawnFailed) {
			code = model.CodeSessionSpawnFailed
		}
		d.sendError(code, fmt.Sprintf("Failed to start session: %v", err), id)
		return StartResult{}, err
	}

	entry := &Entry{
		ID:        id,
		OwnerID:   owner,
		ProjectID: projectID,
		Workdir:   workdir,
		CreatedAt: createdAt,
		Session:   sess,
	}
	if err := d.m.registry.Add(entry, d.m.cfg.MaxSessionsPerUser); err != nil {
		sess.Destroy()
		return StartResult{}, d.reject(err, id)
	}

	pid := sess.PID()
	d.m.recordCreate(&model.Session{
		ID:        id,
		UserID:    owner,
		ProjectID: projectID,
		Workdir:   workdir,
		Status:    sess.State().Status(),
		PID:       &pid,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	})

	result := StartResult{SessionID: id, ProjectID: projectID, WorkingDirectory: workdir}
	d.send(EventStarted, result)
	go d.m.pump(entry, d.sender)

	log.Info("session started", zap.Int("pid", pid), zap.String("workdir", workdir))
	return result, nil
}

// Input forwards text to the session once the agent is ready. Input arriving
// earlier is answered with a warning and dropped.
func (d *Dispatcher) Input(sessionID, text string) error {
	entry, err := d.owned(sessionID)
	if err != nil {
		return d.reject(err, sessionID)
	}
	return d.forward(entry, text)
}

// Stop destroys the session. Unknown ids are acknowledged without error.
func (d *Dispatcher) Stop(sessionID string) error {
	entry, ok := d.m.registry.Get(sessionID)
	if !ok {
		d.log.Info("stop for unknown session", zap.String("session_id", sessionID))
		d.send(EventStopped, StoppedPayload{SessionID: sessionID})
		return nil
	}
	if entry.OwnerID != d.identity.ID {
		return d.reject(model.ErrForbidden, sessionID)
	}

	d.m.registry.Remove(entry)
	entry.Session.Destroy()
	d.log.Info("session stopped", zap.String("session_id", sessionID))

	// wait out an event the pump is relaying right now
	entry.relay.Lock()
	d.send(EventStopped, StoppedPayload{SessionID: sessionID})
	entry.relay.Unlock()
	return nil
}

// Status reports the state of a session. Sessions owned by another identity
// are reported as not found.
func (d *Dispatcher) Status(sessionID string) model.ReportedStatus {
	status := model.ReportedNotFound
	if entry, ok := d.m.registry.Get(sessionID); ok && entry.OwnerID == d.identity.ID {
		status = reportStatus(entry.Session)
	}
	d.send(EventStatus, StatusPayload{SessionID: sessionID, Status: status})
	return status
}

// ElementContext formats element into one instruction and forwards it like
// Input, then acknowledges delivery with an elementSent event.
func (d *Dispatcher) ElementContext(sessionID string, element model.Element) error {
	entry, err := d.owned(sessionID)
	if err != nil {
		return d.reject(err, sessionID)
	}
	if err := d.forward(entry, FormatElementContext(element)); err != nil {
		return err
	}
	d.send(EventElementSent, ElementSentPayload{SessionID: sessionID, Element: element})
	return nil
}

// History sends the session's recent output.
func (d *Dispatcher) History(sessionID string) error {
	entry, err := d.owned(sessionID)
	if err != nil {
		return d.reject(err, sessionID)
	}
	d.send(EventHistory, HistoryPayload{SessionID: sessionID, Data: string(entry.Session.History())})
	return nil
}

// TeardownForIdentity destroys every session owned by the dispatcher's
// identity and returns how many were destroyed.
func (d *Dispatcher) TeardownForIdentity() int {
	entries := d.m.registry.RemoveOwnedBy(d.identity.ID)
	for _, e := range entries {
		e.Session.Destroy()
	}
	if len(entries) > 0 {
		d.log.Info("tore down sessions", zap.Int("count", len(entries)))
	}
	return len(entries)
}

// ReportError sends an error event for a failure outside a dispatcher
// operation, such as an undecodable request.
func (d *Dispatcher) ReportError(err error) {
	d.reject(err, "")
}

func (d *Dispatcher) forward(entry *Entry, text string) error {
	if !entry.Session.Ready() {
		msg := model.NewMessage(entry.ID, model.MessageKindSystem, MsgNotReady)
		d.send(EventOutput, OutputPayload{SessionID: entry.ID, Message: msg})
		return model.ErrNotReady
	}

	// Echo first so the client can render the input whatever the agent does.
	echo := model.NewMessage(entry.ID, model.MessageKindInput, text)
	d.send(EventOutput, OutputPayload{SessionID: entry.ID, Message: echo})

	if err := entry.Session.Write(text); err != nil {
		d.log.Warn("failed to write input", zap.String("session_id", entry.ID), zap.Error(err))
		d.sendError(model.CodeSessionWriteFailed, fmt.Sprintf("Failed to send input: %v", err), entry.ID)
		return err
	}
	return nil
}

func (d *Dispatcher) owned(sessionID string) (*Entry, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: sessionId is required", model.ErrInvalidRequest)
	}
	entry, ok := d.m.registry.Get(sessionID)
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	if entry.OwnerID != d.identity.ID {
		d.log.Warn("rejected access to foreign session", zap.String("session_id", sessionID))
		return nil, model.ErrForbidden
	}
	return entry, nil
}

// reject reports err to the client and returns it.
func (d *Dispatcher) reject(err error, sessionID string) error {
	d.sendError(model.CodeOf(err), err.Error(), sessionID)
	return err
}

func (d *Dispatcher) sendError(code, message, sessionID string) {
	d.send(EventError, ErrorPayload{Message: message, Code: code, SessionID: sessionID})
}

func (d *Dispatcher) send(event string, data any) {
	if err := d.sender.Send(event, data); err != nil {
		d.log.Debug("failed to send event", zap.String("event", event), zap.Error(err))
	}
}
