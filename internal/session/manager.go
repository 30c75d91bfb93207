// Package session routes client requests to agent sessions. A Manager owns the
// process-wide registry; each connection gets its own Dispatcher bound to the
// connection's identity.
package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remote-agent-terminal/gateway/internal/driver"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/process"
	"github.com/remote-agent-terminal/gateway/internal/workspace"
)

// Store records session lifecycle metadata. It is satisfied by
// repository.SessionRepository.
type Store interface {
	Create(ctx context.Context, session *model.Session) error
	UpdateStatus(ctx context.Context, id string, status model.SessionStatus, exitCode *int, signal string) error
}

// Config holds configuration for the session manager.
type Config struct {
	Command       string
	Args          []string
	Driver        string
	ReadyPattern  string
	Credential    string
	CredentialEnv string
	InstallHint   string

	PrepDelay      time.Duration
	StopGrace      time.Duration
	InputQueueSize int
	EventQueueSize int
	HistorySize    int

	MaxSessionsPerUser int
}

// Manager manages agent sessions for all connections.
type Manager struct {
	cfg      Config
	registry *Registry
	resolver *workspace.Resolver
	preparer workspace.Preparer
	store    Store
	log      *zap.Logger

	storeTimeout time.Duration
	now          func() time.Time
}

// NewManager creates a new session manager. preparer and store may be nil.
func NewManager(cfg Config, resolver *workspace.Resolver, preparer workspace.Preparer, store Store, log *zap.Logger) (*Manager, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("agent command is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("workspace resolver is required")
	}
	// fail at startup rather than on the first start request
	if _, err := driver.New(cfg.Driver, cfg.ReadyPattern); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Manager{
		cfg:          cfg,
		registry:     NewRegistry(),
		resolver:     resolver,
		preparer:     preparer,
		store:        store,
		log:          log,
		storeTimeout: 5 * time.Second,
		now:          time.Now,
	}, nil
}

// Registry returns the process-wide session registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// NewDispatcher creates the dispatcher serving one connection.
func (m *Manager) NewDispatcher(identity model.Identity, sender Sender) *Dispatcher {
	return &Dispatcher{
		m:        m,
		identity: identity,
		sender:   sender,
		log:      m.log.With(zap.String("user_id", identity.ID)),
	}
}

// NewSessionID returns an id encoding owner, project and creation time, with
// a random suffix so concurrent starts never collide. The owner appears as
// its directory segment so the id stays URL and path safe.
func NewSessionID(ownerID, projectID string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%d-%s", workspace.OwnerSegment(ownerID), projectID, at.UnixMilli(), uuid.NewString()[:8])
}

// LiveSession describes a registered session.
type LiveSession struct {
	ID               string               `json:"id"`
	ProjectID        string               `json:"projectId"`
	WorkingDirectory string               `json:"workingDirectory"`
	Status           model.ReportedStatus `json:"status"`
	PID              int                  `json:"pid,omitempty"`
	CreatedAt        time.Time            `json:"createdAt"`
}

// Live returns the registered sessions of ownerID, oldest first.
func (m *Manager) Live(ownerID string) []LiveSession {
	entries := m.registry.OwnedBy(ownerID)
	out := make([]LiveSession, 0, len(entries))
	for _, e := range entries {
		out = append(out, LiveSession{
			ID:               e.ID,
			ProjectID:        e.ProjectID,
			WorkingDirectory: e.Workdir,
			Status:           reportStatus(e.Session),
			PID:              e.Session.PID(),
			CreatedAt:        e.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close destroys every registered session. Used on server shutdown.
func (m *Manager) Close() {
	entries := m.registry.RemoveAll()
	for _, e := range entries {
		e.Session.Destroy()
	}
	if len(entries) > 0 {
		m.log.Info("destroyed sessions on shutdown", zap.Int("count", len(entries)))
	}
}

func (m *Manager) newProcess(id, ownerID, projectID, workdir string) (*process.Session, error) {
	drv, err := driver.New(m.cfg.Driver, m.cfg.ReadyPattern)
	if err != nil {
		return nil, err
	}
	return process.New(process.Options{
		ID:             id,
		OwnerID:        ownerID,
		ProjectID:      projectID,
		Workdir:        workdir,
		Command:        m.cfg.Command,
		Args:           m.cfg.Args,
		Credential:     m.cfg.Credential,
		CredentialEnv:  m.cfg.CredentialEnv,
		InstallHint:    m.cfg.InstallHint,
		Driver:         drv,
		Preparer:       m.preparer,
		PrepDelay:      m.cfg.PrepDelay,
		StopGrace:      m.cfg.StopGrace,
		InputQueueSize: m.cfg.InputQueueSize,
		EventQueueSize: m.cfg.EventQueueSize,
		HistorySize:    m.cfg.HistorySize,
		Logger:         m.log,
	}), nil
}

// pump relays a session's events to the connection that started it until
// the session's event channel closes.
func (m *Manager) pump(entry *Entry, sender Sender) {
	log := m.log.With(zap.String("session_id", entry.ID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("session pump panicked", zap.Any("panic", r))
		}
	}()

	var exit *process.Exit
	for ev := range entry.Session.Events() {
		if ev.Exit != nil {
			exit = ev.Exit
			m.registry.Remove(entry)
		}
		m.relayEvent(entry, sender, ev, log)
	}

	// Destroyed sessions end without an Exit event.
	if exit == nil {
		m.recordStatus(entry.ID, model.SessionStatusClosed, nil, "")
		return
	}
	code := exit.Code
	status := model.SessionStatusClosed
	if exit.Err != nil {
		status = model.SessionStatusError
	}
	m.recordStatus(entry.ID, status, &code, exit.Signal)
}

// relayEvent forwards one event unless the session has been stopped. Events
// still buffered when Stop runs are discarded.
func (m *Manager) relayEvent(entry *Entry, sender Sender, ev process.Event, log *zap.Logger) {
	entry.relay.Lock()
	defer entry.relay.Unlock()

	select {
	case <-entry.Session.Stopped():
		return
	default:
	}

	switch {
	case ev.Message != nil:
		if err := sender.Send(EventOutput, OutputPayload{SessionID: entry.ID, Message: *ev.Message}); err != nil {
			log.Debug("failed to relay output", zap.Error(err))
		}
	case ev.Exit != nil:
		if err := sender.Send(EventClosed, ClosedPayload{
			SessionID: entry.ID,
			Code:      ev.Exit.Code,
			Signal:    ev.Exit.Signal,
		}); err != nil {
			log.Debug("failed to send closed", zap.Error(err))
		}
	}
}

func (m *Manager) recordCreate(s *model.Session) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.storeTimeout)
	defer cancel()
	if err := m.store.Create(ctx, s); err != nil {
		m.log.Warn("failed to record session", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (m *Manager) recordStatus(id string, status model.SessionStatus, code *int, signal string) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.storeTimeout)
	defer cancel()
	if err := m.store.UpdateStatus(ctx, id, status, code, signal); err != nil {
		m.log.Warn("failed to update session record", zap.String("session_id", id), zap.Error(err))
	}
}

// reportStatus maps a live session to the status reported to clients. Only
// sessions that initialized are registered, so a live session is never in
// the error state.
func reportStatus(s *process.Session) model.ReportedStatus {
	switch s.State() {
	case process.StateReady:
		if s.Ready() {
			return model.ReportedActive
		}
		return model.ReportedInactive
	default:
		return model.ReportedInactive
	}
}
