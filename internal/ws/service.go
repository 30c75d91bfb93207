package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/remote-agent-terminal/gateway/internal/auth"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/workspace"
)

// PublishRequest is an out-of-band project event submitted by a pipeline.
// Type is one of "commit", "deployment" or "syncError".
type PublishRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// PublishResult reports where a published event went.
type PublishResult struct {
	Event       string `json:"event"`
	Subscribers int    `json:"subscribers"`
	Connections int    `json:"connections"`
}

// PublishPolicy decides which projects an identity may publish events for.
// workspace.Resolver implements it: an identity may publish for the projects
// it has a working directory for.
type PublishPolicy interface {
	Owns(identityID, projectID string) bool
}

// Service joins the project hubs with the interactive gateway.
type Service struct {
	hubs     *HubManager
	gateway  *Gateway
	guard    *auth.Guard
	policy   PublishPolicy
	upgrader websocket.Upgrader
	log      *zap.Logger
	now      func() time.Time
}

// NewService creates a new WebSocket service. A nil policy lets any
// authenticated identity publish for any project.
func NewService(hubs *HubManager, gateway *Gateway, guard *auth.Guard, policy PublishPolicy, allowedOrigins []string, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		hubs:     hubs,
		gateway:  gateway,
		guard:    guard,
		policy:   policy,
		upgrader: newUpgrader(allowedOrigins),
		log:      log.Named("events"),
		now:      time.Now,
	}
}

// Hubs returns the hub manager.
func (s *Service) Hubs() *HubManager {
	return s.hubs
}

// Publish broadcasts an event to the project's subscribers and to the
// publishing identity's interactive connections.
func (s *Service) Publish(identityID, projectID string, req PublishRequest) (PublishResult, error) {
	if err := workspace.ValidateID(projectID); err != nil {
		return PublishResult{}, err
	}
	if s.policy != nil && !s.policy.Owns(identityID, projectID) {
		s.log.Warn("rejected project event from non-owner",
			zap.String("project_id", projectID), zap.String("user_id", identityID))
		return PublishResult{}, fmt.Errorf("%w: project %q", model.ErrForbidden, projectID)
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage("{}")
	}

	result := PublishResult{Event: req.Type}
	var payload any
	switch req.Type {
	case EventCommit:
		var ev CommitEvent
		if err := json.Unmarshal(req.Data, &ev); err != nil {
			return PublishResult{}, invalidData(req.Type, err)
		}
		ev.ProjectID = projectID
		if ev.Timestamp.IsZero() {
			ev.Timestamp = s.now()
		}
		result.Subscribers = s.hubs.BroadcastCommit(projectID, ev)
		payload = ev
	case EventDeployment:
		var ev DeploymentEvent
		if err := json.Unmarshal(req.Data, &ev); err != nil {
			return PublishResult{}, invalidData(req.Type, err)
		}
		ev.ProjectID = projectID
		if ev.Timestamp.IsZero() {
			ev.Timestamp = s.now()
		}
		result.Subscribers = s.hubs.BroadcastDeployment(projectID, ev)
		payload = ev
	case EventSyncError:
		var ev SyncErrorEvent
		if err := json.Unmarshal(req.Data, &ev); err != nil {
			return PublishResult{}, invalidData(req.Type, err)
		}
		ev.ProjectID = projectID
		if ev.Timestamp.IsZero() {
			ev.Timestamp = s.now()
		}
		result.Subscribers = s.hubs.BroadcastSyncError(projectID, ev)
		payload = ev
	default:
		return PublishResult{}, fmt.Errorf("%w: unknown event type %q", model.ErrInvalidRequest, req.Type)
	}

	if s.gateway != nil && identityID != "" {
		result.Connections = s.gateway.SendToIdentity(identityID, req.Type, payload)
	}

	s.log.Info("project event published",
		zap.String("project_id", projectID),
		zap.String("user_id", identityID),
		zap.String("event", req.Type),
		zap.Int("subscribers", result.Subscribers),
		zap.Int("connections", result.Connections))
	return result, nil
}

func invalidData(event string, err error) error {
	return fmt.Errorf("%w: invalid %s data: %v", model.ErrInvalidRequest, event, err)
}

// HandleSubscribe upgrades an authenticated request and subscribes the
// connection to projectID's events. Inbound frames are discarded; liveness
// is tracked by the hub heartbeat.
func (s *Service) HandleSubscribe(w http.ResponseWriter, r *http.Request, projectID string) error {
	if err := workspace.ValidateID(projectID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return err
	}

	conn, identity, err := accept(s.guard, &s.upgrader, w, r)
	if err != nil {
		return err
	}

	client := NewClient(conn, identity)
	if s.hubs.Subscribe(projectID, client) == nil {
		client.Close()
		conn.Close()
		return ErrGatewayClosed
	}
	s.log.Info("subscriber connected", zap.String("project_id", projectID), zap.String("user_id", identity.ID))

	conn.SetPongHandler(func(string) error {
		client.alive.Store(true)
		return nil
	})

	go writePump(client, 0)
	go func() {
		defer func() {
			s.hubs.Unsubscribe(projectID, client)
			conn.Close()
			s.log.Info("subscriber disconnected", zap.String("project_id", projectID), zap.String("user_id", identity.ID))
		}()
		conn.SetReadLimit(maxMessageSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return nil
}
