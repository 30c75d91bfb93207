package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Project event names.
const (
	EventCommit     = "commit"
	EventDeployment = "deployment"
	EventSyncError  = "syncError"
)

// CommitEvent reports a change committed to a project's repository.
type CommitEvent struct {
	ProjectID string    `json:"projectId"`
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DeploymentEvent reports a deployment status change.
type DeploymentEvent struct {
	ProjectID    string    `json:"projectId"`
	DeploymentID string    `json:"deploymentId"`
	Status       string    `json:"status"`
	URL          string    `json:"url,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// SyncErrorEvent reports a failed synchronization of a project.
type SyncErrorEvent struct {
	ProjectID string    `json:"projectId"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub holds the subscribers of one project.
type Hub struct {
	projectID string
	clients   map[*Client]struct{}
	mu        sync.RWMutex
}

// NewHub creates a new Hub for the given project.
func NewHub(projectID string) *Hub {
	return &Hub{
		projectID: projectID,
		clients:   make(map[*Client]struct{}),
	}
}

// ProjectID returns the project this hub serves.
func (h *Hub) ProjectID() string {
	return h.projectID
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
}

// Unregister removes and closes a client. It returns the remaining count.
func (h *Hub) Unregister(client *Client) int {
	h.mu.Lock()
	delete(h.clients, client)
	remaining := len(h.clients)
	h.mu.Unlock()

	client.Close()
	return remaining
}

// Broadcast queues data on every subscriber without blocking and returns how
// many accepted it. A subscriber whose queue is full is closed.
func (h *Hub) Broadcast(data []byte) int {
	delivered := 0
	for _, c := range h.snapshot() {
		if c.Send(data) {
			delivered++
		}
	}
	return delivered
}

// ClientCount returns the number of subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Close closes all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

// HubManager maps project ids to hubs and prunes dead subscribers.
type HubManager struct {
	hubs   map[string]*Hub
	mu     sync.RWMutex
	closed bool
	log    *zap.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewHubManager creates a HubManager. A positive interval starts the
// heartbeat.
func NewHubManager(interval time.Duration, log *zap.Logger) *HubManager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &HubManager{
		hubs: make(map[string]*Hub),
		log:  log.Named("hub"),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if interval > 0 {
		go m.heartbeat(interval)
	} else {
		close(m.done)
	}
	return m
}

// Subscribe registers client with the project's hub, creating it if needed.
// It returns nil once the manager is closed.
func (m *HubManager) Subscribe(projectID string, client *Client) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	hub, ok := m.hubs[projectID]
	if !ok {
		hub = NewHub(projectID)
		m.hubs[projectID] = hub
	}
	hub.Register(client)
	return hub
}

// Unsubscribe removes client from the project's hub and drops the hub once
// it is empty.
func (m *HubManager) Unsubscribe(projectID string, client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hub, ok := m.hubs[projectID]
	if !ok {
		client.Close()
		return
	}
	if hub.Unregister(client) == 0 {
		delete(m.hubs, projectID)
	}
}

// Get returns the hub for the project, or nil if not found.
func (m *HubManager) Get(projectID string) *Hub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hubs[projectID]
}

// SubscriberCount returns the number of subscribers of a project.
func (m *HubManager) SubscriberCount(projectID string) int {
	if hub := m.Get(projectID); hub != nil {
		return hub.ClientCount()
	}
	return 0
}

// BroadcastCommit delivers a commit event to the project's subscribers.
func (m *HubManager) BroadcastCommit(projectID string, ev CommitEvent) int {
	return m.broadcast(projectID, EventCommit, ev)
}

// BroadcastDeployment delivers a deployment event to the project's subscribers.
func (m *HubManager) BroadcastDeployment(projectID string, ev DeploymentEvent) int {
	return m.broadcast(projectID, EventDeployment, ev)
}

// BroadcastSyncError delivers a sync error to the project's subscribers.
func (m *HubManager) BroadcastSyncError(projectID string, ev SyncErrorEvent) int {
	return m.broadcast(projectID, EventSyncError, ev)
}

func (m *HubManager) broadcast(projectID, event string, data any) int {
	hub := m.Get(projectID)
	if hub == nil {
		return 0
	}
	frame, err := Encode(event, data)
	if err != nil {
		m.log.Error("failed to encode project event", zap.String("event", event), zap.Error(err))
		return 0
	}
	n := hub.Broadcast(frame)
	m.log.Debug("project event broadcast",
		zap.String("project_id", projectID), zap.String("event", event), zap.Int("delivered", n))
	return n
}

func (m *HubManager) heartbeat(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

// sweep prunes subscribers that did not answer the previous ping and pings
// the rest.
func (m *HubManager) sweep() int {
	m.mu.RLock()
	hubs := make([]*Hub, 0, len(m.hubs))
	for _, h := range m.hubs {
		hubs = append(hubs, h)
	}
	m.mu.RUnlock()

	pruned := 0
	for _, hub := range hubs {
		for _, c := range hub.snapshot() {
			if c.IsClosed() || !c.alive.Swap(false) {
				m.Unsubscribe(hub.projectID, c)
				pruned++
				continue
			}
			if conn := c.Conn(); conn != nil {
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					m.Unsubscribe(hub.projectID, c)
					pruned++
				}
			}
		}
	}
	if pruned > 0 {
		m.log.Info("pruned dead subscribers", zap.Int("count", pruned))
	}
	return pruned
}

// Close stops the heartbeat and closes all hubs.
func (m *HubManager) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done

		m.mu.Lock()
		defer m.mu.Unlock()
		m.closed = true
		for _, hub := range m.hubs {
			hub.Close()
		}
		m.hubs = make(map[string]*Hub)
	})
}
