package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/remote-agent-terminal/gateway/internal/auth"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// ErrGatewayClosed is returned when a connection arrives after Close.
var ErrGatewayClosed = errors.New("gateway is closed")

// Gateway accepts interactive connections. Each connection authenticates
// once, gets its own session.Dispatcher, and on disconnect tears down every
// session owned by its identity.
type Gateway struct {
	guard    *auth.Guard
	manager  *session.Manager
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewGateway creates a gateway. An empty allowedOrigins accepts any origin.
func NewGateway(guard *auth.Guard, manager *session.Manager, allowedOrigins []string, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		guard:    guard,
		manager:  manager,
		log:      log.Named("gateway"),
		upgrader: newUpgrader(allowedOrigins),
		clients:  make(map[string]map[*Client]struct{}),
	}
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	u := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(allowedOrigins) == 0 {
		u.CheckOrigin = func(*http.Request) bool { return true }
		return u
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	u.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
	return u
}

// accept authenticates the request and upgrades it. Authentication failures
// are answered with 401 before any upgrade.
func accept(guard *auth.Guard, upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) (*websocket.Conn, model.Identity, error) {
	identity, err := guard.Authenticate(r)
	if err != nil {
		auth.WriteError(w, err)
		return nil, model.Identity{}, fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
	}

	header := http.Header{}
	if p := auth.TokenSubprotocol(r); p != "" {
		header.Set("Sec-WebSocket-Protocol", p)
	}
	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		return nil, model.Identity{}, err
	}
	return conn, identity, nil
}

// HandleConnection serves one interactive connection until it disconnects.
// It returns once the connection is running.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return ErrGatewayClosed
	}

	conn, identity, err := accept(g.guard, &g.upgrader, w, r)
	if err != nil {
		return err
	}

	client := NewClient(conn, identity)
	if !g.register(client) {
		client.Close()
		conn.Close()
		return ErrGatewayClosed
	}

	log := g.log.With(zap.String("user_id", identity.ID), zap.String("remote", r.RemoteAddr))
	dispatcher := g.manager.NewDispatcher(identity, sender{client})
	log.Info("client connected")

	go writePump(client, pingPeriod)
	go g.readPump(client, dispatcher, log)
	return nil
}

func (g *Gateway) register(c *Client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	set, ok := g.clients[c.identity.ID]
	if !ok {
		set = make(map[*Client]struct{})
		g.clients[c.identity.ID] = set
	}
	set[c] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *Gateway) unregister(c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.clients[c.identity.ID]
	delete(set, c)
	if len(set) == 0 {
		delete(g.clients, c.identity.ID)
	}
}

// readPump reads requests until the connection fails, then tears down the
// identity's sessions.
func (g *Gateway) readPump(c *Client, d *session.Dispatcher, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		g.unregister(c)
		c.Close()
		c.Conn().Close()
		n := d.TeardownForIdentity()
		log.Info("client disconnected", zap.Int("sessions_destroyed", n))
		g.wg.Done()
	}()

	conn := c.Conn()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		g.route(ctx, c, d, message, log)
	}
}

// route decodes one inbound envelope and runs it on the dispatcher. A panic
// is reported to the client as an error event and never ends the connection.
func (g *Gateway) route(ctx context.Context, c *Client, d *session.Dispatcher, message []byte, log *zap.Logger) {
	var event string
	defer func() {
		if r := recover(); r != nil {
			log.Error("request handler panicked", zap.String("event", event), zap.Any("panic", r), zap.Stack("stack"))
			d.ReportError(fmt.Errorf("internal error while handling %q", event))
		}
	}()

	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		d.ReportError(fmt.Errorf("%w: malformed message: %v", model.ErrInvalidRequest, err))
		return
	}
	event = env.Event

	switch env.Event {
	case session.EventStart:
		var req session.StartRequest
		if decode(d, env, &req) {
			d.Start(ctx, req.ProjectID)
		}
	case session.EventInput:
		var req session.InputRequest
		if decode(d, env, &req) {
			d.Input(req.SessionID, req.Input)
		}
	case session.EventStop:
		var req session.SessionRequest
		if decode(d, env, &req) {
			d.Stop(req.SessionID)
		}
	case session.EventStatus:
		var req session.SessionRequest
		if decode(d, env, &req) {
			d.Status(req.SessionID)
		}
	case session.EventElementContext:
		var req session.ElementContextRequest
		if decode(d, env, &req) {
			d.ElementContext(req.SessionID, req.Element)
		}
	case session.EventHistory:
		var req session.SessionRequest
		if decode(d, env, &req) {
			d.History(req.SessionID)
		}
	case session.EventPing:
		c.SendEvent(session.EventPong, session.PongPayload{Time: time.Now()})
	default:
		d.ReportError(fmt.Errorf("%w: unknown event %q", model.ErrInvalidRequest, env.Event))
	}
}

func decode(d *session.Dispatcher, env Envelope, dst any) bool {
	if len(env.Data) == 0 {
		d.ReportError(fmt.Errorf("%w: %s requires data", model.ErrInvalidRequest, env.Event))
		return false
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		d.ReportError(fmt.Errorf("%w: invalid %s data: %v", model.ErrInvalidRequest, env.Event, err))
		return false
	}
	return true
}

// writePump pumps queued frames to the connection. A zero period disables
// keepalive pings; the project hubs ping from their heartbeat instead.
func writePump(c *Client, period time.Duration) {
	var tick <-chan time.Time
	if period > 0 {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		tick = ticker.C
	}
	conn := c.Conn()
	defer conn.Close()

	for {
		select {
		case <-c.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.SendChan():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			// One frame per envelope so the peer can parse each on its own.
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}
		case <-tick:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// SendToIdentity delivers an event to every live connection of identityID
// and returns how many accepted it. Like session output it waits for room in
// each connection's queue rather than dropping the connection.
func (g *Gateway) SendToIdentity(identityID, event string, data any) int {
	frame, err := Encode(event, data)
	if err != nil {
		g.log.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return 0
	}

	g.mu.RLock()
	targets := make([]*Client, 0, len(g.clients[identityID]))
	for c := range g.clients[identityID] {
		targets = append(targets, c)
	}
	g.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.SendWait(frame) {
			delivered++
		}
	}
	return delivered
}

// ClientCount returns the number of live interactive connections.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, set := range g.clients {
		n += len(set)
	}
	return n
}

// Close stops accepting connections, closes the live ones and waits until
// their sessions have been torn down or ctx expires.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	var all []*Client
	for _, set := range g.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	g.mu.Unlock()

	for _, c := range all {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
