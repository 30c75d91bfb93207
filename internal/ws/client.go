package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/gateway/internal/model"
)

// sendQueueSize bounds the per-client outbound queue. A subscriber that falls
// this far behind is closed; session output waits for room instead.
const sendQueueSize = 256

// ErrClientClosed is returned when sending to a closed client.
var ErrClientClosed = errors.New("client is closed")

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an event into an envelope frame.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Client represents a WebSocket client connection.
type Client struct {
	conn     *websocket.Conn
	identity model.Identity
	send     chan []byte
	done     chan struct{}
	mu       sync.Mutex
	closed   bool

	// alive is cleared by each hub heartbeat and set again by the pong.
	alive atomic.Bool
}

// NewClient creates a new WebSocket client. conn may be nil in tests.
func NewClient(conn *websocket.Conn, identity model.Identity) *Client {
	c := &Client{
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// Send queues a frame without blocking. It reports false when the client is
// closed or its queue was full, in which case the client is closed.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		// Buffer full, close the client
		c.closeLocked()
		return false
	}
}

// SendWait queues a frame, waiting for room in the queue. It reports false
// once the client is closed.
func (c *Client) SendWait(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}

// SendEvent encodes one event and waits for room to queue it. It implements
// session.Sender.
func (c *Client) SendEvent(event string, data any) error {
	frame, err := Encode(event, data)
	if err != nil {
		return err
	}
	if !c.SendWait(frame) {
		return ErrClientClosed
	}
	return nil
}

// Close marks the client closed; the write pump then closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Identity returns the identity the connection authenticated as.
func (c *Client) Identity() model.Identity {
	return c.identity
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client. It is never closed; use
// Done to learn that the client went away.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// sender adapts a Client to session.Sender.
type sender struct{ c *Client }

func (s sender) Send(event string, data any) error {
	return s.c.SendEvent(event, data)
}
