//go:build !windows

package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/gateway/internal/auth"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/process"
	"github.com/remote-agent-terminal/gateway/internal/session"
	"github.com/remote-agent-terminal/gateway/internal/workspace"
)

// echoAgent echoes input lines. "flood N" first prints the numbers 1..N.
const echoAgent = `#!/bin/sh
echo "ready"
while IFS= read -r line; do
  case "$line" in
    flood*) seq 1 ${line#flood } ;;
  esac
  echo "got: $line"
done
`

var (
	alice = model.Identity{ID: "alice", Name: "Alice"}
	bob   = model.Identity{ID: "bob", Name: "Bob"}
)

type testServer struct {
	srv      *httptest.Server
	resolver *workspace.Resolver
	gateway  *Gateway
	hubs     *HubManager
	service  *Service
	manager  *session.Manager
	guard    *auth.Guard
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	agent := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(agent, []byte(echoAgent), 0755))
	resolver, err := workspace.NewResolver(t.TempDir())
	require.NoError(t, err)

	m, err := session.NewManager(session.Config{
		Command:   agent,
		Driver:    "generic",
		PrepDelay: 10 * time.Millisecond,
		StopGrace: 500 * time.Millisecond,
	}, resolver, nil, nil, nil)
	require.NoError(t, err)

	guard := auth.NewGuard("test-secret", "")
	gw := NewGateway(guard, m, nil, nil)
	hubs := NewHubManager(0, nil)
	svc := NewService(hubs, gw, guard, resolver, nil, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		gw.HandleConnection(w, r)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		svc.HandleSubscribe(w, r, r.URL.Query().Get("project"))
	})
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		gw.Close(ctx)
		hubs.Close()
		m.Close()
		srv.Close()
	})

	return &testServer{srv: srv, resolver: resolver, gateway: gw, hubs: hubs, service: svc, manager: m, guard: guard}
}

// own gives id a working directory for project, which entitles it to
// publish events for the project.
func (ts *testServer) own(t *testing.T, id model.Identity, project string) {
	t.Helper()
	dir, err := ts.resolver.Resolve(id.ID, project)
	require.NoError(t, err)
	require.NoError(t, workspace.Ensure(dir))
}

func (ts *testServer) url(path string) string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + path
}

func (ts *testServer) token(t *testing.T, id model.Identity) string {
	t.Helper()
	tok, err := ts.guard.Issue(id, time.Hour)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) dial(t *testing.T, id model.Identity, path string) *websocket.Conn {
	t.Helper()
	header := http.Header{"Authorization": {"Bearer " + ts.token(t, id)}}
	conn, resp, err := websocket.DefaultDialer.Dial(ts.url(path), header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := Encode(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// readUntil reads envelopes until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(Envelope) bool) Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if match(env) {
			return env
		}
	}
}

func event(name string) func(Envelope) bool {
	return func(e Envelope) bool { return e.Event == name }
}

func output(kind model.MessageKind, contains string) func(Envelope) bool {
	return func(e Envelope) bool {
		if e.Event != session.EventOutput {
			return false
		}
		var p session.OutputPayload
		if json.Unmarshal(e.Data, &p) != nil {
			return false
		}
		return p.Message.Kind == kind && strings.Contains(p.Message.Data, contains)
	}
}

func errorPayload(t *testing.T, e Envelope) session.ErrorPayload {
	t.Helper()
	var p session.ErrorPayload
	require.NoError(t, json.Unmarshal(e.Data, &p))
	return p
}

func TestGateway_RejectsUnauthenticated(t *testing.T) {
	ts := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(ts.url("/ws"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(ts.url("/ws?token=garbage"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, ts.gateway.ClientCount())
}

func TestGateway_SubprotocolToken(t *testing.T) {
	ts := newTestServer(t)

	protocol := auth.SubprotocolPrefix + ts.token(t, alice)
	dialer := websocket.Dialer{Subprotocols: []string{protocol}}
	conn, resp, err := dialer.Dial(ts.url("/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()
	resp.Body.Close()
	assert.Equal(t, protocol, conn.Subprotocol())

	send(t, conn, session.EventPing, struct{}{})
	readUntil(t, conn, event(session.EventPong))
}

func TestGateway_StartInputAndDisconnect(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, alice, "/ws")

	send(t, conn, session.EventStart, session.StartRequest{ProjectID: "site"})
	env := readUntil(t, conn, event(session.EventStarted))
	var started session.StartedPayload
	require.NoError(t, json.Unmarshal(env.Data, &started))
	assert.True(t, strings.HasPrefix(started.SessionID, "alice-site-"))
	assert.Equal(t, "site", started.ProjectID)

	readUntil(t, conn, output(model.MessageKindSystem, process.MsgReady))

	send(t, conn, session.EventInput, session.InputRequest{SessionID: started.SessionID, Input: "hello"})
	readUntil(t, conn, output(model.MessageKindInput, "hello"))
	readUntil(t, conn, output(model.MessageKindOutput, "got: hello"))

	send(t, conn, session.EventStatus, session.SessionRequest{SessionID: started.SessionID})
	env = readUntil(t, conn, event(session.EventStatus))
	var status session.StatusPayload
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, model.ReportedActive, status.Status)

	require.Equal(t, 1, ts.manager.Registry().Len())
	conn.Close()

	require.Eventually(t, func() bool {
		return ts.manager.Registry().Len() == 0 && ts.gateway.ClientCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGateway_InvalidRequests(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, alice, "/ws")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	env := readUntil(t, conn, event(session.EventError))
	assert.Equal(t, model.CodeRequestInvalid, errorPayload(t, env).Code)

	send(t, conn, "resize", struct{}{})
	env = readUntil(t, conn, event(session.EventError))
	assert.Contains(t, errorPayload(t, env).Message, "resize")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"start"}`)))
	env = readUntil(t, conn, event(session.EventError))
	assert.Equal(t, model.CodeRequestInvalid, errorPayload(t, env).Code)

	send(t, conn, session.EventInput, session.InputRequest{SessionID: "nope", Input: "x"})
	env = readUntil(t, conn, event(session.EventError))
	assert.Equal(t, model.CodeSessionNotFound, errorPayload(t, env).Code)

	// the connection survives every bad request
	send(t, conn, session.EventPing, struct{}{})
	readUntil(t, conn, event(session.EventPong))
}

func TestGateway_SendToIdentity(t *testing.T) {
	ts := newTestServer(t)
	a1 := ts.dial(t, alice, "/ws")
	a2 := ts.dial(t, alice, "/ws")
	b := ts.dial(t, bob, "/ws")

	require.Eventually(t, func() bool { return ts.gateway.ClientCount() == 3 }, 5*time.Second, 10*time.Millisecond)

	n := ts.gateway.SendToIdentity(alice.ID, EventDeployment, DeploymentEvent{ProjectID: "site", Status: "live"})
	assert.Equal(t, 2, n)
	readUntil(t, a1, event(EventDeployment))
	readUntil(t, a2, event(EventDeployment))

	assert.Equal(t, 0, ts.gateway.SendToIdentity("carol", EventDeployment, DeploymentEvent{}))

	// bob only sees his own pong
	send(t, b, session.EventPing, struct{}{})
	env := readUntil(t, b, func(Envelope) bool { return true })
	assert.Equal(t, session.EventPong, env.Event)
}

func TestGateway_CloseTearsDownSessions(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, alice, "/ws")

	send(t, conn, session.EventStart, session.StartRequest{ProjectID: "site"})
	readUntil(t, conn, event(session.EventStarted))
	require.Equal(t, 1, ts.manager.Registry().Len())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.gateway.Close(ctx))

	assert.Equal(t, 0, ts.manager.Registry().Len())
	assert.Equal(t, 0, ts.gateway.ClientCount())

	_, _, err := websocket.DefaultDialer.Dial(ts.url("/ws"), http.Header{"Authorization": {"Bearer " + ts.token(t, alice)}})
	assert.Error(t, err)
}

func TestService_SubscribeAndPublish(t *testing.T) {
	ts := newTestServer(t)
	subA := ts.dial(t, alice, "/events?project=site")
	subB := ts.dial(t, bob, "/events?project=other")
	interactive := ts.dial(t, alice, "/ws")

	ts.own(t, alice, "site")
	ts.own(t, bob, "other")

	require.Eventually(t, func() bool {
		return ts.hubs.SubscriberCount("site") == 1 &&
			ts.hubs.SubscriberCount("other") == 1 &&
			ts.gateway.ClientCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	res, err := ts.service.Publish(alice.ID, "site", PublishRequest{
		Type: EventCommit,
		Data: json.RawMessage(`{"hash":"abc123","message":"Update header"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, PublishResult{Event: EventCommit, Subscribers: 1, Connections: 1}, res)

	for _, conn := range []*websocket.Conn{subA, interactive} {
		env := readUntil(t, conn, event(EventCommit))
		var ev CommitEvent
		require.NoError(t, json.Unmarshal(env.Data, &ev))
		assert.Equal(t, "site", ev.ProjectID)
		assert.Equal(t, "abc123", ev.Hash)
		assert.False(t, ev.Timestamp.IsZero())
	}

	res, err = ts.service.Publish(bob.ID, "other", PublishRequest{Type: EventSyncError, Data: json.RawMessage(`{"message":"push rejected"}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Subscribers)
	env := readUntil(t, subB, func(Envelope) bool { return true })
	assert.Equal(t, EventSyncError, env.Event)

	subA.Close()
	require.Eventually(t, func() bool { return ts.hubs.Get("site") == nil }, 5*time.Second, 10*time.Millisecond)
}

func TestService_PublishRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)
	ts.own(t, alice, "site")

	_, err := ts.service.Publish(alice.ID, "site", PublishRequest{Type: "rollback"})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	_, err = ts.service.Publish(alice.ID, "site", PublishRequest{Type: EventDeployment, Data: json.RawMessage(`[1,2]`)})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	_, err = ts.service.Publish(alice.ID, "../etc", PublishRequest{Type: EventCommit})
	assert.ErrorIs(t, err, model.ErrInvalidID)

	res, err := ts.service.Publish(alice.ID, "site", PublishRequest{Type: EventDeployment})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Subscribers)
}

func TestService_PublishRequiresOwnership(t *testing.T) {
	ts := newTestServer(t)
	ts.own(t, alice, "site")
	sub := ts.dial(t, alice, "/events?project=site")
	require.Eventually(t, func() bool { return ts.hubs.SubscriberCount("site") == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err := ts.service.Publish(bob.ID, "site", PublishRequest{Type: EventCommit, Data: json.RawMessage(`{"hash":"evil"}`)})
	assert.ErrorIs(t, err, model.ErrForbidden)

	res, err := ts.service.Publish(alice.ID, "site", PublishRequest{Type: EventCommit, Data: json.RawMessage(`{"hash":"good"}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Subscribers)

	// the first frame the subscriber sees is the owner's commit
	env := readUntil(t, sub, func(Envelope) bool { return true })
	var ev CommitEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, "good", ev.Hash)
}

func TestGateway_SlowReaderKeepsSession(t *testing.T) {
	const lines = 2000000

	ts := newTestServer(t)
	conn := ts.dial(t, alice, "/ws")

	send(t, conn, session.EventStart, session.StartRequest{ProjectID: "site"})
	env := readUntil(t, conn, event(session.EventStarted))
	var started session.StartedPayload
	require.NoError(t, json.Unmarshal(env.Data, &started))
	readUntil(t, conn, output(model.MessageKindSystem, process.MsgReady))

	send(t, conn, session.EventInput, session.InputRequest{SessionID: started.SessionID, Input: fmt.Sprintf("flood %d", lines)})

	// stop reading while the agent floods the connection
	time.Sleep(2 * time.Second)

	last := fmt.Sprintf("got: flood %d\n", lines)
	var out strings.Builder
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(60*time.Second)))
	for !strings.HasSuffix(out.String(), last) {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Event != session.EventOutput {
			continue
		}
		var p session.OutputPayload
		require.NoError(t, json.Unmarshal(env.Data, &p))
		if p.Message.Kind == model.MessageKindOutput {
			out.WriteString(p.Message.Data)
		}
	}

	want := len(last)
	for i := 1; i <= lines; i++ {
		want += len(strconv.Itoa(i)) + 1
	}
	assert.Equal(t, want, out.Len(), "output was dropped")
	assert.True(t, strings.HasSuffix(out.String(), fmt.Sprintf("\n%d\n%s", lines, last)))

	assert.Equal(t, 1, ts.manager.Registry().Len())
	send(t, conn, session.EventStatus, session.SessionRequest{SessionID: started.SessionID})
	env = readUntil(t, conn, event(session.EventStatus))
	var status session.StatusPayload
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, model.ReportedActive, status.Status)
}
