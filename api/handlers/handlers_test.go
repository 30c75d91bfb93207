package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/gateway/internal/auth"
	"github.com/remote-agent-terminal/gateway/internal/db"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/repository"
	"github.com/remote-agent-terminal/gateway/internal/session"
	"github.com/remote-agent-terminal/gateway/internal/workspace"
	"github.com/remote-agent-terminal/gateway/internal/ws"
)

var alice = model.Identity{ID: "alice", Name: "Alice"}

type apiFixture struct {
	router *gin.Engine
	repo   *repository.SessionRepository
	hubs   *ws.HubManager
	guard  *auth.Guard
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	repo := repository.NewSessionRepository(database)

	resolver, err := workspace.NewResolver(t.TempDir())
	require.NoError(t, err)
	manager, err := session.NewManager(session.Config{Command: "true"}, resolver, nil, repo, nil)
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	guard := auth.NewGuard("secret", "")
	hubs := ws.NewHubManager(0, nil)
	t.Cleanup(hubs.Close)
	service := ws.NewService(hubs, nil, guard, nil, nil, nil)

	router := gin.New()
	api := router.Group("/api", guard.Middleware())
	NewSessionHandler(repo, manager).RegisterRoutes(api)
	NewEventsHandler(service).RegisterRoutes(api)

	return &apiFixture{router: router, repo: repo, hubs: hubs, guard: guard}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	token, err := f.guard.Issue(alice, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) seed(t *testing.T, id, owner, project string, status model.SessionStatus, at time.Time) {
	t.Helper()
	require.NoError(t, f.repo.Create(context.Background(), &model.Session{
		ID:        id,
		UserID:    owner,
		ProjectID: project,
		Workdir:   "/srv/" + owner + "/" + project,
		Status:    status,
		CreatedAt: at,
		UpdatedAt: at,
	}))
}

func TestSessionHandler_List(t *testing.T) {
	f := newAPIFixture(t)
	base := time.Now().Add(-time.Hour).UTC()
	f.seed(t, "s1", "alice", "site", model.SessionStatusClosed, base)
	f.seed(t, "s2", "alice", "blog", model.SessionStatusActive, base.Add(time.Minute))
	f.seed(t, "s3", "bob", "site", model.SessionStatusClosed, base)

	w := f.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got []SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "s2", got[0].ID)
	assert.Equal(t, "s1", got[1].ID)
	// recorded as active but not registered
	assert.Equal(t, string(model.SessionStatusClosed), got[0].Status)
	assert.Empty(t, got[0].Live)

	w = f.do(t, http.MethodGet, "/api/sessions?projectId=site", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].ID)

	w = f.do(t, http.MethodGet, "/api/sessions?limit=soon", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionHandler_Get(t *testing.T) {
	f := newAPIFixture(t)
	now := time.Now().UTC()
	f.seed(t, "mine", "alice", "site", model.SessionStatusClosed, now)
	f.seed(t, "theirs", "bob", "site", model.SessionStatusClosed, now)

	w := f.do(t, http.MethodGet, "/api/sessions/mine", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "site", got.ProjectID)
	assert.Equal(t, "/srv/alice/site", got.WorkingDirectory)

	for _, id := range []string{"theirs", "missing"} {
		w = f.do(t, http.MethodGet, "/api/sessions/"+id, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, id)
		assert.Contains(t, w.Body.String(), model.CodeSessionNotFound)
	}
}

func TestSessionHandler_RequiresAuth(t *testing.T) {
	f := newAPIFixture(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEventsHandler_Publish(t *testing.T) {
	f := newAPIFixture(t)
	sub := ws.NewClient(nil, model.Identity{ID: "viewer"})
	require.NotNil(t, f.hubs.Subscribe("site", sub))

	w := f.do(t, http.MethodPost, "/api/projects/site/events", map[string]any{
		"type": "deployment",
		"data": map[string]string{"deploymentId": "d1", "status": "live", "url": "https://site.example"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var res ws.PublishResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Subscribers)

	select {
	case frame := <-sub.SendChan():
		var env ws.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		assert.Equal(t, ws.EventDeployment, env.Event)
		var ev ws.DeploymentEvent
		require.NoError(t, json.Unmarshal(env.Data, &ev))
		assert.Equal(t, "site", ev.ProjectID)
		assert.Equal(t, "live", ev.Status)
	case <-time.After(time.Second):
		t.Fatal("subscriber received nothing")
	}

	w = f.do(t, http.MethodPost, "/api/projects/site/events", map[string]any{"type": "rollback"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), model.CodeRequestInvalid)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{1500 * time.Millisecond, "2s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Second, "2h0m5s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
}
