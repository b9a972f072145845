package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmsman/internal/config"
	"helmsman/internal/dispatch"
	"helmsman/internal/errors"
	"helmsman/internal/eventstore"
	"helmsman/internal/mission"
	"helmsman/internal/orchestrator"
)

func newTestServer(t *testing.T) (*Server, *dispatch.SimulatedBackend) {
	t.Helper()
	backend := dispatch.NewSimulatedBackend()
	dispatcher := dispatch.NewDispatcher(backend, errors.CircuitBreakerConfig{
		FailureThreshold: 100,
		SuccessThreshold: 1,
		Cooldown:         time.Hour,
	}, nil)
	orch, err := orchestrator.New(orchestrator.Config{
		ConcurrencyLimit: 2,
		TickInterval:     10 * time.Millisecond,
	}, orchestrator.Deps{Store: eventstore.NewMemoryStore(), Dispatcher: dispatcher})
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	return New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, orch, nil), backend
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func testSpec(id string) mission.MissionSpec {
	return mission.MissionSpec{
		ID:    id,
		Title: "api test",
		Goal:  "verify the http surface",
		Items: []mission.WorkItem{
			{ID: "a", Title: "first"},
			{ID: "b", Title: "second", DependsOn: []string{"a"}},
		},
	}
}

func TestMissionLifecycleOverAPI(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	resp := doJSON(t, h, http.MethodPost, "/api/missions", testSpec("m-api"))
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	var created mission.MissionState
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	assert.Equal(t, mission.StatusDraft, created.Status)

	resp = doJSON(t, h, http.MethodPost, "/api/missions/m-api/start", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	// Poll until terminal.
	deadline := time.Now().Add(5 * time.Second)
	var state mission.MissionState
	for time.Now().Before(deadline) {
		resp = doJSON(t, h, http.MethodGet, "/api/missions/m-api", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &state))
		if state.Status.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, mission.StatusSucceeded, state.Status)

	resp = doJSON(t, h, http.MethodGet, "/api/missions/m-api/events", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var events struct {
		Events []mission.Record `json:"events"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &events))
	assert.Equal(t, mission.TypeMissionCreated, events.Events[0].Event.EventType())
}

func TestCreateMissionRejectsBadSpecs(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	spec := testSpec("m-cycle")
	spec.Items[0].DependsOn = []string{"b"}
	resp := doJSON(t, h, http.MethodPost, "/api/missions", spec)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Contains(t, resp.Body.String(), "cycle")

	resp = doJSON(t, h, http.MethodPost, "/api/missions", map[string]any{"id": 12})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestUnknownMissionIs404(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	resp := doJSON(t, h, http.MethodGet, "/api/missions/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestLifecycleGuardsAre409(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	resp := doJSON(t, h, http.MethodPost, "/api/missions", testSpec("m-guard"))
	require.Equal(t, http.StatusCreated, resp.Code)

	// Resuming a draft mission violates the lifecycle.
	resp = doJSON(t, h, http.MethodPost, "/api/missions/m-guard/resume", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestApprovalReplyOverAPI(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	spec := mission.MissionSpec{
		ID:    "m-approve",
		Title: "gated",
		Goal:  "gate",
		Items: []mission.WorkItem{{ID: "a", Title: "deploy", RequiresApproval: true}},
	}
	resp := doJSON(t, h, http.MethodPost, "/api/missions", spec)
	require.Equal(t, http.StatusCreated, resp.Code)
	resp = doJSON(t, h, http.MethodPost, "/api/missions/m-approve/start", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	// Wait for the gate to register the request.
	var approvals struct {
		Approvals []struct {
			ID string `json:"id"`
		} `json:"approvals"`
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp = doJSON(t, h, http.MethodGet, "/api/approvals?mission_id=m-approve", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &approvals))
		if len(approvals.Approvals) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, approvals.Approvals, "no approval surfaced")

	resp = doJSON(t, h, http.MethodPost, "/api/approvals/"+approvals.Approvals[0].ID+"/reply",
		approvalReplyRequest{Granted: true, Reason: "ship it"})
	assert.Equal(t, http.StatusOK, resp.Code)

	// Replaying the reply is a 404: already resolved.
	resp = doJSON(t, h, http.MethodPost, "/api/approvals/"+approvals.Approvals[0].ID+"/reply",
		approvalReplyRequest{Granted: true})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	deadline = time.Now().Add(5 * time.Second)
	var state mission.MissionState
	for time.Now().Before(deadline) {
		resp = doJSON(t, h, http.MethodGet, "/api/missions/m-approve", nil)
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &state))
		if state.Status.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, mission.StatusSucceeded, state.Status)
}

func TestStreamReplaysAndFollows(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp := doJSON(t, s.Handler(), http.MethodPost, "/api/missions", testSpec("m-ws"))
	require.Equal(t, http.StatusCreated, resp.Code)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/missions/m-ws/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp = doJSON(t, s.Handler(), http.MethodPost, "/api/missions/m-ws/start", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	seen := map[string]bool{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for !seen[mission.TypeMissionStarted] || !seen[mission.TypeRunFinished] {
		var record mission.Record
		require.NoError(t, conn.ReadJSON(&record))
		seen[record.Event.EventType()] = true
	}
	// The backlog frame from before the dial arrived too.
	assert.True(t, seen[mission.TypeMissionCreated])
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	resp := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "ok")
}
