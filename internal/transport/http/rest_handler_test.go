package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/infra/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]string
}

func (p *recordingPublisher) Publish(sessionID string, evt Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string][]string)
	}
	p.events[sessionID] = append(p.events[sessionID], evt.Type)
}

func (p *recordingPublisher) types(sessionID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events[sessionID]...)
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newRESTEngine(t *testing.T) (*gin.Engine, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	service := app.NewSessionService(memory.NewSessionStore())
	engine := gin.New()
	NewRESTHandler(service, pub, quietLogger()).Register(engine)
	return engine, pub
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (int, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func TestRESTSessionLifecycle(t *testing.T) {
	engine, pub := newRESTEngine(t)

	status, resp := doJSON(t, engine, http.MethodPost, "/sessions", map[string]string{"gameId": "game-1", "creatorId": "host"})
	require.Equal(t, http.StatusCreated, status)
	require.True(t, resp.Success)
	var created struct {
		SessionID string `json:"sessionId"`
		Code      string `json:"code"`
		State     string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	assert.Equal(t, "CREATED", created.State)
	assert.Regexp(t, `^[A-Z0-9]{6}$`, created.Code)
	base := "/sessions/" + created.SessionID

	status, resp = doJSON(t, engine, http.MethodPost, "/sessions/join", map[string]string{"code": created.Code, "userId": "u1", "displayName": "Alice"})
	require.Equal(t, http.StatusOK, status)
	var joined struct {
		ParticipantID string `json:"participantId"`
		Score         int    `json:"score"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &joined))
	assert.Zero(t, joined.Score)

	status, _ = doJSON(t, engine, http.MethodPost, "/sessions/join", map[string]string{"code": created.Code, "userId": "u2", "displayName": "Bob"})
	require.Equal(t, http.StatusOK, status)

	status, resp = doJSON(t, engine, http.MethodPost, base+"/start", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "session started", resp.Message)

	status, resp = doJSON(t, engine, http.MethodPost, base+"/start", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, resp.Success)

	status, resp = doJSON(t, engine, http.MethodPost, base+"/answer", map[string]any{
		"participantId":     joined.ParticipantID,
		"questionId":        "q1",
		"optionId":          "o2",
		"correct":           true,
		"responseLatencyMs": 5000,
	})
	require.Equal(t, http.StatusOK, status)
	var answer struct {
		PointsAwarded int `json:"pointsAwarded"`
		TotalScore    int `json:"totalScore"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &answer))
	assert.Equal(t, 1416, answer.PointsAwarded)
	assert.Equal(t, 1416, answer.TotalScore)

	status, resp = doJSON(t, engine, http.MethodGet, base+"/ranking", nil)
	require.Equal(t, http.StatusOK, status)
	var ranking []struct {
		Position    int    `json:"position"`
		DisplayName string `json:"displayName"`
		Score       int    `json:"score"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &ranking))
	require.Len(t, ranking, 2)
	assert.Equal(t, "Alice", ranking[0].DisplayName)
	assert.Equal(t, 2, ranking[1].Position)

	status, resp = doJSON(t, engine, http.MethodGet, base+"/results", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(resp.Data))

	status, resp = doJSON(t, engine, http.MethodPost, base+"/end", nil)
	require.Equal(t, http.StatusOK, status)
	var ended struct {
		State             string `json:"state"`
		TotalParticipants int    `json:"totalParticipants"`
		Results           []struct {
			Position    int `json:"position"`
			TotalPoints int `json:"totalPoints"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &ended))
	assert.Equal(t, "FINISHED", ended.State)
	assert.Equal(t, 2, ended.TotalParticipants)
	assert.Equal(t, 1416, ended.Results[0].TotalPoints)

	status, resp = doJSON(t, engine, http.MethodGet, base+"/results", nil)
	require.Equal(t, http.StatusOK, status)
	var results []map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &results))
	assert.Len(t, results, 2)

	status, _ = doJSON(t, engine, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusOK, status)

	assert.Equal(t, []string{
		EventParticipant, EventRanking,
		EventParticipant, EventRanking,
		EventStarted,
		EventRanking,
		EventEnded,
	}, pub.types(created.SessionID))
}

func TestRESTErrorMapping(t *testing.T) {
	engine, _ := newRESTEngine(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"missing creator", http.MethodPost, "/sessions", map[string]string{"gameId": "g"}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/sessions", nil, http.StatusBadRequest},
		{"unknown code", http.MethodPost, "/sessions/join", map[string]string{"code": "NOPE00", "userId": "u", "displayName": "U"}, http.StatusNotFound},
		{"unknown session start", http.MethodPost, "/sessions/missing/start", nil, http.StatusNotFound},
		{"unknown session ranking", http.MethodGet, "/sessions/missing/ranking", nil, http.StatusNotFound},
		{"answer without correct", http.MethodPost, "/sessions/missing/answer", map[string]any{"participantId": "p", "questionId": "q", "optionId": "o"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, resp := doJSON(t, engine, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, status)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestRouterAuxiliaryRoutes(t *testing.T) {
	log := quietLogger()
	service := app.NewSessionService(memory.NewSessionStore())
	router := NewRouter(RouterConfig{
		Service:     service,
		Hub:         NewHub(log),
		Log:         log,
		Metrics:     promhttp.Handler(),
		MetricsPath: "/metrics",
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	status, resp := doJSON(t, router, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "route not found", resp.Message)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/sessions", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
