package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twistedxcom/autopilot/internal/scheduler"
	"github.com/twistedxcom/autopilot/internal/statedb"
)

type fakeController struct {
	mu        sync.Mutex
	calls     []string
	lastDelay int

	statuses []scheduler.LoopStatus
	decision scheduler.Decision
}

func (f *fakeController) lastDelayMinutes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastDelay
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeController) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) Status() []scheduler.LoopStatus { return f.statuses }
func (f *fakeController) StatusFor(session string) scheduler.LoopStatus {
	return scheduler.LoopStatus{Session: session, Running: true}
}
func (f *fakeController) StartLoop(s string)  { f.record("start:" + s) }
func (f *fakeController) StopLoop(s string)   { f.record("stop:" + s) }
func (f *fakeController) PauseLoop(s string)  { f.record("pause:" + s) }
func (f *fakeController) ResumeLoop(s string) { f.record("resume:" + s) }
func (f *fakeController) PauseAll()           { f.record("pause_all") }
func (f *fakeController) ResumeAll()          { f.record("resume_all") }
func (f *fakeController) SetDelay(s string, m int) {
	f.record("delay:" + s)
	f.mu.Lock()
	f.lastDelay = m
	f.mu.Unlock()
}

func (f *fakeController) RequestAutoAccept(s string) scheduler.Decision {
	f.record("accept:" + s)
	return f.decision
}
func (f *fakeController) RequestAutoCompact(s string) scheduler.Decision {
	f.record("compact:" + s)
	return f.decision
}
func (f *fakeController) ConditionalMessage(string) (string, bool) { return "wrap up", true }
func (f *fakeController) IsScheduleActive(string) bool             { return true }

type fakeHistory struct {
	rows []*statedb.DeliveryRow
}

func (f *fakeHistory) RecentDeliveries(string, int) ([]*statedb.DeliveryRow, error) {
	return f.rows, nil
}

func newTestServer(ctrl Controller, history History, token string) *Server {
	return NewServer(Config{ListenAddr: "127.0.0.1:0", Token: token}, ctrl, history)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(&fakeController{}, nil, "")
	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListLoops(t *testing.T) {
	ctrl := &fakeController{statuses: []scheduler.LoopStatus{
		{Session: "a", Running: true},
		{Session: "b", Running: true, Paused: true},
	}}
	s := newTestServer(ctrl, nil, "")

	rec := doRequest(t, s, http.MethodGet, "/api/loops", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Loops []scheduler.LoopStatus `json:"loops"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Loops, 2)
}

func TestLoopActions(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(ctrl, nil, "")

	for _, action := range []string{"start", "stop", "pause", "resume"} {
		rec := doRequest(t, s, http.MethodPost, "/api/loops/agent-1/"+action, "")
		assert.Equal(t, http.StatusOK, rec.Code, action)
	}
	assert.Equal(t, []string{"start:agent-1", "stop:agent-1", "pause:agent-1", "resume:agent-1"}, ctrl.called())
}

func TestLoopActions_RequireTrailingName(t *testing.T) {
	s := newTestServer(&fakeController{}, nil, "")
	rec := doRequest(t, s, http.MethodPost, "/api/loops/", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetDelay(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(ctrl, nil, "")

	rec := doRequest(t, s, http.MethodPost, "/api/loops/agent-1/delay", `{"minutes": 30}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, ctrl.called(), "delay:agent-1")
	assert.Equal(t, 30, ctrl.lastDelayMinutes())

	rec = doRequest(t, s, http.MethodPost, "/api/loops/agent-1/delay", `{"minutes": 0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/loops/agent-1/delay", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAcceptReturnsDecision(t *testing.T) {
	ctrl := &fakeController{decision: scheduler.Decision{Kind: scheduler.ActionAutoAccept, Scheduled: true}}
	s := newTestServer(ctrl, nil, "")

	rec := doRequest(t, s, http.MethodPost, "/api/loops/agent-1/accept", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Decision scheduler.Decision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Decision.Scheduled)
}

func TestUnknownActionIs404(t *testing.T) {
	s := newTestServer(&fakeController{}, nil, "")
	rec := doRequest(t, s, http.MethodPost, "/api/loops/agent-1/explode", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGlobalPauseResume(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(ctrl, nil, "")

	doRequest(t, s, http.MethodPost, "/api/pause", "")
	doRequest(t, s, http.MethodPost, "/api/resume", "")
	assert.Equal(t, []string{"pause_all", "resume_all"}, ctrl.called())
}

func TestTokenAuth(t *testing.T) {
	s := newTestServer(&fakeController{}, nil, "sekrit")

	rec := doRequest(t, s, http.MethodGet, "/api/loops", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/loops?token=sekrit", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/loops", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDeliveries(t *testing.T) {
	history := &fakeHistory{rows: []*statedb.DeliveryRow{
		{Session: "a", Message: "continue", Source: "custom", OK: true},
	}}
	s := newTestServer(&fakeController{}, history, "")

	rec := doRequest(t, s, http.MethodGet, "/api/deliveries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "continue")

	rec = doRequest(t, s, http.MethodGet, "/api/deliveries?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeliveries_NoHistory(t *testing.T) {
	s := newTestServer(&fakeController{}, nil, "")
	rec := doRequest(t, s, http.MethodGet, "/api/deliveries", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConditionalMessageEndpoint(t *testing.T) {
	s := newTestServer(&fakeController{}, nil, "")
	rec := doRequest(t, s, http.MethodGet, "/api/loops/agent-1/message", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wrap up")
}
