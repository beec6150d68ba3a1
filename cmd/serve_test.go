package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ip-patrol/internal/config"
	"github.com/sells-group/ip-patrol/internal/model"
	"github.com/sells-group/ip-patrol/internal/monitoring"
	"github.com/sells-group/ip-patrol/internal/store"
)

// verdictFunc adapts a function to scheduler.Classifier. Nil grades
// everything Low.
type verdictFunc func(model.Item) model.Verdict

func (f verdictFunc) Classify(_ context.Context, it model.Item) model.Verdict {
	if f == nil {
		return model.Verdict{RiskTier: model.RiskLow, Reason: "generic"}
	}
	return f(it)
}

func gradeByName(it model.Item) model.Verdict {
	if strings.Contains(it.Name, "Mickey") {
		return model.Verdict{RiskTier: model.RiskHigh, Critical: true, Reason: "character likeness"}
	}
	return model.Verdict{RiskTier: model.RiskLow, Reason: "generic"}
}

func newTestAPI(t *testing.T, classifier verdictFunc) (*apiServer, http.Handler) {
	t.Helper()
	cfg = testConfig()
	env := &scanEnv{Store: store.NewMemory(), Classifier: classifier}
	api := newAPIServer(context.Background(), env, monitoring.NewAlerter(config.MonitoringConfig{}))
	return api, api.Router()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeSession(t *testing.T, rr *httptest.ResponseRecorder) model.Session {
	t.Helper()
	var sess model.Session
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sess))
	return sess
}

func TestRouter_Health(t *testing.T) {
	_, h := newTestAPI(t, nil)

	rr := doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestRouter_CORSPreflight(t *testing.T) {
	_, h := newTestAPI(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/scans", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_ScanLifecycle(t *testing.T) {
	api, h := newTestAPI(t, gradeByName)
	dir := t.TempDir()
	a := writeCSV(t, dir, "a.csv", "Mickey plush,,https://shop/1", "Plain mug,,https://shop/2")
	b := writeCSV(t, dir, "b.csv", "Bowl,,https://shop/3")

	rr := doJSON(t, h, http.MethodPost, "/scans", scanRequest{CSVPaths: []string{a, b}, Owner: "yuki"})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	started := decodeSession(t, rr)
	require.NotEmpty(t, started.ID)
	assert.Equal(t, model.SessionProcessing, started.Status)

	api.Wait()

	rr = doJSON(t, h, http.MethodGet, "/sessions/"+started.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	sess := decodeSession(t, rr)
	assert.Equal(t, model.SessionCompleted, sess.Status)
	assert.Equal(t, model.Summary{Total: 3, High: 1, Critical: 1, Low: 2}, sess.Summary)
	assert.Len(t, sess.Details, 3)

	rr = doJSON(t, h, http.MethodGet, "/sessions/"+started.ID+"?view=critical_or_high", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	flagged := decodeSession(t, rr)
	require.Len(t, flagged.Details, 1)
	assert.Equal(t, "Mickey plush", flagged.Details[0].Name)

	rr = doJSON(t, h, http.MethodGet, "/sessions/"+started.ID+"?view=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/sessions?target=a.csv,b.csv", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []model.Session
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, started.ID, list[0].ID)

	rr = doJSON(t, h, http.MethodGet, "/sessions/"+started.ID+"/export", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/csv")
	assert.True(t, strings.HasPrefix(rr.Body.String(), "\ufeffname,risk"))
	assert.Equal(t, 4, strings.Count(rr.Body.String(), "\n"))

	rr = doJSON(t, h, http.MethodGet, "/history", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var history []model.FlaggedItem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, started.ID, history[0].SessionID)

	// Completed sessions cannot be resumed or stopped.
	rr = doJSON(t, h, http.MethodPost, "/sessions/"+started.ID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr = doJSON(t, h, http.MethodPost, "/sessions/"+started.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestRouter_StartScanBadRequest(t *testing.T) {
	_, h := newTestAPI(t, nil)

	rr := doJSON(t, h, http.MethodPost, "/scans", scanRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/scans", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_UnknownSession(t *testing.T) {
	_, h := newTestAPI(t, nil)

	for _, path := range []string{"/sessions/nope", "/sessions/nope/export", "/sessions/nope/events"} {
		rr := doJSON(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code, path)
	}
	rr := doJSON(t, h, http.MethodPost, "/sessions/nope/resume", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// gate blocks the first classification until released.
type gate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) classify(it model.Item) model.Verdict {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	return gradeByName(it)
}

func TestRouter_PauseAndResume(t *testing.T) {
	g := newGate()
	api, h := newTestAPI(t, g.classify)
	dir := t.TempDir()
	a := writeCSV(t, dir, "a.csv", "Mickey plush,,https://shop/1", "Plain mug,,https://shop/2")
	b := writeCSV(t, dir, "b.csv", "Bowl,,https://shop/3")

	rr := doJSON(t, h, http.MethodPost, "/scans", scanRequest{CSVPaths: []string{a, b}})
	require.Equal(t, http.StatusAccepted, rr.Code)
	id := decodeSession(t, rr).ID

	<-g.started
	rr = doJSON(t, h, http.MethodPost, "/sessions/"+id+"/pause", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	// A second start of the same session is refused while it runs.
	rr = doJSON(t, h, http.MethodPost, "/sessions/"+id+"/resume", scanRequest{CSVPaths: []string{a, b}})
	assert.Equal(t, http.StatusConflict, rr.Code)

	close(g.release)
	api.Wait()

	rr = doJSON(t, h, http.MethodGet, "/sessions/"+id, nil)
	paused := decodeSession(t, rr)
	require.Equal(t, model.SessionPaused, paused.Status)
	// The in-flight group finished and was committed before the pause.
	assert.Equal(t, model.Checkpoint{Page: 0, Offset: 1}, paused.Checkpoint)
	assert.Len(t, paused.Details, 1)

	rr = doJSON(t, h, http.MethodPost, "/sessions/"+id+"/resume", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "csv sessions need their files")

	rr = doJSON(t, h, http.MethodPost, "/sessions/"+id+"/resume", scanRequest{CSVPaths: []string{a, b}})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	api.Wait()

	rr = doJSON(t, h, http.MethodGet, "/sessions/"+id, nil)
	done := decodeSession(t, rr)
	assert.Equal(t, model.SessionCompleted, done.Status)
	assert.Equal(t, 3, done.Summary.Total)
	assert.Equal(t, 1, done.Summary.Critical)
}

func TestRouter_EventsForFinishedSession(t *testing.T) {
	api, h := newTestAPI(t, nil)
	dir := t.TempDir()
	a := writeCSV(t, dir, "a.csv", "Mug,,https://shop/1")

	rr := doJSON(t, h, http.MethodPost, "/scans", scanRequest{CSVPaths: []string{a}})
	require.Equal(t, http.StatusAccepted, rr.Code)
	id := decodeSession(t, rr).ID
	api.Wait()

	rr = doJSON(t, h, http.MethodGet, "/sessions/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	body := rr.Body.String()
	assert.Equal(t, 1, strings.Count(body, "event: progress"))
	assert.Contains(t, body, `"status":"completed"`)
}

func TestRouter_EventsStream(t *testing.T) {
	g := newGate()
	api, h := newTestAPI(t, g.classify)
	srv := httptest.NewServer(h)
	defer srv.Close()

	dir := t.TempDir()
	a := writeCSV(t, dir, "a.csv", "Mug,,https://shop/1", "Cup,,https://shop/2")

	rr := doJSON(t, h, http.MethodPost, "/scans", scanRequest{CSVPaths: []string{a}})
	require.Equal(t, http.StatusAccepted, rr.Code)
	id := decodeSession(t, rr).ID
	<-g.started

	resp, err := http.Get(srv.URL + "/sessions/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	close(g.release)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	api.Wait()

	body := buf.String()
	assert.True(t, strings.HasPrefix(body, "event: progress\ndata: "))
	assert.Contains(t, body, `"status":"processing"`)
	assert.Contains(t, body, `"status":"completed"`)
}
