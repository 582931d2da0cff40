package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagate-io/wagate/internal/config"
	"github.com/wagate-io/wagate/internal/driver"
	"github.com/wagate-io/wagate/internal/event"
	"github.com/wagate-io/wagate/internal/session"
)

// stubDriver initializes instantly and reports a connected client.
type stubDriver struct {
	browser stubBrowser
	page    stubPage
}

type stubBrowser struct{}

func (stubBrowser) IsConnected() bool               { return true }
func (stubBrowser) Close(ctx context.Context) error { return nil }
func (stubBrowser) Process() *os.Process            { return nil }
func (stubBrowser) OnDisconnected(func())           {}

type stubPage struct{}

func (stubPage) IsClosed() bool { return false }
func (stubPage) Evaluate(ctx context.Context, js string) (string, error) {
	return `"pong"`, nil
}
func (stubPage) OnClose(func())      {}
func (stubPage) OnError(func(error)) {}
func (stubPage) OnCrash(func())      {}

func (d *stubDriver) Initialize(ctx context.Context) error { return nil }
func (d *stubDriver) State(ctx context.Context) (driver.AuthState, error) {
	return driver.StateConnected, nil
}
func (d *stubDriver) Logout(ctx context.Context) error  { return nil }
func (d *stubDriver) Destroy(ctx context.Context) error { return nil }
func (d *stubDriver) Subscribe(driver.Events)           {}
func (d *stubDriver) Browser() driver.Browser           { return d.browser }
func (d *stubDriver) Page() driver.Page                 { return d.page }
func (d *stubDriver) Release()                          {}

func stubFactory(opts driver.Options) (driver.Driver, error) {
	return &stubDriver{}, nil
}

func newTestServer(t *testing.T, apiKey string) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.StorageRoot = t.TempDir()
	cfg.APIKey = apiKey
	cfg.SetupRetryDelaySec = 0
	cfg.PageWaitTimeoutSec = 1
	cfg.EvaluateTimeoutSec = 1

	bus := event.NewBus()
	t.Cleanup(func() { _ = bus.Close() })
	sup := session.NewSupervisor(cfg, session.NewRegistry(), bus, stubFactory)
	return New(cfg, sup)
}

func doRequest(t *testing.T, s *Server, method, path, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// startAndWait starts a session through the API and waits for its
// initialization goroutine to settle.
func startAndWait(t *testing.T, s *Server, id string) {
	t.Helper()
	rec := doRequest(t, s, http.MethodPost, "/session/"+id+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool {
		sess, ok := s.supervisor.Registry().Get(id)
		return ok && !sess.Initializing()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPingWithoutAPIKey(t *testing.T) {
	s := newTestServer(t, "secret")

	rec := doRequest(t, s, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", decodeBody(t, rec)["message"])
}

func TestAPIKeyRequired(t *testing.T) {
	s := newTestServer(t, "secret")

	rec := doRequest(t, s, http.MethodGet, "/session/", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/session/", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/session/", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyOptional(t *testing.T) {
	s := newTestServer(t, "")

	rec := doRequest(t, s, http.MethodGet, "/session/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartSession(t *testing.T) {
	s := newTestServer(t, "")

	rec := doRequest(t, s, http.MethodPost, "/session/alice/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["success"])
}

func TestStartSessionDuplicate(t *testing.T) {
	s := newTestServer(t, "")
	startAndWait(t, s, "alice")

	rec := doRequest(t, s, http.MethodPost, "/session/alice/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartSessionInvalidID(t *testing.T) {
	s := newTestServer(t, "")

	rec := doRequest(t, s, http.MethodPost, "/session/bad%20id/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionStatusNotFound(t *testing.T) {
	s := newTestServer(t, "")

	rec := doRequest(t, s, http.MethodGet, "/session/ghost/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var v session.Validation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.False(t, v.Success)
	assert.Equal(t, session.OutcomeNotFound, v.Message)
}

func TestSessionStatusNotConnected(t *testing.T) {
	s := newTestServer(t, "")
	startAndWait(t, s, "alice")

	sess, ok := s.supervisor.Registry().Get("alice")
	require.True(t, ok)
	require.True(t, sess.MarkDestroyed())

	rec := doRequest(t, s, http.MethodGet, "/session/alice/status", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var v session.Validation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.False(t, v.Success)
	assert.Equal(t, session.OutcomeDestroyed, v.Message)
}

func TestSessionStatusConnected(t *testing.T) {
	s := newTestServer(t, "")
	startAndWait(t, s, "alice")

	rec := doRequest(t, s, http.MethodGet, "/session/alice/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var v session.Validation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.True(t, v.Success)
	assert.Equal(t, session.OutcomeConnected, v.Message)
}

func TestSessionQR(t *testing.T) {
	s := newTestServer(t, "")
	startAndWait(t, s, "alice")

	rec := doRequest(t, s, http.MethodGet, "/session/alice/qr", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	sess, ok := s.supervisor.Registry().Get("alice")
	require.True(t, ok)
	sess.SetQR("2@abc")

	rec = doRequest(t, s, http.MethodGet, "/session/alice/qr", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2@abc", decodeBody(t, rec)["qr"])
}

func TestSessionQRNotFound(t *testing.T) {
	s := newTestServer(t, "")

	rec := doRequest(t, s, http.MethodGet, "/session/ghost/qr", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRestartSessionNotFound(t *testing.T) {
	s := newTestServer(t, "")

	rec := doRequest(t, s, http.MethodPost, "/session/ghost/restart", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRestartSession(t *testing.T) {
	s := newTestServer(t, "")
	s.cfg.ReloadGraceSec = 0
	startAndWait(t, s, "alice")

	rec := doRequest(t, s, http.MethodPost, "/session/alice/restart", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		sess, ok := s.supervisor.Registry().Get("alice")
		return ok && !sess.Initializing()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTerminateSession(t *testing.T) {
	s := newTestServer(t, "")
	startAndWait(t, s, "alice")

	rec := doRequest(t, s, http.MethodDelete, "/session/alice/", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	_, ok := s.supervisor.Registry().Get("alice")
	assert.False(t, ok)
}

func TestTerminateSessionIdempotent(t *testing.T) {
	s := newTestServer(t, "")

	rec := doRequest(t, s, http.MethodDelete, "/session/ghost/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListSessions(t *testing.T) {
	s := newTestServer(t, "")
	startAndWait(t, s, "alice")
	startAndWait(t, s, "bob")

	rec := doRequest(t, s, http.MethodGet, "/session/", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	sessions, ok := body["sessions"].([]any)
	require.True(t, ok)
	assert.Len(t, sessions, 2)
}

func TestFlushSessions(t *testing.T) {
	s := newTestServer(t, "")
	startAndWait(t, s, "alice")
	startAndWait(t, s, "bob")

	rec := doRequest(t, s, http.MethodPost, "/session/flush", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, s.supervisor.Registry().Len())
}
