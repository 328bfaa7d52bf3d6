package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gitpkg "github.com/loppo-llc/tabterm/internal/git"
	"github.com/loppo-llc/tabterm/internal/metrics"
	"github.com/loppo-llc/tabterm/internal/notify"
	"github.com/loppo-llc/tabterm/internal/terminal"
)

type testEnv struct {
	srv     *Server
	http    *httptest.Server
	hub     *Hub
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, opts ...terminal.Option) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	hub := NewHub(logger, m)

	registry := terminal.NewRegistry(hub, append([]terminal.Option{
		terminal.WithLogger(logger),
		terminal.WithMetrics(m),
	}, opts...)...)

	srv := New(Config{
		Logger:    logger,
		Version:   "test",
		Terminals: registry,
		Hub:       hub,
		Git:       gitpkg.New(logger, m),
		Gatherer:  reg,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		registry.Shutdown()
		hub.Close()
		ts.Close()
	})
	return &testEnv{srv: srv, http: ts, hub: hub, metrics: m}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "no error object in %v", body)
	return e["code"].(string)
}

func TestInfo(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/v1/info", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, false, body["push"])
	assert.NotEmpty(t, body["shell"])
}

func TestTerminalErrorsWithoutSession(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/v1/terminals/ghost/input", map[string]string{"data": "ls\n"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, body))

	resp, _ = env.do(t, http.MethodPost, "/api/v1/terminals/ghost/resize", map[string]int{"cols": 80, "rows": 24})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/api/v1/terminals/ghost/resize", map[string]int{"cols": 70000, "rows": 24})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, body))

	resp, body = env.do(t, http.MethodGet, "/api/v1/terminals/ghost/cwd", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "cwd")
	assert.Nil(t, body["cwd"])

	resp, _ = env.do(t, http.MethodGet, "/api/v1/terminals/ghost/scrollback", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/terminals/ghost", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/v1/terminals", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["terminals"])
}

func TestInvalidBody(t *testing.T) {
	env := newTestEnv(t)
	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/api/v1/terminals/t1/input", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGitValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		method string
		path   string
		body   any
		status int
	}{
		{http.MethodGet, "/api/v1/git/diff?repo=/tmp", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/v1/git/branches", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/v1/git/log", nil, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/git/stage", map[string]string{"repo": "/tmp"}, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/git/fetch", map[string]string{}, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/git/commit", map[string]string{"repo": "/tmp", "message": "  "}, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/git/checkout", map[string]string{"repo": "/tmp", "branch": ""}, http.StatusBadRequest},
		{http.MethodGet, "/api/v1/git/status?repo=/definitely/not/here", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp, body := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "bad_request", errorCode(t, body))
		})
	}
}

func TestPushDisabled(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/v1/push/vapid", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", errorCode(t, body))
}

func TestPushEndpoints(t *testing.T) {
	env := newTestEnv(t)
	n, err := notify.NewManager(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	env.srv.notify = n

	resp, body := env.do(t, http.MethodGet, "/api/v1/push/vapid", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, n.VAPIDPublicKey(), body["publicKey"])

	resp, _ = env.do(t, http.MethodPost, "/api/v1/push/subscribe", map[string]any{
		"endpoint": "https://push.example/1",
		"keys":     map[string]string{"p256dh": "x", "auth": "y"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, n.Subscriptions())

	resp, _ = env.do(t, http.MethodPost, "/api/v1/push/subscribe", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/push/unsubscribe", map[string]string{"endpoint": "https://push.example/1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, n.Subscriptions())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.metrics.SessionOpened()

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "tabterm_sessions_active 1")
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	a, ok := hub.register()
	require.True(t, ok)
	b, ok := hub.register()
	require.True(t, ok)
	assert.NotEqual(t, a.id, b.id)
	assert.Equal(t, 2, hub.Clients())

	hub.Publish(terminal.EventData, terminal.DataEvent{TabID: "t1", Data: "hi"})

	for _, c := range []*client{a, b} {
		var env Envelope
		require.NoError(t, json.Unmarshal(<-c.send, &env))
		assert.Equal(t, "data", env.Type)
		assert.JSONEq(t, `{"tabId":"t1","data":"hi"}`, string(env.Payload))
	}

	hub.unregister(a)
	hub.unregister(a)
	assert.Equal(t, 1, hub.Clients())
}

func TestHubDropsForSlowClient(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	c, ok := hub.register()
	require.True(t, ok)

	for i := range clientQueueSize + 10 {
		hub.Publish(terminal.EventData, terminal.DataEvent{TabID: "t1", Data: strings.Repeat("x", i)})
	}
	assert.Len(t, c.send, clientQueueSize)

	// the oldest events survive, in order
	var env Envelope
	require.NoError(t, json.Unmarshal(<-c.send, &env))
	assert.JSONEq(t, `{"tabId":"t1","data":""}`, string(env.Payload))
}

func TestHubRejectsAfterClose(t *testing.T) {
	hub := NewHub(nil, nil)
	hub.Close()
	hub.Close()
	_, ok := hub.register()
	assert.False(t, ok)
	assert.NotPanics(t, func() { hub.Publish("exit", terminal.ExitEvent{TabID: "t1"}) })
}
