//go:build !windows

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loppo-llc/tabterm/internal/terminal"
)

type shPlatform struct {
	terminal.Platform
}

func (shPlatform) Shell() string { return "/bin/sh" }

func (shPlatform) Environ() []string {
	return append(os.Environ(), "TERM=dumb", "PS1=$ ", "ENV=")
}

func newShellEnv(t *testing.T) *testEnv {
	return newTestEnv(t, terminal.WithPlatform(shPlatform{terminal.DefaultPlatform()}))
}

func dialWS(t *testing.T, env *testEnv) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	first := readEnvelope(t, ctx, conn)
	require.Equal(t, "connected", first.Type)
	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)
	return conn, ctx
}

func readEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn) Envelope {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func sendEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(Envelope{Type: typ, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

// collectOutput reads events until the concatenated output of tabID
// contains want.
func collectOutput(t *testing.T, ctx context.Context, conn *websocket.Conn, tabID, want string) {
	t.Helper()
	var out strings.Builder
	for !strings.Contains(out.String(), want) {
		env := readEnvelope(t, ctx, conn)
		if env.Type != terminal.EventData {
			continue
		}
		var ev terminal.DataEvent
		require.NoError(t, json.Unmarshal(env.Payload, &ev))
		if ev.TabID == tabID {
			out.WriteString(ev.Data)
		}
	}
}

func TestTerminalLifecycleOverHTTP(t *testing.T) {
	env := newShellEnv(t)
	conn, ctx := dialWS(t, env)

	resp, body := env.do(t, http.MethodPost, "/api/v1/terminals/t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/bin/sh", body["shell"])

	resp, body = env.do(t, http.MethodPost, "/api/v1/terminals/t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/bin/sh", body["shell"])

	resp, body = env.do(t, http.MethodGet, "/api/v1/terminals", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["terminals"], 1)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/terminals/t1/input", map[string]string{"data": "echo http-$((6*7))\n"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	collectOutput(t, ctx, conn, "t1", "http-42")

	resp, body = env.do(t, http.MethodGet, "/api/v1/terminals/t1/scrollback", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := base64.StdEncoding.DecodeString(body["data"].(string))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "http-42")

	resp, body = env.do(t, http.MethodGet, "/api/v1/terminals/t1/cwd", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "cwd")

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/terminals/t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for {
		ev := readEnvelope(t, ctx, conn)
		if ev.Type == terminal.EventExit {
			assert.JSONEq(t, `{"tabId":"t1"}`, string(ev.Payload))
			break
		}
	}

	resp, body = env.do(t, http.MethodPost, "/api/v1/terminals/t1/input", map[string]string{"data": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, body))
}

func TestWebSocketInputResizeScrollback(t *testing.T) {
	env := newShellEnv(t)
	conn, ctx := dialWS(t, env)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/terminals/w1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sendEnvelope(t, ctx, conn, "resize", WSResizeMsg{TabID: "w1", Cols: 120, Rows: 33})
	sendEnvelope(t, ctx, conn, "input", WSInputMsg{TabID: "w1", Data: "stty size\n"})
	collectOutput(t, ctx, conn, "w1", "33 120")

	sendEnvelope(t, ctx, conn, "scrollback", WSScrollbackReq{TabID: "w1"})
	for {
		ev := readEnvelope(t, ctx, conn)
		if ev.Type != "scrollback" {
			continue
		}
		var msg WSScrollbackMsg
		require.NoError(t, json.Unmarshal(ev.Payload, &msg))
		raw, err := base64.StdEncoding.DecodeString(msg.Data)
		require.NoError(t, err)
		assert.Equal(t, "w1", msg.TabID)
		assert.Contains(t, string(raw), "33 120")
		break
	}

	sendEnvelope(t, ctx, conn, "input", WSInputMsg{TabID: "missing", Data: "x"})
	for {
		ev := readEnvelope(t, ctx, conn)
		if ev.Type != "error" {
			continue
		}
		var msg WSErrorMsg
		require.NoError(t, json.Unmarshal(ev.Payload, &msg))
		assert.Equal(t, "missing", msg.TabID)
		assert.Equal(t, "session not found: missing", msg.Message)
		break
	}
}

func TestShutdownDisconnectsClients(t *testing.T) {
	env := newShellEnv(t)
	conn, ctx := dialWS(t, env)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/terminals/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(shutdownCtx))

	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			break
		}
	}
	assert.Empty(t, env.srv.terminals.List())
}

func TestInfoResolvesShellPerRequest(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")
	env := newTestEnv(t)

	_, body := env.do(t, http.MethodGet, "/api/v1/info", nil)
	assert.Equal(t, "/bin/sh", body["shell"])

	t.Setenv("SHELL", "/usr/bin/env-changed")
	_, body = env.do(t, http.MethodGet, "/api/v1/info", nil)
	assert.Equal(t, "/usr/bin/env-changed", body["shell"])
}
