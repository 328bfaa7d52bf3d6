package notify

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loppo-llc/tabterm/internal/terminal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := NewManager(dir, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestVAPIDKeysArePersisted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cfg")

	first := newManager(t, dir)
	require.NotEmpty(t, first.VAPIDPublicKey())

	info, err := os.Stat(filepath.Join(dir, vapidFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second := newManager(t, dir)
	assert.Equal(t, first.VAPIDPublicKey(), second.VAPIDPublicKey())
}

func TestSubscribeDedupesByEndpoint(t *testing.T) {
	m := newManager(t, t.TempDir())

	m.Subscribe(&webpush.Subscription{Endpoint: "https://push.example/a"})
	m.Subscribe(&webpush.Subscription{Endpoint: "https://push.example/a"})
	m.Subscribe(&webpush.Subscription{Endpoint: "https://push.example/b"})
	assert.Equal(t, 2, m.Subscriptions())

	m.Unsubscribe("https://push.example/a")
	m.Unsubscribe("https://push.example/missing")
	assert.Equal(t, 1, m.Subscriptions())
}

func newSubscription(t *testing.T, endpoint string) *webpush.Subscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return &webpush.Subscription{
		Endpoint: endpoint,
		Keys: webpush.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) Publish(event string, _ any) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func TestSinkForwardsAndPushesOnExit(t *testing.T) {
	var pushes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushes.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	m := newManager(t, t.TempDir())
	m.Subscribe(newSubscription(t, srv.URL+"/push"))

	next := &eventLog{}
	sink := m.Sink(next)
	sink.Publish(terminal.EventData, terminal.DataEvent{TabID: "t1", Data: "hi"})
	m.Wait()
	assert.Zero(t, pushes.Load())

	sink.Publish(terminal.EventExit, terminal.ExitEvent{TabID: "t1"})
	m.Wait()
	assert.Equal(t, int32(1), pushes.Load())
	assert.Equal(t, []string{terminal.EventData, terminal.EventExit}, next.events)
}

func TestSinkToleratesNilNext(t *testing.T) {
	m := newManager(t, t.TempDir())

	assert.NotPanics(t, func() {
		m.Sink(nil).Publish(terminal.EventExit, terminal.ExitEvent{TabID: "t1"})
		m.Wait()
	})
}

func TestSubscriptionsSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	first, err := NewManager(dir, testLogger())
	require.NoError(t, err)
	first.Subscribe(newSubscription(t, "https://push.example/kept"))
	first.Subscribe(newSubscription(t, "https://push.example/dropped"))
	first.Unsubscribe("https://push.example/dropped")
	require.NoError(t, first.Close())

	second := newManager(t, dir)
	assert.Equal(t, 1, second.Subscriptions())
	assert.Equal(t, "https://push.example/kept", second.subscriptions[0].Endpoint)
}

func TestSendRemovesGoneSubscriptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	m := newManager(t, t.TempDir())
	m.Subscribe(newSubscription(t, srv.URL+"/gone"))
	require.Equal(t, 1, m.Subscriptions())

	m.Send([]byte(`{"type":"terminal_exit","tabId":"t1"}`))
	assert.Zero(t, m.Subscriptions())
}
