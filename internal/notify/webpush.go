package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/loppo-llc/tabterm/internal/terminal"
)

const (
	vapidFile = "vapid.json"
	dbFile    = "push.db"
)

// DefaultDir returns ~/.config/tabterm.
func DefaultDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "tabterm")
}

type Manager struct {
	mu            sync.Mutex
	logger        *slog.Logger
	vapidPrivate  string
	vapidPublic   string
	subscriber    string
	subscriptions []*webpush.Subscription
	store         *store
	wg            sync.WaitGroup
}

type vapidKeys struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// ExitNotification is the push payload sent when a terminal process ends.
type ExitNotification struct {
	Type  string `json:"type"`
	TabID string `json:"tabId"`
}

// NewManager loads the VAPID key pair from dir, generating and saving a new
// one on first use, and restores subscriptions saved by earlier runs.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:        logger,
		subscriber:    "mailto:tabterm@localhost",
		subscriptions: make([]*webpush.Subscription, 0),
	}
	if err := m.loadOrGenerateVAPID(dir); err != nil {
		return nil, err
	}

	ctx := context.Background()
	st, err := openStore(ctx, filepath.Join(dir, dbFile))
	if err != nil {
		return nil, err
	}
	subs, err := st.load(ctx)
	if err != nil {
		_ = st.close()
		return nil, err
	}
	m.store = st
	m.subscriptions = append(m.subscriptions, subs...)
	if len(subs) > 0 {
		m.logger.Info("restored push subscriptions", "count", len(subs))
	}
	return m, nil
}

// Close waits for pending pushes and closes the subscription database.
func (m *Manager) Close() error {
	m.wg.Wait()
	return m.store.close()
}

func (m *Manager) VAPIDPublicKey() string {
	return m.vapidPublic
}

func (m *Manager) Subscribe(sub *webpush.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// dedupe by endpoint
	for _, existing := range m.subscriptions {
		if existing.Endpoint == sub.Endpoint {
			return
		}
	}
	m.subscriptions = append(m.subscriptions, sub)
	if err := m.store.save(context.Background(), sub); err != nil {
		m.logger.Warn("failed to persist push subscription", "err", err)
	}
	ep := sub.Endpoint
	if len(ep) > 50 {
		ep = ep[:50] + "..."
	}
	m.logger.Info("push subscription added", "endpoint", ep)
}

func (m *Manager) Unsubscribe(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subscriptions {
		if sub.Endpoint == endpoint {
			m.subscriptions = append(m.subscriptions[:i], m.subscriptions[i+1:]...)
			if err := m.store.delete(context.Background(), endpoint); err != nil {
				m.logger.Warn("failed to delete push subscription", "err", err)
			}
			return
		}
	}
}

func (m *Manager) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscriptions)
}

// Send delivers payload to every subscription. Failures are logged and
// skipped; subscriptions the push service reports as gone are removed.
func (m *Manager) Send(payload []byte) {
	m.mu.Lock()
	subs := make([]*webpush.Subscription, len(m.subscriptions))
	copy(subs, m.subscriptions)
	m.mu.Unlock()

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, sub, &webpush.Options{
			VAPIDPublicKey:  m.vapidPublic,
			VAPIDPrivateKey: m.vapidPrivate,
			Subscriber:      m.subscriber,
			TTL:             60,
		})
		if err != nil {
			m.logger.Debug("push send failed", "err", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			m.logger.Info("push subscription expired", "status", resp.StatusCode)
			m.Unsubscribe(sub.Endpoint)
		}
	}
}

// Sink wraps next so that every event is forwarded unchanged and terminal
// exits additionally trigger a push notification.
func (m *Manager) Sink(next terminal.EventSink) terminal.EventSink {
	return terminal.SinkFunc(func(event string, payload any) {
		if next != nil {
			next.Publish(event, payload)
		}
		if event != terminal.EventExit {
			return
		}
		ev, ok := payload.(terminal.ExitEvent)
		if !ok {
			return
		}
		data, err := json.Marshal(ExitNotification{Type: "terminal_exit", TabID: ev.TabID})
		if err != nil {
			return
		}
		// the reader goroutine must not wait on the network
		m.wg.Go(func() { m.Send(data) })
	})
}

// Wait blocks until pushes started by Sink have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) loadOrGenerateVAPID(dir string) error {
	path := filepath.Join(dir, vapidFile)

	data, err := os.ReadFile(path)
	if err == nil {
		var keys vapidKeys
		if err := json.Unmarshal(data, &keys); err == nil && keys.PrivateKey != "" {
			m.vapidPrivate = keys.PrivateKey
			m.vapidPublic = keys.PublicKey
			m.logger.Info("loaded VAPID keys")
			return nil
		}
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return fmt.Errorf("failed to generate VAPID key: %w", err)
	}
	m.vapidPrivate = priv
	m.vapidPublic = pub

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	keys := vapidKeys{
		PrivateKey: m.vapidPrivate,
		PublicKey:  m.vapidPublic,
	}
	data, _ = json.MarshalIndent(keys, "", "  ")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save VAPID keys: %w", err)
	}

	m.logger.Info("generated new VAPID keys")
	return nil
}
