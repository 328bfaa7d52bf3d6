package terminal

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loppo-llc/tabterm/internal/metrics"
	"golang.org/x/sync/singleflight"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRegistryClosed  = errors.New("terminal registry is closed")
)

const (
	defaultCols = 80
	defaultRows = 24
)

// Registry maps tab ids to live sessions. The map lock is held only for
// lookups and mutations; PTY I/O and process control run outside it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	// coalesces concurrent Open calls for the same tab id
	opens singleflight.Group
	// reader goroutines; only added to while holding mu and not closed
	readers sync.WaitGroup

	sink       EventSink
	platform   Platform
	logger     *slog.Logger
	metrics    *metrics.Metrics
	scrollback int
	cols, rows uint16
}

type Option func(*Registry)

func WithPlatform(p Platform) Option {
	return func(r *Registry) { r.platform = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithScrollback sets the per-session scrollback size in bytes.
func WithScrollback(size int) Option {
	return func(r *Registry) { r.scrollback = size }
}

// WithInitialSize sets the terminal size used when a session is spawned.
func WithInitialSize(cols, rows uint16) Option {
	return func(r *Registry) { r.cols, r.rows = cols, rows }
}

// NewRegistry creates an empty registry publishing to sink. A nil sink
// discards events.
func NewRegistry(sink EventSink, opts ...Option) *Registry {
	r := &Registry{
		sessions:   make(map[string]*Session),
		sink:       sink,
		platform:   DefaultPlatform(),
		logger:     slog.Default(),
		scrollback: defaultScrollbackSize,
		cols:       defaultCols,
		rows:       defaultRows,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sink == nil {
		r.sink = discardSink{}
	}
	if r.cols == 0 || r.rows == 0 {
		r.cols, r.rows = defaultCols, defaultRows
	}
	return r
}

// Open returns the shell of the session for tabID, spawning it first if
// no session exists. On error nothing is registered.
func (r *Registry) Open(tabID string) (string, error) {
	if s, err := r.get(tabID); err == nil {
		return s.shell, nil
	} else if errors.Is(err, ErrRegistryClosed) {
		return "", err
	}

	v, err, _ := r.opens.Do(tabID, func() (any, error) {
		// a previous flight may have inserted it after our first lookup
		if s, err := r.get(tabID); err == nil {
			return s.shell, nil
		} else if errors.Is(err, ErrRegistryClosed) {
			return "", err
		}

		s, err := r.spawn(tabID)
		if err != nil {
			return "", err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			s.terminate()
			return "", ErrRegistryClosed
		}
		r.sessions[tabID] = s
		r.readers.Go(func() { r.readLoop(s) })
		r.mu.Unlock()

		r.metrics.SessionOpened()

		pid, _ := s.proc.Pid()
		r.logger.Info("terminal opened", "tabId", tabID, "shell", s.shell, "pid", pid)
		return s.shell, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Registry) spawn(tabID string) (*Session, error) {
	shell := r.platform.Shell()
	proc, err := startProcess(shell, r.platform.Environ(), r.cols, r.rows)
	if err != nil {
		r.logger.Warn("terminal spawn failed", "tabId", tabID, "shell", shell, "err", err)
		return nil, fmt.Errorf("failed to spawn shell %s: %w", shell, err)
	}
	return &Session{
		tabID:      tabID,
		shell:      shell,
		createdAt:  time.Now(),
		proc:       proc,
		scrollback: NewRingBuffer(r.scrollback),
	}, nil
}

// Write sends data to the session's input side and returns once it has
// been handed to the terminal.
func (r *Registry) Write(tabID string, data []byte) error {
	s, err := r.get(tabID)
	if err != nil {
		return err
	}
	if err := s.write(data); err != nil {
		return fmt.Errorf("failed to write to pty: %w", err)
	}
	r.metrics.Written(len(data))
	return nil
}

// Resize applies new dimensions. A zero dimension or an unknown tab id is
// not an error.
func (r *Registry) Resize(tabID string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return nil
	}
	s, err := r.get(tabID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.resize(cols, rows); err != nil {
		return fmt.Errorf("failed to resize pty: %w", err)
	}
	return nil
}

// Close removes the session and kills its process. Closing an unknown
// tab id does nothing.
func (r *Registry) Close(tabID string) {
	r.mu.Lock()
	s, ok := r.sessions[tabID]
	if ok {
		delete(r.sessions, tabID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.metrics.SessionClosed()
	s.terminate()
	r.logger.Info("terminal closed", "tabId", tabID)
}

// Cwd returns the working directory of the session's process. ok is false
// when the session does not exist or the host cannot tell.
func (r *Registry) Cwd(tabID string) (cwd string, ok bool, err error) {
	s, err := r.get(tabID)
	if errors.Is(err, ErrSessionNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	pid, ok := s.proc.Pid()
	if !ok {
		return "", false, nil
	}
	return r.platform.Cwd(pid)
}

// Shell returns the shell of a registered session, including one whose
// process has already exited on its own.
func (r *Registry) Shell(tabID string) (string, bool) {
	s, err := r.get(tabID)
	if err != nil {
		return "", false
	}
	return s.shell, true
}

// DefaultShell resolves the shell a session opened now would run.
func (r *Registry) DefaultShell() string {
	return r.platform.Shell()
}

// Scrollback returns the most recent raw output of a session.
func (r *Registry) Scrollback(tabID string) ([]byte, bool) {
	s, err := r.get(tabID)
	if err != nil {
		return nil, false
	}
	return s.scrollback.Bytes(), true
}

// List returns all registered sessions ordered by tab id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Info()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TabID < infos[j].TabID })
	return infos
}

// Shutdown closes every session and rejects further operations. It returns
// after every reader has published its exit event.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Go(func() {
			s.terminate()
			r.metrics.SessionClosed()
		})
	}
	wg.Wait()
	r.readers.Wait()
	r.logger.Info("terminal registry shut down", "closed", len(sessions))
}

func (r *Registry) get(tabID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	s, ok := r.sessions[tabID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, tabID)
	}
	return s, nil
}
