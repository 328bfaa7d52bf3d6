package git

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// EventFetch is published after each scheduled fetch of a repository.
const EventFetch = "git-fetch"

const fetchTimeout = 2 * time.Minute

// Publisher receives auto-fetch results.
type Publisher interface {
	Publish(event string, payload any)
}

type FetchEvent struct {
	RepoPath string `json:"repoPath"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
}

// AutoFetcher periodically runs Fetch for a fixed set of repositories.
type AutoFetcher struct {
	git    *Manager
	pub    Publisher
	repos  []string
	logger *slog.Logger
	cron   *cron.Cron
}

// NewAutoFetcher schedules fetches using a standard five-field cron
// expression or a descriptor such as "@every 5m".
func NewAutoFetcher(m *Manager, pub Publisher, schedule string, repos []string, logger *slog.Logger) (*AutoFetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &AutoFetcher{
		git:    m,
		pub:    pub,
		repos:  repos,
		logger: logger,
	}
	f.cron = cron.New(
		cron.WithLogger(cronLogger{logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
	)
	if _, err := f.cron.AddFunc(schedule, f.run); err != nil {
		return nil, fmt.Errorf("invalid auto-fetch schedule %q: %w", schedule, err)
	}
	return f, nil
}

func (f *AutoFetcher) Start() {
	f.cron.Start()
	f.logger.Info("git auto-fetch started", "repos", len(f.repos))
}

// Stop halts the scheduler and waits for a running fetch to finish or for
// ctx to end.
func (f *AutoFetcher) Stop(ctx context.Context) {
	done := f.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (f *AutoFetcher) run() {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	f.FetchAll(ctx)
}

// FetchAll fetches every repository once and publishes one event per repo.
func (f *AutoFetcher) FetchAll(ctx context.Context) {
	for _, repo := range f.repos {
		out, err := f.git.Fetch(ctx, repo)
		ev := FetchEvent{RepoPath: repo, Output: out}
		if err != nil {
			ev.Error = err.Error()
			f.logger.Warn("git auto-fetch failed", "repo", repo, "err", err)
		}
		f.pub.Publish(EventFetch, ev)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
