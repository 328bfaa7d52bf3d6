package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/loppo-llc/tabterm/internal/metrics"
)

var (
	ErrRepoNotFound    = errors.New("git repository not found")
	ErrRepoPathMissing = errors.New("repo path does not exist")
	ErrEmptyMessage    = errors.New("commit message is empty")
	ErrEmptyBranch     = errors.New("branch name is empty")
)

// CommandError is returned when git exits non-zero. Its message is git's
// stderr, or a fixed fallback when stderr was empty.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	fallback string
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	if e.fallback != "" {
		return e.fallback
	}
	return "git command failed"
}

type Manager struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, metrics: m}
}

type Change struct {
	Path      string `json:"path"`
	Status    string `json:"status"`
	Staged    bool   `json:"staged"`
	Unstaged  bool   `json:"unstaged"`
	Untracked bool   `json:"untracked"`
}

type StatusResult struct {
	RepoPath string   `json:"repoPath"`
	Branch   string   `json:"branch"`
	Ahead    int      `json:"ahead"`
	Behind   int      `json:"behind"`
	Changes  []Change `json:"changes"`
}

// Status reports the working tree state of the repository containing
// repoPath. An empty repoPath searches upward from the process working
// directory.
func (m *Manager) Status(ctx context.Context, repoPath string) (_ *StatusResult, err error) {
	defer func() { m.done("status", err) }()

	root, err := m.detectRepo(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	raw, err := m.run(ctx, root, "status", "--porcelain=v1", "--branch")
	if err != nil {
		return nil, err
	}
	result := parseStatus(raw)
	result.RepoPath = root
	return result, nil
}

func parseStatus(raw string) *StatusResult {
	result := &StatusResult{Branch: "unknown", Changes: []Change{}}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if rest, ok := strings.CutPrefix(line, "## "); ok {
			parseBranchLine(rest, result)
			continue
		}
		if len(line) < 4 {
			continue
		}

		x, y := line[0], line[1]
		path := strings.TrimSpace(line[3:])
		if _, to, ok := strings.Cut(path, " -> "); ok {
			path = to
		}
		result.Changes = append(result.Changes, Change{
			Path:      path,
			Status:    line[:2],
			Staged:    x != ' ' && x != '?',
			Unstaged:  y != ' ',
			Untracked: x == '?' && y == '?',
		})
	}
	return result
}

// parseBranchLine handles "main...origin/main [ahead 1, behind 2]".
func parseBranchLine(rest string, result *StatusResult) {
	head := strings.TrimSpace(rest)
	var tracking string
	if prefix, suffix, ok := strings.Cut(rest, " ["); ok {
		head = strings.TrimSpace(prefix)
		tracking = strings.TrimSpace(strings.TrimRight(suffix, "]"))
	}
	if left, _, ok := strings.Cut(head, "..."); ok {
		head = left
	}
	result.Branch = strings.TrimSpace(head)

	for _, part := range strings.Split(tracking, ",") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "ahead "); ok {
			result.Ahead = atoi(v)
		} else if v, ok := strings.CutPrefix(part, "behind "); ok {
			result.Behind = atoi(v)
		}
	}
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Diff returns the patch for one path. Untracked files are diffed against
// /dev/null.
func (m *Manager) Diff(ctx context.Context, repoPath, path string, staged, untracked bool) (_ string, err error) {
	defer func() { m.done("diff", err) }()

	if untracked {
		// --no-index exits 1 when the files differ
		out, err := m.exec(ctx, repoPath, []int{0, 1}, "diff", "--no-index", "--", "/dev/null", path)
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			cmdErr.fallback = "failed to generate diff"
		}
		return out, err
	}
	if staged {
		return m.run(ctx, repoPath, "diff", "--staged", "--", path)
	}
	return m.run(ctx, repoPath, "diff", "--", path)
}

func (m *Manager) Stage(ctx context.Context, repoPath, path string) (err error) {
	defer func() { m.done("stage", err) }()
	_, err = m.run(ctx, repoPath, "add", "--", path)
	return err
}

func (m *Manager) StageAll(ctx context.Context, repoPath string) (err error) {
	defer func() { m.done("stage_all", err) }()
	_, err = m.run(ctx, repoPath, "add", "--all")
	return err
}

// Unstage removes path from the index. Older gits without restore fall
// back to reset.
func (m *Manager) Unstage(ctx context.Context, repoPath, path string) (err error) {
	defer func() { m.done("unstage", err) }()
	if _, err := m.run(ctx, repoPath, "restore", "--staged", "--", path); err == nil {
		return nil
	}
	_, err = m.run(ctx, repoPath, "reset", "HEAD", "--", path)
	return err
}

func (m *Manager) Commit(ctx context.Context, repoPath, message string, amend bool) (_ string, err error) {
	defer func() { m.done("commit", err) }()

	message = strings.TrimSpace(message)
	if message == "" {
		return "", ErrEmptyMessage
	}
	args := []string{"commit", "-m", message}
	if amend {
		args = append(args, "--amend")
	}
	out, err := m.run(ctx, repoPath, args...)
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		cmdErr.fallback = "git commit failed"
	}
	return out, err
}

func (m *Manager) Fetch(ctx context.Context, repoPath string) (_ string, err error) {
	defer func() { m.done("fetch", err) }()
	return m.run(ctx, repoPath, "fetch", "--prune")
}

func (m *Manager) Pull(ctx context.Context, repoPath string) (_ string, err error) {
	defer func() { m.done("pull", err) }()
	return m.run(ctx, repoPath, "pull")
}

func (m *Manager) Push(ctx context.Context, repoPath string) (_ string, err error) {
	defer func() { m.done("push", err) }()
	return m.run(ctx, repoPath, "push")
}

type BranchesResult struct {
	Current  string   `json:"current"`
	Branches []string `json:"branches"`
}

func (m *Manager) Branches(ctx context.Context, repoPath string) (_ *BranchesResult, err error) {
	defer func() { m.done("branches", err) }()

	current, err := m.run(ctx, repoPath, "branch", "--show-current")
	if err != nil {
		return nil, err
	}
	raw, err := m.run(ctx, repoPath, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, err
	}

	result := &BranchesResult{Current: strings.TrimSpace(current), Branches: []string{}}
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			result.Branches = append(result.Branches, line)
		}
	}
	sort.Strings(result.Branches)
	return result, nil
}

// Checkout switches to branch, falling back to checkout for gits without
// switch.
func (m *Manager) Checkout(ctx context.Context, repoPath, branch string) (_ string, err error) {
	defer func() { m.done("checkout", err) }()

	branch = strings.TrimSpace(branch)
	if branch == "" {
		return "", ErrEmptyBranch
	}
	if _, err := m.run(ctx, repoPath, "switch", branch); err == nil {
		return fmt.Sprintf("Switched to branch '%s'", branch), nil
	}
	return m.run(ctx, repoPath, "checkout", branch)
}

type LogEntry struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
	Author  string `json:"author"`
	Date    string `json:"date"`
}

type LogResult struct {
	Commits []LogEntry `json:"commits"`
}

func (m *Manager) Log(ctx context.Context, repoPath string, limit int) (_ *LogResult, err error) {
	defer func() { m.done("log", err) }()

	if limit <= 0 {
		limit = 20
	}
	out, err := m.run(ctx, repoPath, "log", fmt.Sprintf("--max-count=%d", limit), "--format=%H%n%s%n%an%n%aI")
	if err != nil {
		return nil, err
	}

	result := &LogResult{Commits: []LogEntry{}}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := 0; i+3 < len(lines); i += 4 {
		hash := lines[i]
		if len(hash) > 7 {
			hash = hash[:7]
		}
		result.Commits = append(result.Commits, LogEntry{
			Hash:    hash,
			Message: lines[i+1],
			Author:  lines[i+2],
			Date:    lines[i+3],
		})
	}
	return result, nil
}

func (m *Manager) detectRepo(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", ErrRepoPathMissing
		}
		return m.repoRoot(ctx, explicit)
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("cwd error: %w", err)
	}
	for {
		if root, err := m.repoRoot(ctx, dir); err == nil {
			return root, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrRepoNotFound
		}
		dir = parent
	}
}

func (m *Manager) repoRoot(ctx context.Context, dir string) (string, error) {
	out, err := m.run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	root := strings.TrimSpace(out)
	if root == "" {
		return "", errors.New("failed to detect git root")
	}
	return root, nil
}

func (m *Manager) run(ctx context.Context, repoPath string, args ...string) (string, error) {
	return m.exec(ctx, repoPath, []int{0}, args...)
}

// exec runs git in repoPath and returns stdout when the exit code is one of ok.
func (m *Manager) exec(ctx context.Context, repoPath string, ok []int, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", repoPath}, args...)...)
	// never block on a credential prompt
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", fmt.Errorf("failed to run git: %w", err)
		}
		code = exitErr.ExitCode()
	}
	for _, c := range ok {
		if c == code {
			return stdout.String(), nil
		}
	}
	return "", &CommandError{
		Args:     args,
		ExitCode: code,
		Stderr:   strings.TrimSpace(stderr.String()),
	}
}

func (m *Manager) done(op string, err error) {
	m.metrics.GitCommand(op, err)
	if err != nil {
		m.logger.Debug("git command failed", "op", op, "err", err)
	}
}
