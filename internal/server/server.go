package server

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gitpkg "github.com/loppo-llc/tabterm/internal/git"
	"github.com/loppo-llc/tabterm/internal/notify"
	"github.com/loppo-llc/tabterm/internal/terminal"
)

// max request body for JSON endpoints
const maxBodyBytes = 1 << 20

type Server struct {
	terminals *terminal.Registry
	hub       *Hub
	git       *gitpkg.Manager
	fetcher   *gitpkg.AutoFetcher
	notify    *notify.Manager
	logger    *slog.Logger
	httpSrv   *http.Server
	version   string
}

type Config struct {
	Addr      string
	Logger    *slog.Logger
	Version   string
	Terminals *terminal.Registry
	Hub       *Hub
	Git       *gitpkg.Manager
	// optional
	AutoFetcher   *gitpkg.AutoFetcher
	NotifyManager *notify.Manager
	Gatherer      prometheus.Gatherer
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		terminals: cfg.Terminals,
		hub:       cfg.Hub,
		git:       cfg.Git,
		fetcher:   cfg.AutoFetcher,
		notify:    cfg.NotifyManager,
		logger:    logger,
		version:   cfg.Version,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/info", s.handleInfo)
	mux.HandleFunc("GET /api/v1/ws", s.handleWebSocket)

	// Terminals
	mux.HandleFunc("GET /api/v1/terminals", s.handleListTerminals)
	mux.HandleFunc("POST /api/v1/terminals/{tabId}", s.handleOpenTerminal)
	mux.HandleFunc("DELETE /api/v1/terminals/{tabId}", s.handleCloseTerminal)
	mux.HandleFunc("POST /api/v1/terminals/{tabId}/input", s.handleTerminalInput)
	mux.HandleFunc("POST /api/v1/terminals/{tabId}/resize", s.handleTerminalResize)
	mux.HandleFunc("GET /api/v1/terminals/{tabId}/cwd", s.handleTerminalCwd)
	mux.HandleFunc("GET /api/v1/terminals/{tabId}/scrollback", s.handleTerminalScrollback)

	// Git
	mux.HandleFunc("GET /api/v1/git/status", s.handleGitStatus)
	mux.HandleFunc("GET /api/v1/git/diff", s.handleGitDiff)
	mux.HandleFunc("GET /api/v1/git/log", s.handleGitLog)
	mux.HandleFunc("GET /api/v1/git/branches", s.handleGitBranches)
	mux.HandleFunc("POST /api/v1/git/stage", s.handleGitStage)
	mux.HandleFunc("POST /api/v1/git/stage-all", s.handleGitStageAll)
	mux.HandleFunc("POST /api/v1/git/unstage", s.handleGitUnstage)
	mux.HandleFunc("POST /api/v1/git/commit", s.handleGitCommit)
	mux.HandleFunc("POST /api/v1/git/fetch", s.handleGitRemote(s.git.Fetch))
	mux.HandleFunc("POST /api/v1/git/pull", s.handleGitRemote(s.git.Pull))
	mux.HandleFunc("POST /api/v1/git/push", s.handleGitRemote(s.git.Push))
	mux.HandleFunc("POST /api/v1/git/checkout", s.handleGitCheckout)

	// Web Push notifications
	mux.HandleFunc("GET /api/v1/push/vapid", s.handleVAPIDKey)
	mux.HandleFunc("POST /api/v1/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("POST /api/v1/push/unsubscribe", s.handlePushUnsubscribe)

	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) SetTLSConfig(tlsCfg *tls.Config) {
	s.httpSrv.TLSConfig = tlsCfg
}

// Shutdown stops background fetches, closes every terminal and then the
// websocket clients, and finally drains HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down...")
	if s.fetcher != nil {
		s.fetcher.Stop(ctx)
	}
	s.terminals.Shutdown()
	s.hub.Close()
	if s.notify != nil {
		s.notify.Wait()
	}
	return s.httpSrv.Shutdown(ctx)
}

// --- API Handlers ---

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	homeDir, _ := os.UserHomeDir()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"version":  s.version,
		"hostname": hostname,
		"homeDir":  homeDir,
		"os":       runtime.GOOS,
		"shell":    s.terminals.DefaultShell(),
		"push":     s.notify != nil,
	})
}

// --- Terminals ---

func (s *Server) handleListTerminals(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"terminals": s.terminals.List()})
}

func (s *Server) handleOpenTerminal(w http.ResponseWriter, r *http.Request) {
	shell, err := s.terminals.Open(r.PathValue("tabId"))
	if err != nil {
		s.writeTerminalError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"shell": shell})
}

func (s *Server) handleCloseTerminal(w http.ResponseWriter, r *http.Request) {
	s.terminals.Close(r.PathValue("tabId"))
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTerminalInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data string `json:"data"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.terminals.Write(r.PathValue("tabId"), []byte(req.Data)); err != nil {
		s.writeTerminalError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTerminalResize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	cols, rows, ok := dimensions(req.Cols, req.Rows)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "cols and rows must be between 0 and 65535")
		return
	}
	if err := s.terminals.Resize(r.PathValue("tabId"), cols, rows); err != nil {
		s.writeTerminalError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTerminalCwd(w http.ResponseWriter, r *http.Request) {
	cwd, ok, err := s.terminals.Cwd(r.PathValue("tabId"))
	if err != nil {
		s.writeTerminalError(w, err)
		return
	}
	var resp struct {
		Cwd *string `json:"cwd"`
	}
	if ok {
		resp.Cwd = &cwd
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) handleTerminalScrollback(w http.ResponseWriter, r *http.Request) {
	tabID := r.PathValue("tabId")
	data, ok := s.terminals.Scrollback(tabID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+tabID)
		return
	}
	writeJSONResponse(w, http.StatusOK, WSScrollbackMsg{
		TabID: tabID,
		Data:  base64.StdEncoding.EncodeToString(data),
	})
}

func (s *Server) writeTerminalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, terminal.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, terminal.ErrRegistryClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		s.logger.Warn("terminal operation failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// --- Git ---

type gitRequest struct {
	Repo    string `json:"repo"`
	Path    string `json:"path"`
	Message string `json:"message"`
	Amend   bool   `json:"amend"`
	Branch  string `json:"branch"`
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.git.Status(r.Context(), r.URL.Query().Get("repo"))
	if err != nil {
		writeGitError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	repo, path := q.Get("repo"), q.Get("path")
	if repo == "" || path == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "repo and path are required")
		return
	}
	staged, _ := strconv.ParseBool(q.Get("staged"))
	untracked, _ := strconv.ParseBool(q.Get("untracked"))

	diff, err := s.git.Diff(r.Context(), repo, path, staged, untracked)
	if err != nil {
		writeGitError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"diff": diff})
}

func (s *Server) handleGitLog(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "repo is required")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	result, err := s.git.Log(r.Context(), repo, limit)
	if err != nil {
		writeGitError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleGitBranches(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "repo is required")
		return
	}
	result, err := s.git.Branches(r.Context(), repo)
	if err != nil {
		writeGitError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleGitStage(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeGitRequest(w, r, true)
	if !ok {
		return
	}
	if err := s.git.Stage(r.Context(), req.Repo, req.Path); err != nil {
		writeGitError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGitStageAll(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeGitRequest(w, r, false)
	if !ok {
		return
	}
	if err := s.git.StageAll(r.Context(), req.Repo); err != nil {
		writeGitError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGitUnstage(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeGitRequest(w, r, true)
	if !ok {
		return
	}
	if err := s.git.Unstage(r.Context(), req.Repo, req.Path); err != nil {
		writeGitError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGitCommit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeGitRequest(w, r, false)
	if !ok {
		return
	}
	out, err := s.git.Commit(r.Context(), req.Repo, req.Message, req.Amend)
	if err != nil {
		writeGitError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"output": out})
}

func (s *Server) handleGitCheckout(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeGitRequest(w, r, false)
	if !ok {
		return
	}
	out, err := s.git.Checkout(r.Context(), req.Repo, req.Branch)
	if err != nil {
		writeGitError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"output": out})
}

// handleGitRemote serves fetch, pull and push, which share a request shape.
func (s *Server) handleGitRemote(op func(ctx context.Context, repo string) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeGitRequest(w, r, false)
		if !ok {
			return
		}
		out, err := op(r.Context(), req.Repo)
		if err != nil {
			writeGitError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]string{"output": out})
	}
}

func decodeGitRequest(w http.ResponseWriter, r *http.Request, needPath bool) (*gitRequest, bool) {
	var req gitRequest
	if !decodeBody(w, r, &req) {
		return nil, false
	}
	if req.Repo == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "repo is required")
		return nil, false
	}
	if needPath && req.Path == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "path is required")
		return nil, false
	}
	return &req, true
}

func writeGitError(w http.ResponseWriter, err error) {
	var cmdErr *gitpkg.CommandError
	switch {
	case errors.Is(err, gitpkg.ErrEmptyMessage),
		errors.Is(err, gitpkg.ErrEmptyBranch),
		errors.Is(err, gitpkg.ErrRepoPathMissing),
		errors.Is(err, gitpkg.ErrRepoNotFound):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.As(err, &cmdErr):
		writeError(w, http.StatusUnprocessableEntity, "git_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// --- Web Push ---

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"publicKey": s.notify.VAPIDPublicKey(),
	})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var sub webpush.Subscription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&sub); err != nil || sub.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid subscription")
		return
	}
	s.notify.Subscribe(&sub)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.notify.Unsubscribe(req.Endpoint)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Helpers ---

// dimensions converts client-supplied sizes to terminal dimensions.
func dimensions(cols, rows int) (uint16, uint16, bool) {
	if cols < 0 || rows < 0 || cols > math.MaxUint16 || rows > math.MaxUint16 {
		return 0, 0, false
	}
	return uint16(cols), uint16(rows), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return false
	}
	return true
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONResponse(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
