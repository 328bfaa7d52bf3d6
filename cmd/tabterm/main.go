package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"tailscale.com/tsnet"

	"github.com/loppo-llc/tabterm/internal/config"
	"github.com/loppo-llc/tabterm/internal/git"
	"github.com/loppo-llc/tabterm/internal/metrics"
	"github.com/loppo-llc/tabterm/internal/notify"
	"github.com/loppo-llc/tabterm/internal/server"
	"github.com/loppo-llc/tabterm/internal/terminal"
)

var version = "0.1.0"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Println("tabterm", version)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hub := server.NewHub(logger, m)

	var sink terminal.EventSink = hub
	var notifier *notify.Manager
	if cfg.Push {
		dir := cfg.ConfigDir
		if dir == "" {
			dir = notify.DefaultDir()
		}
		notifier, err = notify.NewManager(dir, logger)
		if err != nil {
			logger.Warn("push notifications disabled", "err", err)
		} else {
			sink = notifier.Sink(hub)
		}
	}

	terminals := terminal.NewRegistry(sink,
		terminal.WithLogger(logger),
		terminal.WithMetrics(m),
		terminal.WithScrollback(cfg.Scrollback),
	)
	gitMgr := git.New(logger, m)

	var fetcher *git.AutoFetcher
	if len(cfg.AutoFetchRepos) > 0 {
		fetcher, err = git.NewAutoFetcher(gitMgr, hub, cfg.AutoFetchSchedule, cfg.AutoFetchRepos, logger)
		if err != nil {
			logger.Error("failed to configure git auto-fetch", "err", err)
			os.Exit(1)
		}
		fetcher.Start()
	}

	srv := server.New(server.Config{
		Addr:          fmt.Sprintf(":%d", cfg.Port),
		Logger:        logger,
		Version:       version,
		Terminals:     terminals,
		Hub:           hub,
		Git:           gitMgr,
		AutoFetcher:   fetcher,
		NotifyManager: notifier,
		Gatherer:      reg,
	})

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !cfg.Tailscale {
		// local mode: listen on localhost with port fallback
		ln, err := listenWithFallback("127.0.0.1", cfg.Port, 10, logger)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "\n  tabterm v%s running at:\n\n    http://%s\n\n", version, ln.Addr().String())
		go serve(srv, ln, logger)
	} else {
		// tailscale mode: listen via tsnet with HTTPS
		tsServer := &tsnet.Server{
			Hostname: cfg.Hostname,
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}
		defer tsServer.Close()

		ln, err := tsServer.ListenTLS("tcp", fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			logger.Error("failed to listen on tailscale", "err", err)
			os.Exit(1)
		}
		printTailnetAddrs(ctx, tsServer, cfg, logger)

		// TLS is terminated by the tsnet listener
		srv.SetTLSConfig(&tls.Config{})
		go serve(srv, ln, logger)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			logger.Warn("failed to close push store", "err", err)
		}
	}
}

func serve(srv *server.Server, ln net.Listener, logger *slog.Logger) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

func printTailnetAddrs(ctx context.Context, ts *tsnet.Server, cfg *config.Config, logger *slog.Logger) {
	fmt.Fprintf(os.Stderr, "\n  tabterm v%s running at:\n\n", version)
	defer fmt.Fprintln(os.Stderr)

	lc, _ := ts.LocalClient()
	if lc == nil {
		return
	}
	status, err := lc.Status(ctx)
	if err != nil {
		logger.Warn("could not get tailscale status", "err", err)
		fmt.Fprintf(os.Stderr, "    https://%s.<tailnet>.ts.net:%d  (getting status...)\n", cfg.Hostname, cfg.Port)
		return
	}
	if status.Self != nil {
		if dnsName := strings.TrimSuffix(status.Self.DNSName, "."); dnsName != "" {
			if cfg.Port == 443 {
				fmt.Fprintf(os.Stderr, "    https://%s\n", dnsName)
			} else {
				fmt.Fprintf(os.Stderr, "    https://%s:%d\n", dnsName, cfg.Port)
			}
		}
	}
	for _, ip := range status.TailscaleIPs {
		fmt.Fprintf(os.Stderr, "    https://%s\n", net.JoinHostPort(ip.String(), strconv.Itoa(cfg.Port)))
	}
}

func listenWithFallback(host string, startPort, maxAttempts int, logger *slog.Logger) (net.Listener, error) {
	for i := range maxAttempts {
		port := startPort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				logger.Info("port was busy, using fallback", "requested", startPort, "actual", port)
			}
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}
