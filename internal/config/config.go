package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime settings. TABTERM_* environment variables supply
// defaults; command-line flags override them. Keys are spelled out in full
// so unprefixed variables such as HOSTNAME or PORT are never consulted.
type Config struct {
	Port      int    `envconfig:"TABTERM_PORT" default:"8080"`
	Dev       bool   `envconfig:"TABTERM_DEV" default:"false"`
	Tailscale bool   `envconfig:"TABTERM_TAILSCALE" default:"false"`
	Hostname  string `envconfig:"TABTERM_HOSTNAME" default:"tabterm"`
	LogLevel  string `envconfig:"TABTERM_LOG_LEVEL" default:"info"`

	Push      bool   `envconfig:"TABTERM_PUSH" default:"true"`
	ConfigDir string `envconfig:"TABTERM_CONFIG_DIR"`

	AutoFetchSchedule string   `envconfig:"TABTERM_AUTOFETCH_SCHEDULE" default:"@every 5m"`
	AutoFetchRepos    []string `envconfig:"TABTERM_AUTOFETCH_REPOS"`

	Scrollback int `envconfig:"TABTERM_SCROLLBACK" default:"262144"`

	ShowVersion bool `ignored:"true"`
}

// Load reads the environment and then parses args (without the program
// name).
func Load(args []string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	fs := flag.NewFlagSet("tabterm", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "port number (auto-increments if busy)")
	fs.BoolVar(&cfg.Dev, "dev", cfg.Dev, "enable debug logging")
	fs.BoolVar(&cfg.Tailscale, "tailscale", cfg.Tailscale, "serve on the tailnet via tsnet instead of localhost")
	fs.StringVar(&cfg.Hostname, "hostname", cfg.Hostname, "tailnet hostname")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&cfg.Push, "push", cfg.Push, "send web push notifications when a terminal exits")
	fs.StringVar(&cfg.ConfigDir, "config-dir", cfg.ConfigDir, "directory for VAPID keys")
	fs.StringVar(&cfg.AutoFetchSchedule, "autofetch-schedule", cfg.AutoFetchSchedule, "cron schedule for git auto-fetch")
	fs.IntVar(&cfg.Scrollback, "scrollback", cfg.Scrollback, "scrollback bytes kept per terminal")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "show version")

	// the first -autofetch-repo replaces the environment list
	fromFlags := false
	fs.Func("autofetch-repo", "repository to fetch periodically (repeatable)", func(v string) error {
		if !fromFlags {
			cfg.AutoFetchRepos = nil
			fromFlags = true
		}
		cfg.AutoFetchRepos = append(cfg.AutoFetchRepos, v)
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Scrollback <= 0 {
		return errors.New("scrollback must be positive")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level returns the slog level. Dev mode always logs at debug.
func (c *Config) Level() slog.Level {
	if c.Dev {
		return slog.LevelDebug
	}
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}
