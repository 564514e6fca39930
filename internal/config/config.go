package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for gomuks-client.
type Config struct {
	// Base URL of the gomuks backend, e.g. https://chat.example.com.
	// The websocket endpoint and the HTTP auth endpoint are derived from it.
	ServerURL string `env:"GOMUKS_SERVER_URL"`

	// Account credentials. Only required for the first run; afterwards the
	// auth token cached in the state database is used.
	Username string `env:"GOMUKS_USERNAME"`
	Password string `env:"GOMUKS_PASSWORD"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Global cap on timeline events cached across all rooms. When exceeded,
	// the least-recently-accessed room's cache is evicted.
	MaxCachedEvents int `env:"MAX_CACHED_EVENTS" envDefault:"4000"`

	// Maximum number of commands buffered while the session is not ready.
	CommandQueueCap int `env:"COMMAND_QUEUE_CAP" envDefault:"800"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "gomuks-client"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Normalize the server URL so downstream code can append paths without
	// worrying about trailing slashes.
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("GOMUKS_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("GOMUKS_SERVER_URL is not a valid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("GOMUKS_SERVER_URL must use http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("GOMUKS_SERVER_URL is missing a host")
	}

	// Username and password may both be empty when a token is already
	// cached in the state database, but supplying only one is always a
	// configuration mistake.
	if (c.Username == "") != (c.Password == "") {
		return fmt.Errorf("GOMUKS_USERNAME and GOMUKS_PASSWORD must be set together")
	}

	if c.MaxCachedEvents <= 0 {
		return fmt.Errorf("MAX_CACHED_EVENTS must be positive")
	}

	if c.CommandQueueCap <= 0 {
		return fmt.Errorf("COMMAND_QUEUE_CAP must be positive")
	}

	return nil
}

// WebsocketURL returns the websocket endpoint derived from ServerURL.
func (c *Config) WebsocketURL() string {
	ws := c.ServerURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}

	return ws + "/_gomuks/websocket"
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
