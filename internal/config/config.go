package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Backend names accepted by CHIRP_STATE_BACKEND.
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config holds all environment-based configuration for chirpsync.
type Config struct {
	// Chat server base URL, e.g. https://chat.example.com. The websocket
	// URL is derived from it.
	BaseURL string `env:"CHIRP_BASE_URL"`

	// Bearer credential sent on every connection and request.
	Token string `env:"CHIRP_TOKEN"`

	// Local user ID, used to recognise our own messages in history.
	UserID string `env:"CHIRP_USER_ID"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Durable store selection. Path defaults to ~/.chirpsync/<backend file>.
	StateBackend string `env:"CHIRP_STATE_BACKEND" envDefault:"bolt"`
	StatePath    string `env:"CHIRP_STATE_PATH"`

	// Connection manager timing.
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	ActivityTimeout      time.Duration `env:"ACTIVITY_TIMEOUT" envDefault:"45s"`
	ReconnectBase        time.Duration `env:"RECONNECT_BASE" envDefault:"1s"`
	ReconnectCap         time.Duration `env:"RECONNECT_CAP" envDefault:"30s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"10"`
	DowngradeAfter       int           `env:"DOWNGRADE_AFTER" envDefault:"3"`
	ReachabilityInterval time.Duration `env:"REACHABILITY_INTERVAL" envDefault:"10s"`

	// Message sync engine.
	SendTimeout    time.Duration `env:"SEND_TIMEOUT" envDefault:"15s"`
	EphemeralTTL   time.Duration `env:"EPHEMERAL_TTL" envDefault:"30s"`
	TypingThrottle time.Duration `env:"TYPING_THROTTLE" envDefault:"3s"`

	// Upload queue manager.
	UploadConcurrency int   `env:"UPLOAD_CONCURRENCY" envDefault:"3"`
	UploadMaxRetries  int   `env:"UPLOAD_MAX_RETRIES" envDefault:"3"`
	UploadMaxBytes    int64 `env:"UPLOAD_MAX_BYTES" envDefault:"10485760"`

	// Drop folder: files created here are sent to UploadDropChatID.
	UploadDropDir    string `env:"UPLOAD_DROP_DIR"`
	UploadDropChatID string `env:"UPLOAD_DROP_CHAT_ID"`

	// Optional outer surfaces. Empty disables them. MCP_API_KEY is the
	// Bearer key MCP clients must present.
	MCPListenAddr string `env:"MCP_LISTEN_ADDR"`
	MCPAPIKey     string `env:"MCP_API_KEY"`
	MetricsAddr   string `env:"METRICS_ADDR"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the bearer token to other users.
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

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.StateBackend = strings.ToLower(strings.TrimSpace(cfg.StateBackend))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" && cfg.StateBackend != BackendMemory {
		p, err := DefaultStatePath(cfg.StateBackend)
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	if cfg.UploadDropDir != "" {
		absDir, err := filepath.Abs(cfg.UploadDropDir)
		if err != nil {
			return nil, fmt.Errorf("resolving drop dir to absolute path: %w", err)
		}

		cfg.UploadDropDir = absDir
	}

	return cfg, nil
}

// ResolveToken falls back to the token cached by a previous run when
// CHIRP_TOKEN is unset. A configured token always wins.
func (c *Config) ResolveToken(cached string) (fromCache bool, err error) {
	if c.Token != "" {
		return false, nil
	}

	if cached == "" {
		return false, fmt.Errorf("CHIRP_TOKEN is required (no cached token)")
	}

	c.Token = cached

	return true, nil
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("CHIRP_BASE_URL is required")
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("CHIRP_BASE_URL must be an absolute http(s) URL")
	}

	switch c.StateBackend {
	case BackendBolt, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("CHIRP_STATE_BACKEND must be one of bolt, sqlite, memory (got %q)", c.StateBackend)
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}

	if c.ActivityTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("ACTIVITY_TIMEOUT (%s) must be larger than HEARTBEAT_INTERVAL (%s)", c.ActivityTimeout, c.HeartbeatInterval)
	}

	if c.ReconnectBase <= 0 || c.ReconnectCap < c.ReconnectBase {
		return fmt.Errorf("RECONNECT_BASE must be positive and not exceed RECONNECT_CAP")
	}

	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be at least 1")
	}

	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive")
	}

	if c.UploadConcurrency < 1 {
		return fmt.Errorf("UPLOAD_CONCURRENCY must be at least 1")
	}

	if c.UploadMaxRetries < 0 {
		return fmt.Errorf("UPLOAD_MAX_RETRIES must not be negative")
	}

	if c.MCPListenAddr != "" && c.MCPAPIKey == "" {
		return fmt.Errorf("MCP_API_KEY is required when MCP_LISTEN_ADDR is set")
	}

	if c.UploadDropDir != "" && c.UploadDropChatID == "" {
		return fmt.Errorf("UPLOAD_DROP_CHAT_ID is required when UPLOAD_DROP_DIR is set")
	}

	return nil
}

// DefaultStatePath returns ~/.chirpsync/queue.db for bolt and
// ~/.chirpsync/queue.sqlite for sqlite.
func DefaultStatePath(backend string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	name := "queue.db"
	if backend == BackendSQLite {
		name = "queue.sqlite"
	}

	return filepath.Join(home, ".chirpsync", name), nil
}

// WebsocketURL derives the duplex endpoint from the base URL:
// https://host/api -> wss://host/api/ws/connect.
func (c *Config) WebsocketURL() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws/connect"

	return u.String()
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
