package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the relay
// server and the probe client.
type Config struct {
	// Server settings.
	ListenAddr string `env:"RELAY_LISTEN_ADDR" envDefault:":8085"`

	// StorePath is the bbolt database file. When empty it defaults to
	// ~/.relay/relay.db after loading.
	StorePath string `env:"RELAY_STORE_PATH"`

	// AuthSecret enables HS256 token verification on AUTH. When empty
	// the server accepts any claimed identity.
	AuthSecret string `env:"RELAY_AUTH_SECRET"`

	// Client settings.
	ServerURL string `env:"RELAY_SERVER_URL" envDefault:"ws://localhost:8085/ws"`
	NotifyURL string `env:"RELAY_NOTIFY_URL" envDefault:"ws://localhost:8085/notifications/ws"`
	APIURL    string `env:"RELAY_API_URL" envDefault:"http://localhost:8085"`

	// Identity the probe client authenticates as.
	UserID    string `env:"RELAY_USER_ID"`
	UserName  string `env:"RELAY_USER_NAME"`
	UserEmail string `env:"RELAY_USER_EMAIL"`

	// Connection tuning. Zero values fall back to the client defaults.
	HeartbeatInterval    time.Duration `env:"RELAY_HEARTBEAT_INTERVAL"`
	HealthCheckInterval  time.Duration `env:"RELAY_HEALTH_CHECK_INTERVAL"`
	QueueCapacity        int           `env:"RELAY_QUEUE_CAPACITY"`
	MaxReconnectAttempts int           `env:"RELAY_MAX_RECONNECT_ATTEMPTS"`

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

	if cfg.StorePath == "" {
		path, err := DefaultStorePath()
		if err != nil {
			return nil, err
		}

		cfg.StorePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("RELAY_LISTEN_ADDR must not be empty")
	}

	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("RELAY_HEARTBEAT_INTERVAL must not be negative")
	}

	if c.HealthCheckInterval < 0 {
		return fmt.Errorf("RELAY_HEALTH_CHECK_INTERVAL must not be negative")
	}

	if c.QueueCapacity < 0 {
		return fmt.Errorf("RELAY_QUEUE_CAPACITY must not be negative")
	}

	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("RELAY_MAX_RECONNECT_ATTEMPTS must not be negative")
	}

	return nil
}

// ValidateProbe checks the settings the probe client needs on top of
// the shared ones.
func (c *Config) ValidateProbe() error {
	if c.UserID == "" {
		return fmt.Errorf("RELAY_USER_ID is required for the probe client")
	}

	if c.ServerURL == "" {
		return fmt.Errorf("RELAY_SERVER_URL must not be empty")
	}

	return nil
}

// DefaultStorePath returns the default database location:
// ~/.relay/relay.db
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".relay", "relay.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
