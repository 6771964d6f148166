// ABOUTME: Configuration loading and parsing for loom-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete loom-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// PasswordHash is a bcrypt hash accepted during the connect handshake.
	PasswordHash string `yaml:"password_hash"`
	// Token is a static shared token accepted as-is. Useful for dev setups.
	Token string `yaml:"token"`
	// AllowLoopback grants admin scope to connections from 127.0.0.1/::1
	// without credentials.
	AllowLoopback bool `yaml:"allow_loopback"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve TLS with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BroadcastConfig holds fan-out and heartbeat timing configuration
type BroadcastConfig struct {
	TickInterval     time.Duration `yaml:"-"`
	HandshakeTimeout time.Duration `yaml:"-"`
	ApprovalTimeout  time.Duration `yaml:"-"`
	PairTTL          time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TickIntervalRaw     string `yaml:"tick_interval"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
	ApprovalTimeoutRaw  string `yaml:"approval_timeout"`
	PairTTLRaw          string `yaml:"pair_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A listen address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	// Some credential path must exist; a gateway nobody can connect to is a
	// misconfiguration, not a security posture.
	if c.Auth.JWTSecret == "" && c.Auth.PasswordHash == "" && c.Auth.Token == "" && !c.Auth.AllowLoopback {
		return fmt.Errorf("auth requires at least one of jwt_secret, password_hash, token, or allow_loopback")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
// Fields left empty fall back to the protocol defaults at construction time.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Broadcast.TickIntervalRaw != "" {
		cfg.Broadcast.TickInterval, err = time.ParseDuration(cfg.Broadcast.TickIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing tick_interval %q: %w", cfg.Broadcast.TickIntervalRaw, err)
		}
	}

	if cfg.Broadcast.HandshakeTimeoutRaw != "" {
		cfg.Broadcast.HandshakeTimeout, err = time.ParseDuration(cfg.Broadcast.HandshakeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing handshake_timeout %q: %w", cfg.Broadcast.HandshakeTimeoutRaw, err)
		}
	}

	if cfg.Broadcast.ApprovalTimeoutRaw != "" {
		cfg.Broadcast.ApprovalTimeout, err = time.ParseDuration(cfg.Broadcast.ApprovalTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing approval_timeout %q: %w", cfg.Broadcast.ApprovalTimeoutRaw, err)
		}
	}

	if cfg.Broadcast.PairTTLRaw != "" {
		cfg.Broadcast.PairTTL, err = time.ParseDuration(cfg.Broadcast.PairTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing pair_ttl %q: %w", cfg.Broadcast.PairTTLRaw, err)
		}
	}

	return nil
}
