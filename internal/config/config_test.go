// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  listen_addr: "0.0.0.0:8787"

database:
  path: "./test.db"

auth:
  jwt_secret: "test-secret"
  allow_loopback: true

broadcast:
  tick_interval: "30s"
  handshake_timeout: "10s"
  approval_timeout: "60s"
  pair_ttl: "5m"

logging:
  level: "debug"
  format: "json"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify server config
	if cfg.Server.ListenAddr != "0.0.0.0:8787" {
		t.Errorf("Server.ListenAddr = %q, want %q", cfg.Server.ListenAddr, "0.0.0.0:8787")
	}

	// Verify database config
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}

	// Verify auth config
	if cfg.Auth.JWTSecret != "test-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "test-secret")
	}
	if !cfg.Auth.AllowLoopback {
		t.Error("Auth.AllowLoopback = false, want true")
	}

	// Verify broadcast config with duration parsing
	if cfg.Broadcast.TickInterval != 30*time.Second {
		t.Errorf("Broadcast.TickInterval = %v, want %v", cfg.Broadcast.TickInterval, 30*time.Second)
	}
	if cfg.Broadcast.HandshakeTimeout != 10*time.Second {
		t.Errorf("Broadcast.HandshakeTimeout = %v, want %v", cfg.Broadcast.HandshakeTimeout, 10*time.Second)
	}
	if cfg.Broadcast.ApprovalTimeout != 60*time.Second {
		t.Errorf("Broadcast.ApprovalTimeout = %v, want %v", cfg.Broadcast.ApprovalTimeout, 60*time.Second)
	}
	if cfg.Broadcast.PairTTL != 5*time.Minute {
		t.Errorf("Broadcast.PairTTL = %v, want %v", cfg.Broadcast.PairTTL, 5*time.Minute)
	}

	// Verify logging config
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("LOOM_TEST_SECRET", "secret-from-env")
	t.Setenv("LOOM_TEST_DB", "/var/lib/loom/loom.db")

	configContent := `
server:
  listen_addr: "127.0.0.1:8787"

database:
  path: "${LOOM_TEST_DB}"

auth:
  jwt_secret: "${LOOM_TEST_SECRET}"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "secret-from-env" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "secret-from-env")
	}
	if cfg.Database.Path != "/var/lib/loom/loom.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/var/lib/loom/loom.db")
	}
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  listen_addr: "127.0.0.1:8787"

database:
  path: "./loom.db"

auth:
  jwt_secret: "${LOOM_DEFINITELY_UNSET_VAR}"
  allow_loopback: true
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "" {
		t.Errorf("Auth.JWTSecret = %q, want empty string", cfg.Auth.JWTSecret)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("error = %v, want reading config file error", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("server: [not: valid: yaml"), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err = Load(configPath)
	if err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("error = %v, want parsing config file error", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  listen_addr: "127.0.0.1:8787"

database:
  path: "./loom.db"

auth:
  allow_loopback: true

broadcast:
  tick_interval: "not-a-duration"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err = Load(configPath)
	if err == nil {
		t.Fatal("Load() with invalid duration should return error")
	}
	if !strings.Contains(err.Error(), "tick_interval") {
		t.Errorf("error = %v, want tick_interval parse error", err)
	}
}

func TestValidate_MissingListenAddr(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{Path: "./loom.db"},
		Auth:     AuthConfig{AllowLoopback: true},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail without listen_addr or tailscale")
	}
	if !strings.Contains(err.Error(), "server.listen_addr") {
		t.Errorf("error = %v, want listen_addr error", err)
	}
}

func TestValidate_TailscaleSkipsListenAddr(t *testing.T) {
	cfg := &Config{
		Tailscale: TailscaleConfig{Enabled: true, Hostname: "loom"},
		Database:  DatabaseConfig{Path: "./loom.db"},
		Auth:      AuthConfig{AllowLoopback: true},
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestValidate_TailscaleRequiresHostname(t *testing.T) {
	cfg := &Config{
		Tailscale: TailscaleConfig{Enabled: true},
		Database:  DatabaseConfig{Path: "./loom.db"},
		Auth:      AuthConfig{AllowLoopback: true},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail when tailscale enabled without hostname")
	}
	if !strings.Contains(err.Error(), "tailscale.hostname") {
		t.Errorf("error = %v, want tailscale.hostname error", err)
	}
}

func TestValidate_MissingDatabasePath(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{ListenAddr: "127.0.0.1:8787"},
		Auth:   AuthConfig{AllowLoopback: true},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail without database.path")
	}
	if !strings.Contains(err.Error(), "database.path") {
		t.Errorf("error = %v, want database.path error", err)
	}
}

func TestValidate_NoAuthMethod(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{ListenAddr: "127.0.0.1:8787"},
		Database: DatabaseConfig{Path: "./loom.db"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail with no credential path configured")
	}
	if !strings.Contains(err.Error(), "auth requires") {
		t.Errorf("error = %v, want auth error", err)
	}
}
