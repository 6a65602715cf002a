// Package hsmconfig loads the YAML configuration for the mockhsmd server
// and hsmctl client binaries.
package hsmconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures mockhsmd.
type ServerConfig struct {
	// ServerID is the base of the server_id reported in COMM/INIT
	// responses; mockhsmd reports ServerID+n to its n-th connection.
	ServerID uint32 `yaml:"server_id"`
	// Listen is the TCP address mockhsmd accepts client connections on.
	Listen string `yaml:"listen"`

	NVM NVMConfig `yaml:"nvm"`

	Crypto CryptoConfig `yaml:"crypto"`

	Logging LoggingConfig `yaml:"logging"`
}

// NVMConfig selects and configures the non-volatile key store backend.
type NVMConfig struct {
	// Backend is one of "memory", "redis", "postgres".
	Backend string `yaml:"backend"`

	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty"`

	PostgresHost     string `yaml:"postgres_host,omitempty"`
	PostgresPort     int    `yaml:"postgres_port,omitempty"`
	PostgresUser     string `yaml:"postgres_user,omitempty"`
	PostgresPassword string `yaml:"postgres_password,omitempty"`
	PostgresDBName   string `yaml:"postgres_dbname,omitempty"`
	PostgresSSLMode  string `yaml:"postgres_sslmode,omitempty"`
}

// CryptoConfig enables the bundled crypto-bridge custom-callback handlers
// (AES, RSA, ECC, Curve25519, RNG) on the server.
type CryptoConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig mirrors logging.New's construction parameters.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`  // empty for stdout
}

// ClientConfig configures hsmctl.
type ClientConfig struct {
	ClientID uint32 `yaml:"client_id"`
	// ServerAddress is the mockhsmd address to dial.
	ServerAddress string `yaml:"server_address"`
	// DialTimeout bounds the initial TCP connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	Logging LoggingConfig `yaml:"logging"`
}

// DefaultServerConfig returns sensible mockhsmd defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ServerID: 1,
		Listen:   "127.0.0.1:7443",
		NVM:      NVMConfig{Backend: "memory"},
		Crypto:   CryptoConfig{Enabled: true},
		Logging:  LoggingConfig{Level: "info", File: ""},
	}
}

// DefaultClientConfig returns sensible hsmctl defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ClientID:      1,
		ServerAddress: "127.0.0.1:7443",
		DialTimeout:   5 * time.Second,
		Logging:       LoggingConfig{Level: "info", File: ""},
	}
}

// LoadServerConfig reads and validates a mockhsmd YAML config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadClientConfig reads and validates an hsmctl YAML config file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultClientConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the server configuration for obviously invalid settings.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	switch c.NVM.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unknown nvm backend %q", c.NVM.Backend)
	}
	if c.NVM.Backend == "redis" && c.NVM.RedisAddr == "" {
		return fmt.Errorf("nvm.redis_addr required for redis backend")
	}
	if c.NVM.Backend == "postgres" && c.NVM.PostgresHost == "" {
		return fmt.Errorf("nvm.postgres_host required for postgres backend")
	}
	return nil
}

// Validate checks the client configuration for obviously invalid settings.
func (c *ClientConfig) Validate() error {
	if c.ServerAddress == "" {
		return fmt.Errorf("server_address must not be empty")
	}
	if c.ClientID == 0 {
		return fmt.Errorf("client_id must be nonzero")
	}
	return nil
}

// Save writes the server configuration to path as YAML, creating parent
// directories as needed.
func (c *ServerConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}
