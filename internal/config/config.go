package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Signing  SigningConfig  `yaml:"signing" envconfig:"SIGNING"`
	Webhook  WebhookConfig  `yaml:"webhook" envconfig:"WEBHOOK"`
	Audit    AuditConfig    `yaml:"audit" envconfig:"AUDIT"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig contains validation policy and rate limiting configuration
type SecurityConfig struct {
	// FailClosed denies validation when the signing backend is unavailable.
	// Must stay true in production; only tests and local development relax it.
	FailClosed bool            `yaml:"fail_closed" envconfig:"FAIL_CLOSED" default:"true"`
	RateLimit  RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// SigningConfig locates the sealed Ed25519 signing key
type SigningConfig struct {
	KeyFile    string `yaml:"key_file" envconfig:"KEY_FILE" default:"signing.key"`
	Passphrase string `yaml:"passphrase" envconfig:"PASSPHRASE"`
	// Ephemeral generates an in-memory keypair instead of loading KeyFile.
	// Development convenience only; generated keys do not survive restarts.
	Ephemeral bool `yaml:"ephemeral" envconfig:"EPHEMERAL" default:"false"`
}

// WebhookConfig contains webhook admission configuration
type WebhookConfig struct {
	// Tolerance bounds how stale a signed timestamp may be before the
	// payload is rejected as a potential replay.
	Tolerance     time.Duration `yaml:"tolerance" envconfig:"TOLERANCE" default:"5m"`
	StripeSecret  string        `yaml:"stripe_secret" envconfig:"STRIPE_SECRET"`
	PayPalSecret  string        `yaml:"paypal_secret" envconfig:"PAYPAL_SECRET"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES" default:"262144"`
	AdmitTimeout  time.Duration `yaml:"admit_timeout" envconfig:"ADMIT_TIMEOUT" default:"10s"`
}

// AuditConfig controls audit log persistence
type AuditConfig struct {
	// File receives the hash-chained JSONL mirror of the audit log.
	// Empty keeps the log memory-only.
	File string `yaml:"file" envconfig:"FILE" default:"audit.jsonl"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/keymint.log"`
}

// Load loads configuration from environment variables and an optional config file
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("KEYMINT", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if path := os.Getenv("KEYMINT_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration invariants that envconfig defaults cannot express
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Webhook.Tolerance <= 0 {
		return fmt.Errorf("webhook tolerance must be positive, got %s", c.Webhook.Tolerance)
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		return fmt.Errorf("webhook max body bytes must be positive, got %d", c.Webhook.MaxBodyBytes)
	}
	if !c.Signing.Ephemeral && c.Signing.KeyFile == "" {
		return fmt.Errorf("signing key file is required unless ephemeral mode is enabled")
	}
	return nil
}

// Address returns the listen address for the HTTP server
func (c *ServerConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}
