package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the relaygate gateway.
type Config struct {
	General     GeneralConfig     `json:"general" yaml:"general"`
	HTTP        HTTPConfig        `json:"http" yaml:"http"`
	Broker      BrokerConfig      `json:"broker" yaml:"broker"`
	Idempotency IdempotencyConfig `json:"idempotency" yaml:"idempotency"`
	Providers   ProvidersConfig   `json:"providers" yaml:"providers"`
	Poller      PollerConfig      `json:"poller" yaml:"poller"`
}

type GeneralConfig struct {
	Environment string `json:"environment" yaml:"environment"` // "development" | "production"
	LogLevel    string `json:"logLevel" yaml:"logLevel"`
}

type HTTPConfig struct {
	Port          int    `json:"port" yaml:"port"`
	WebhookSecret string `json:"webhookSecret,omitempty" yaml:"webhookSecret,omitempty"`
}

type BrokerConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Brokers  []string `json:"brokers,omitempty" yaml:"brokers,omitempty"`
	ClientID string   `json:"clientId,omitempty" yaml:"clientId,omitempty"`
}

type IdempotencyConfig struct {
	// DSN selects the backend: postgres://... for the durable shared store,
	// memory:// for the local non-production fallback.
	DSN        string `json:"dsn" yaml:"dsn"`
	TTLSeconds int    `json:"ttlSeconds" yaml:"ttlSeconds"`
}

type ProvidersConfig struct {
	WhatsApp  WhatsAppProviderConfig  `json:"whatsapp" yaml:"whatsapp"`
	Messenger MessengerProviderConfig `json:"messenger" yaml:"messenger"`
	CRM       CRMConfig               `json:"crm" yaml:"crm"`
}

// WhatsAppProviderConfig points at a WhatsApp-compatible REST gateway
// (Evolution-style instance API).
type WhatsAppProviderConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	APIKey  string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
}

type MessengerProviderConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
}

// CRMConfig points at the CRM open-channel REST endpoint (an inbound
// webhook URL that embeds the auth token).
type CRMConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	WebhookURL string `json:"webhookUrl,omitempty" yaml:"webhookUrl,omitempty"`
	BotUserID  int64  `json:"botUserId,omitempty" yaml:"botUserId,omitempty"`
}

type PollerConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	IntervalSeconds int    `json:"intervalSeconds" yaml:"intervalSeconds"`
	DBPath          string `json:"dbPath" yaml:"dbPath"`
}

// IsProduction reports whether unsafe local fallbacks must be refused.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.General.Environment, "production")
}

// Defaults returns a development-mode configuration.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Environment: "development",
			LogLevel:    "info",
		},
		HTTP: HTTPConfig{Port: 8080},
		Broker: BrokerConfig{
			Enabled:  false,
			ClientID: "relaygate",
		},
		Idempotency: IdempotencyConfig{
			DSN:        "memory://",
			TTLSeconds: 86400,
		},
		Poller: PollerConfig{
			Enabled:         true,
			IntervalSeconds: 5,
			DBPath:          "~/.relaygate/mappings.db",
		},
	}
}

// DefaultConfigDir returns the per-user config directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaygate"
	}
	return filepath.Join(home, ".relaygate")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML config file, substitutes environment variables
// and validates the result.
func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg.Poller.DBPath = expandPath(cfg.Poller.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Save writes the config as indented JSON.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expandPath(path), append(data, '\n'), 0o600)
}

// Validate checks cross-field constraints. Production safety of the broker
// and idempotency backends is additionally enforced at construction time by
// their factories, so a hand-edited config cannot sneak past.
func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.General.Environment) {
	case "", "development", "staging", "production":
	default:
		return fmt.Errorf("unknown environment %q", cfg.General.Environment)
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port %d", cfg.HTTP.Port)
	}
	if cfg.Broker.Enabled && len(cfg.Broker.Brokers) == 0 {
		return fmt.Errorf("broker enabled but no broker addresses configured")
	}
	if cfg.Idempotency.TTLSeconds <= 0 {
		return fmt.Errorf("idempotency ttlSeconds must be positive")
	}
	if cfg.Poller.Enabled && cfg.Poller.IntervalSeconds <= 0 {
		return fmt.Errorf("poller intervalSeconds must be positive")
	}
	if cfg.Providers.CRM.Enabled && cfg.Providers.CRM.WebhookURL == "" {
		return fmt.Errorf("crm enabled but webhookUrl missing")
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvVars substitutes ${VAR} and ${VAR:-default} references.
func ExpandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[3]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return def
	})
}

// expandPath resolves a leading ~/ against the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
