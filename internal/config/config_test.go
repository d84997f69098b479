package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("RELAYGATE_TEST_VAR", "hello")
	defer os.Unsetenv("RELAYGATE_TEST_VAR")

	got := ExpandEnvVars("value=${RELAYGATE_TEST_VAR}")
	if got != "value=hello" {
		t.Errorf("got %q", got)
	}

	got = ExpandEnvVars("value=${RELAYGATE_MISSING:-fallback}")
	if got != "value=fallback" {
		t.Errorf("got %q", got)
	}

	got = ExpandEnvVars("value=${RELAYGATE_MISSING}")
	if got != "value=" {
		t.Errorf("got %q", got)
	}
}

func TestLoadJSON(t *testing.T) {
	os.Setenv("RELAYGATE_TEST_KEY", "secret-key")
	defer os.Unsetenv("RELAYGATE_TEST_KEY")

	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"general": {"environment": "development", "logLevel": "debug"},
		"http": {"port": 9000},
		"providers": {"whatsapp": {"enabled": true, "baseUrl": "http://wa.local", "apiKey": "${RELAYGATE_TEST_KEY}"}}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.HTTP.Port)
	}
	if cfg.Providers.WhatsApp.APIKey != "secret-key" {
		t.Errorf("apiKey = %q, env var not expanded", cfg.Providers.WhatsApp.APIKey)
	}
	// Defaults survive for sections the file omits.
	if cfg.Poller.IntervalSeconds != 5 {
		t.Errorf("poller interval = %d, want default 5", cfg.Poller.IntervalSeconds)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "general:\n  environment: development\nhttp:\n  port: 8088\nbroker:\n  enabled: true\n  brokers: [\"localhost:9092\"]\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Port != 8088 {
		t.Errorf("port = %d, want 8088", cfg.HTTP.Port)
	}
	if !cfg.Broker.Enabled || len(cfg.Broker.Brokers) != 1 {
		t.Errorf("broker config not parsed: %+v", cfg.Broker)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Defaults()
	cfg.HTTP.Port = -1
	if err := Validate(cfg); err == nil {
		t.Error("expected validation error for negative port")
	}
}

func TestValidateRejectsBrokerWithoutAddresses(t *testing.T) {
	cfg := Defaults()
	cfg.Broker.Enabled = true
	cfg.Broker.Brokers = nil
	if err := Validate(cfg); err == nil {
		t.Error("expected validation error for broker without addresses")
	}
}

func TestGetSetByPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "http.port", "9999"); err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Port != 9999 {
		t.Errorf("port = %d after SetByPath", cfg.HTTP.Port)
	}

	val, err := GetByPath(cfg, "general.environment")
	if err != nil {
		t.Fatal(err)
	}
	if val != "development" {
		t.Errorf("environment = %v", val)
	}
}
