package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Address() != "0.0.0.0:8080" {
		t.Errorf("Address() = %q", cfg.Address())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, true},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, true},
		{"zero monthly limit", func(c *Config) { c.Budget.MonthlyLimit = 0 }, true},
		{"threshold at one", func(c *Config) { c.Budget.AlertThreshold = 1 }, true},
		{"threshold at zero", func(c *Config) { c.Budget.AlertThreshold = 0 }, true},
		{"negative grace", func(c *Config) { c.Budget.GracePeriodHours = -1 }, true},
		{"zero grace ok", func(c *Config) { c.Budget.GracePeriodHours = 0 }, false},
		{"zero max per user", func(c *Config) { c.Sessions.MaxPerUser = 0 }, true},
		{"warn not before kill", func(c *Config) {
			c.Sessions.IdleWarnAfter = time.Hour
			c.Sessions.IdleKillAfter = 30 * time.Minute
		}, true},
		{"max duration too short", func(c *Config) { c.Sessions.MaxDuration = 30 * time.Second }, true},
		{"negative hourly rate", func(c *Config) { c.Sessions.DefaultHourlyRate = -0.1 }, true},
		{"excessive retries", func(c *Config) { c.Cloud.MaxRetries = 11 }, true},
		{"tls without cert", func(c *Config) { c.TLS.Enabled = true }, true},
		{"tls with cert and key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/certs/tls.crt"
			c.TLS.KeyFile = "/etc/certs/tls.key"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	content := `
server:
  port: 9090
budget:
  monthly_limit: 250.5
  currency: USD
  alert_threshold: 0.75
  auto_shutdown: true
sessions:
  max_per_user: 3
  max_duration: 2h
  idle_warn_after: 15m
  idle_kill_after: 30m
security:
  allowed_keys: ["key-a", "key-b"]
  admin_keys: ["root-key"]
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Budget.MonthlyLimit != 250.5 {
		t.Errorf("MonthlyLimit = %g", cfg.Budget.MonthlyLimit)
	}
	if cfg.Budget.Currency != "USD" {
		t.Errorf("Currency = %q", cfg.Budget.Currency)
	}
	if !cfg.Budget.AutoShutdown {
		t.Error("AutoShutdown not set")
	}
	if cfg.Sessions.MaxDuration != 2*time.Hour {
		t.Errorf("MaxDuration = %s", cfg.Sessions.MaxDuration)
	}
	if len(cfg.Security.AllowedKeys) != 2 || len(cfg.Security.AdminKeys) != 1 {
		t.Errorf("keys = %v / %v", cfg.Security.AllowedKeys, cfg.Security.AdminKeys)
	}

	// Unset sections keep their defaults.
	if cfg.Cloud.Namespace != "cyberlab" {
		t.Errorf("Namespace = %q, want default", cfg.Cloud.Namespace)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("metrics defaults lost: %+v", cfg.Metrics)
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file must fail")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("server: [not a map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("malformed YAML must fail")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("budget:\n  alert_threshold: 1.5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(invalid); err == nil {
		t.Error("out-of-range threshold must fail validation")
	}
}
