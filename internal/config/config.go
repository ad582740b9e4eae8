package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Cloud    CloudConfig    `yaml:"cloud"`
	Budget   BudgetConfig   `yaml:"budget"`
	Sessions SessionConfig  `yaml:"sessions"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
	Egress   EgressConfig   `yaml:"egress"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// CloudConfig tunes the compute substrate the engine drives.
type CloudConfig struct {
	ContainerdSocket   string        `yaml:"containerd_socket"`
	Namespace          string        `yaml:"namespace"`
	ProductionRegistry string        `yaml:"production_registry"`
	StagingRegistry    string        `yaml:"staging_registry"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
}

// BudgetConfig is the deployment-wide cost-governance policy. Limit,
// threshold, grace hours and the auto-shutdown flag can be changed at
// runtime through the budget config API; these are the boot values.
type BudgetConfig struct {
	MonthlyLimit     float64       `yaml:"monthly_limit"`
	Currency         string        `yaml:"currency"`
	AlertThreshold   float64       `yaml:"alert_threshold"` // fraction of the limit, e.g. 0.8
	GracePeriodHours int           `yaml:"grace_period_hours"`
	AutoShutdown     bool          `yaml:"auto_shutdown"`
	TickInterval     time.Duration `yaml:"tick_interval"`
}

type SessionConfig struct {
	MaxPerUser           int           `yaml:"max_per_user"`
	MaxDuration          time.Duration `yaml:"max_duration"`
	IdleWarnAfter        time.Duration `yaml:"idle_warn_after"`
	IdleKillAfter        time.Duration `yaml:"idle_kill_after"`
	HeartbeatStaleAfter  time.Duration `yaml:"heartbeat_stale_after"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	ReconcileInterval    time.Duration `yaml:"reconcile_interval"`
	OrphanIgnoreCooldown time.Duration `yaml:"orphan_ignore_cooldown"`
	DefaultHourlyRate    float64       `yaml:"default_hourly_rate"`
}

type PipelineConfig struct {
	AutoPromote  bool   `yaml:"auto_promote"`
	StagingPath  string `yaml:"staging_path"`
	ScanRequired bool   `yaml:"scan_required"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	AdminKeys      []string `yaml:"admin_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// EgressConfig controls the outbound gateway lab machines use for package
// mirrors. Disabled deployments leave the labs fully offline.
type EgressConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Port         int      `yaml:"port"`
	Secret       string   `yaml:"secret"`
	AllowedHosts []string `yaml:"allowed_hosts"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Cloud: CloudConfig{
			ContainerdSocket:   "/run/containerd/containerd.sock",
			Namespace:          "cyberlab",
			ProductionRegistry: "registry.local/cyberlab",
			StagingRegistry:    "registry.local/cyberlab-staging",
			CallTimeout:        30 * time.Second,
			MaxRetries:         3,
		},
		Budget: BudgetConfig{
			MonthlyLimit:     100,
			Currency:         "MYR",
			AlertThreshold:   0.8,
			GracePeriodHours: 24,
			AutoShutdown:     false,
			TickInterval:     time.Minute,
		},
		Sessions: SessionConfig{
			MaxPerUser:           2,
			MaxDuration:          4 * time.Hour,
			IdleWarnAfter:        20 * time.Minute,
			IdleKillAfter:        40 * time.Minute,
			HeartbeatStaleAfter:  10 * time.Minute,
			SweepInterval:        time.Minute,
			ReconcileInterval:    5 * time.Minute,
			OrphanIgnoreCooldown: time.Hour,
			DefaultHourlyRate:    0.25,
		},
		Pipeline: PipelineConfig{
			AutoPromote:  false,
			StagingPath:  "staging/images",
			ScanRequired: true,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Egress: EgressConfig{
			Enabled: false,
			Port:    3128,
			AllowedHosts: []string{
				"deb.debian.org",
				"security.debian.org",
				"archive.ubuntu.com",
				"http.kali.org",
			},
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Budget.MonthlyLimit <= 0 {
		return fmt.Errorf("budget.monthly_limit must be > 0, got %g", c.Budget.MonthlyLimit)
	}
	if c.Budget.AlertThreshold <= 0 || c.Budget.AlertThreshold >= 1 {
		return fmt.Errorf("budget.alert_threshold must be in (0,1), got %g", c.Budget.AlertThreshold)
	}
	if c.Budget.GracePeriodHours < 0 {
		return fmt.Errorf("budget.grace_period_hours must be >= 0, got %d", c.Budget.GracePeriodHours)
	}
	if c.Sessions.MaxPerUser < 1 {
		return fmt.Errorf("sessions.max_per_user must be >= 1")
	}
	if c.Sessions.IdleWarnAfter >= c.Sessions.IdleKillAfter {
		return fmt.Errorf("sessions.idle_warn_after (%s) must be < idle_kill_after (%s)",
			c.Sessions.IdleWarnAfter, c.Sessions.IdleKillAfter)
	}
	if c.Sessions.MaxDuration < time.Minute {
		return fmt.Errorf("sessions.max_duration must be >= 1m, got %s", c.Sessions.MaxDuration)
	}
	if c.Sessions.DefaultHourlyRate < 0 {
		return fmt.Errorf("sessions.default_hourly_rate must be >= 0")
	}
	if c.Cloud.MaxRetries < 0 || c.Cloud.MaxRetries > 10 {
		return fmt.Errorf("cloud.max_retries must be 0-10, got %d", c.Cloud.MaxRetries)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Egress.Enabled {
		if c.Egress.Port < 1 || c.Egress.Port > 65535 {
			return fmt.Errorf("egress.port must be 1-65535, got %d", c.Egress.Port)
		}
		if len(c.Egress.AllowedHosts) == 0 {
			return fmt.Errorf("egress.allowed_hosts must not be empty when egress is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
