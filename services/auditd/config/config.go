package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for auditd.
type Config struct {
	ListenAddress string       `yaml:"listen"`
	Database      string       `yaml:"database"`
	Node          NodeConfig   `yaml:"node"`
	Auth          AuthConfig   `yaml:"auth"`
	Rate          RateConfig   `yaml:"rate"`
	Export        ExportConfig `yaml:"export"`
}

// NodeConfig locates the ledger node event stream.
type NodeConfig struct {
	WSURL       string   `yaml:"ws_url"`
	TokenEnv    string   `yaml:"token_env"`
	DialTimeout Duration `yaml:"dial_timeout"`
	BackoffMin  Duration `yaml:"backoff_min"`
	BackoffMax  Duration `yaml:"backoff_max"`
}

// AuthConfig controls bearer token validation on the query API.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	SecretEnv string `yaml:"secret_env"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// RateConfig throttles query API clients.
type RateConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// ExportConfig locates the Parquet report output directory.
type ExportConfig struct {
	Directory string `yaml:"directory"`
}

// Database DSN prefixes accepted by the store.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7420"
	}
	if cfg.Database == "" {
		cfg.Database = "sqlite:./auditd.db"
	}
	if cfg.Node.WSURL == "" {
		cfg.Node.WSURL = "ws://127.0.0.1:8080/ws/events"
	}
	if cfg.Node.TokenEnv == "" {
		cfg.Node.TokenEnv = "NUSD_RPC_TOKEN"
	}
	if cfg.Node.DialTimeout.Duration == 0 {
		cfg.Node.DialTimeout.Duration = 5 * time.Second
	}
	if cfg.Node.BackoffMin.Duration == 0 {
		cfg.Node.BackoffMin.Duration = time.Second
	}
	if cfg.Node.BackoffMax.Duration == 0 {
		cfg.Node.BackoffMax.Duration = 30 * time.Second
	}
	if cfg.Auth.SecretEnv == "" {
		cfg.Auth.SecretEnv = "AUDITD_JWT_SECRET"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "nusd"
	}
	if cfg.Auth.Audience == "" {
		cfg.Auth.Audience = "auditd"
	}
	if cfg.Rate.RequestsPerMinute == 0 {
		cfg.Rate.RequestsPerMinute = 600
	}
	if cfg.Rate.Burst == 0 {
		cfg.Rate.Burst = 20
	}
	if cfg.Export.Directory == "" {
		cfg.Export.Directory = "./exports"
	}
}

func validate(cfg Config) error {
	if _, _, err := SplitDSN(cfg.Database); err != nil {
		return err
	}
	scheme := strings.ToLower(cfg.Node.WSURL)
	if !strings.HasPrefix(scheme, "ws://") && !strings.HasPrefix(scheme, "wss://") {
		return fmt.Errorf("node ws_url must use ws:// or wss://")
	}
	if cfg.Rate.RequestsPerMinute < 0 {
		return fmt.Errorf("rate requests_per_minute must not be negative")
	}
	if cfg.Rate.Burst < 0 {
		return fmt.Errorf("rate burst must not be negative")
	}
	if cfg.Node.BackoffMin.Duration > cfg.Node.BackoffMax.Duration {
		return fmt.Errorf("node backoff_min must not exceed backoff_max")
	}
	return nil
}

// SplitDSN resolves the database driver from the DSN prefix. sqlite: paths
// and postgres:// URLs are supported.
func SplitDSN(dsn string) (driver, rest string, err error) {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(trimmed, "sqlite:"):
		return DriverSQLite, strings.TrimPrefix(trimmed, "sqlite:"), nil
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return DriverPostgres, trimmed, nil
	default:
		return "", "", fmt.Errorf("database DSN must start with sqlite: or postgres://")
	}
}

// ResolveNodeToken reads the node bearer token from the configured
// environment variable.
func (c Config) ResolveNodeToken() string {
	return strings.TrimSpace(os.Getenv(c.Node.TokenEnv))
}

// ResolveAuthSecret reads the JWT signing secret from the configured
// environment variable.
func (c Config) ResolveAuthSecret() string {
	return strings.TrimSpace(os.Getenv(c.Auth.SecretEnv))
}
