// Package config handles loading, validating, and writing the traceproof
// configuration from <config-dir>/config.yaml.
//
// The config defines:
//   - Server bind address for serve mode (host:port)
//   - Storage directories (keys, evidence, audit chain)
//   - Evidence retention (TTL days, sweep interval)
//   - Dashboard toggle
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file name inside the config directory.
const FileName = "config.yaml"

// Config is the top-level traceproof configuration.
// Loaded from <config-dir>/config.yaml, with sensible defaults for fields
// that are not explicitly set.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Retention RetentionConfig `yaml:"retention"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// ServerConfig defines where serve mode listens.
// Default: 127.0.0.1:3810 (loopback only — never bind to 0.0.0.0).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds the on-disk locations for key material, encrypted
// evidence, and the audit chain. Empty values default to subdirectories
// of the config directory.
type StorageConfig struct {
	KeyDir      string `yaml:"keyDir"`
	EvidenceDir string `yaml:"evidenceDir"`
	AuditDir    string `yaml:"auditDir"`
}

// RetentionConfig controls evidence expiry.
//
// TTLDays: evidence files older than this many whole days are removed by
// the sweeper. Default: 7.
//
// SweepInterval: how often serve mode runs the sweeper, as a Go duration
// string. Default: "1h".
type RetentionConfig struct {
	TTLDays       int    `yaml:"ttlDays"`
	SweepInterval string `yaml:"sweepInterval"`
}

// DashboardConfig controls the web dashboard served at /dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses config.yaml from the given config directory.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(dir string) (*Config, error) {
	cfg := applyDefaults(dir)

	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. Normal on first run.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Fields unset in the file fall back to the directory defaults.
	fillStorageDefaults(cfg, dir)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated and
// a comment header. Used by `traceproof config generate` when no config
// file exists yet.
func WriteDefault(dir string) error {
	cfg := applyDefaults(dir)
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# traceproof configuration
#
# server:
#   host: Bind address for serve mode (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3810)
#
# storage:
#   keyDir:      Where key material lives (evidence key, signing key pair)
#   evidenceDir: Content-addressed encrypted evidence store
#   auditDir:    Hash-chained audit log (chain.jsonl + index.db)
#
# retention:
#   ttlDays:       Evidence older than this many days is swept (default: 7)
#   sweepInterval: How often serve mode sweeps, e.g. "1h" (default: 1h)
#
# dashboard:
#   enabled: Serve web UI at /dashboard on the same port

`
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	return os.WriteFile(filepath.Join(dir, FileName), []byte(header+string(data)), 0o644)
}

// RetentionTTL returns the evidence retention window as a duration.
func (c *Config) RetentionTTL() time.Duration {
	return time.Duration(c.Retention.TTLDays) * 24 * time.Hour
}

// SweepEvery parses the configured sweep interval, falling back to one
// hour if it is empty or unparseable.
func (c *Config) SweepEvery() time.Duration {
	d, err := time.ParseDuration(c.Retention.SweepInterval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// applyDefaults returns a Config with all fields set to their default
// values, with storage paths rooted under the config directory.
func applyDefaults(dir string) *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3810,
		},
		Storage: StorageConfig{
			KeyDir:      filepath.Join(dir, "keys"),
			EvidenceDir: filepath.Join(dir, "evidence"),
			AuditDir:    filepath.Join(dir, "audit"),
		},
		Retention: RetentionConfig{
			TTLDays:       7,
			SweepInterval: "1h",
		},
		Dashboard: DashboardConfig{
			Enabled: true,
		},
	}
}

func fillStorageDefaults(cfg *Config, dir string) {
	if cfg.Storage.KeyDir == "" {
		cfg.Storage.KeyDir = filepath.Join(dir, "keys")
	}
	if cfg.Storage.EvidenceDir == "" {
		cfg.Storage.EvidenceDir = filepath.Join(dir, "evidence")
	}
	if cfg.Storage.AuditDir == "" {
		cfg.Storage.AuditDir = filepath.Join(dir, "audit")
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Retention.TTLDays < 1 {
		return fmt.Errorf("retention.ttlDays must be at least 1")
	}
	if cfg.Retention.SweepInterval != "" {
		if _, err := time.ParseDuration(cfg.Retention.SweepInterval); err != nil {
			return fmt.Errorf("retention.sweepInterval: %w", err)
		}
	}
	return nil
}
