// Package config loads and validates the airlockd YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the top-level airlockd configuration.
type Config struct {
	// Listen is the address of the event ingress HTTP server.
	Listen string `yaml:"listen"`

	// DataDir holds the database, the pid lock, and (by default) the
	// storage tier roots.
	DataDir string `yaml:"data_dir"`

	// DatabasePath overrides the default <data_dir>/airlock.db.
	DatabasePath string `yaml:"database_path,omitempty"`

	// StorageRoot overrides the default <data_dir>/tiers. Each storage
	// tier is a directory under this root.
	StorageRoot string `yaml:"storage_root,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`

	// IngressSecret is the HMAC secret for inbound scan/deletion events.
	// Empty disables signature checks (local development only).
	IngressSecret string `yaml:"ingress_secret,omitempty"`

	// ScanTimeout bounds how long a request may sit in submitted before an
	// operator alert is raised. No stage change happens on timeout.
	ScanTimeout time.Duration `yaml:"scan_timeout,omitempty"`

	// SweepInterval is how often the recovery sweep looks for requests
	// stuck in an in-progress stage.
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`

	// StuckAfter is how long a request may sit in an in-progress stage
	// before the sweep re-runs its move.
	StuckAfter time.Duration `yaml:"stuck_after,omitempty"`

	// MoveAttempts and MoveRetryDelay bound the mover's retries on
	// transient storage errors before a move is declared failed.
	MoveAttempts   int           `yaml:"move_attempts,omitempty"`
	MoveRetryDelay time.Duration `yaml:"move_retry_delay,omitempty"`

	// MoveWorkers is the size of the mover worker pool.
	MoveWorkers int `yaml:"move_workers,omitempty"`

	// Roles maps a user name to its airlock roles.
	Roles map[string]RoleConfig `yaml:"roles,omitempty"`
}

// RoleConfig grants airlock capabilities to a user.
type RoleConfig struct {
	Owner    bool `yaml:"owner,omitempty"`    // may submit and cancel own requests
	Reviewer bool `yaml:"reviewer,omitempty"` // may review any request
}

// Load reads, env-expands, and validates configuration from path.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8474"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "airlock.db")
	}
	if cfg.StorageRoot == "" {
		cfg.StorageRoot = filepath.Join(cfg.DataDir, "tiers")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 1 * time.Minute
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 10 * time.Minute
	}
	if cfg.MoveAttempts <= 0 {
		cfg.MoveAttempts = 3
	}
	if cfg.MoveRetryDelay <= 0 {
		cfg.MoveRetryDelay = 2 * time.Second
	}
	if cfg.MoveWorkers <= 0 {
		cfg.MoveWorkers = 4
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.StuckAfter < c.SweepInterval {
		return fmt.Errorf("stuck_after (%s) must not be shorter than sweep_interval (%s)",
			c.StuckAfter, c.SweepInterval)
	}
	for user, role := range c.Roles {
		if !role.Owner && !role.Reviewer {
			return fmt.Errorf("role for %q grants no capability", user)
		}
	}
	return nil
}
