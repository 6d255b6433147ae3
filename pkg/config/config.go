package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for usage-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3470"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL). Optional: when disabled the
	// engine runs fully in memory without durability.
	Database DatabaseConfig `yaml:"database"`

	// Ingestion pipeline configuration
	Ingest IngestConfig `yaml:"ingest"`

	// Pattern discovery configuration
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Skill consolidation configuration
	Skills SkillsConfig `yaml:"skills"`

	// ChangeLogPath, when set, routes change records for the external
	// generation layer to a YAML stream on disk instead of the log.
	ChangeLogPath string `yaml:"change_log_path" env:"CHANGE_LOG_PATH"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Enabled        bool   `yaml:"enabled" env:"PGENABLED" env-default:"false"`
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"usage_engine"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"usage_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// IngestConfig holds ingestion pipeline settings.
type IngestConfig struct {
	// QueueSize bounds the ingestion queue between producers and the
	// single graph writer.
	QueueSize int `yaml:"queue_size" env:"INGEST_QUEUE_SIZE" env-default:"1024"`

	// MaxApplyRetries bounds retries of a failed graph store upsert
	// before the event is dead-lettered.
	MaxApplyRetries int `yaml:"max_apply_retries" env:"INGEST_MAX_APPLY_RETRIES" env-default:"5"`

	// BlockWhenFull makes Submit block until queue space is available
	// (bounded by the caller's context) instead of rejecting.
	BlockWhenFull bool `yaml:"block_when_full" env:"INGEST_BLOCK_WHEN_FULL" env-default:"true"`
}

// DiscoveryConfig holds pattern discovery thresholds and scheduling.
type DiscoveryConfig struct {
	// MinOccurrences is the usage count at which an uncertified metric
	// triggers a new_metric proposal.
	MinOccurrences int `yaml:"min_occurrences" env:"DISCOVERY_MIN_OCCURRENCES" env-default:"10"`

	// MinSamples is the per-edge observation count required before two
	// alternative join paths are compared.
	MinSamples int `yaml:"min_samples" env:"DISCOVERY_MIN_SAMPLES" env-default:"5"`

	// StaleAfter marks certified metrics unseen for this long as
	// deprecation candidates.
	StaleAfter time.Duration `yaml:"stale_after" env:"DISCOVERY_STALE_AFTER" env-default:"2160h"` // 90 days

	// Interval between scheduled discovery runs.
	Interval time.Duration `yaml:"interval" env:"DISCOVERY_INTERVAL" env-default:"1h"`

	// Lookback is the width of the usage window each run analyzes.
	Lookback time.Duration `yaml:"lookback" env:"DISCOVERY_LOOKBACK" env-default:"24h"`

	// Budget is the wall-clock limit for a single run; on expiry the run
	// returns partial results marked truncated.
	Budget time.Duration `yaml:"budget" env:"DISCOVERY_BUDGET" env-default:"5m"`

	// SignificanceLevel for the two-sample latency comparison.
	SignificanceLevel float64 `yaml:"significance_level" env:"DISCOVERY_SIGNIFICANCE_LEVEL" env-default:"0.05"`
}

// SkillsConfig holds skill consolidation thresholds and scheduling.
type SkillsConfig struct {
	// MinGroupSize is the number of structurally similar successful
	// events required before a skill is synthesized.
	MinGroupSize int `yaml:"min_group_size" env:"SKILLS_MIN_GROUP_SIZE" env-default:"10"`

	// MinSuccessRate is the minimum success rate for a group.
	MinSuccessRate float64 `yaml:"min_success_rate" env:"SKILLS_MIN_SUCCESS_RATE" env-default:"0.8"`

	// Interval between scheduled consolidation runs.
	Interval time.Duration `yaml:"interval" env:"SKILLS_INTERVAL" env-default:"24h"`

	// Lookback is the width of the event window each run consolidates.
	Lookback time.Duration `yaml:"lookback" env:"SKILLS_LOOKBACK" env-default:"168h"` // 7 days

	// Budget is the wall-clock limit for a single consolidation run.
	Budget time.Duration `yaml:"budget" env:"SKILLS_BUDGET" env-default:"5m"`
}

// Load reads configuration from config.yaml with environment variable
// overrides. The version parameter is injected at build time.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest.queue_size must be positive, got %d", c.Ingest.QueueSize)
	}
	if c.Ingest.MaxApplyRetries < 0 {
		return fmt.Errorf("ingest.max_apply_retries must not be negative, got %d", c.Ingest.MaxApplyRetries)
	}
	if c.Discovery.MinOccurrences <= 0 {
		return fmt.Errorf("discovery.min_occurrences must be positive, got %d", c.Discovery.MinOccurrences)
	}
	if c.Discovery.MinSamples < 2 {
		return fmt.Errorf("discovery.min_samples must be at least 2, got %d", c.Discovery.MinSamples)
	}
	if c.Discovery.SignificanceLevel <= 0 || c.Discovery.SignificanceLevel >= 1 {
		return fmt.Errorf("discovery.significance_level must be in (0, 1), got %g", c.Discovery.SignificanceLevel)
	}
	if c.Skills.MinSuccessRate < 0 || c.Skills.MinSuccessRate > 1 {
		return fmt.Errorf("skills.min_success_rate must be in [0, 1], got %g", c.Skills.MinSuccessRate)
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
