package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ArchiveConfig controls the outbound filing-archive client
type ArchiveConfig struct {
	BaseURL        string `yaml:"base_url"`
	UserAgent      string `yaml:"user_agent"`
	MinIntervalMS  int    `yaml:"min_interval_ms"`
	TimeoutSec     int    `yaml:"timeout_sec"`
	QuotaThreshold int    `yaml:"quota_threshold"`
	QuotaDelayMS   int    `yaml:"quota_delay_ms"`
}

// QueueConfig configures one scheduler queue
type QueueConfig struct {
	Concurrency int    `yaml:"concurrency"`
	MaxAttempts int    `yaml:"max_attempts"`
	Backoff     string `yaml:"backoff"` // fixed or exponential
	BackoffMS   int    `yaml:"backoff_ms"`
}

// IngestConfig controls discovery and orchestration
type IngestConfig struct {
	LookbackDays         int `yaml:"lookback_days"`
	DiscoveryIntervalMin int `yaml:"discovery_interval_min"`
	EntityDelayMS        int `yaml:"entity_delay_ms"`
	MaxDefaultEntities   int `yaml:"max_default_entities"`
}

type Config struct {
	Port      string                 `yaml:"port"`
	DBPath    string                 `yaml:"db_path"`
	JWTSecret string                 `yaml:"jwt_secret"`
	Archive   ArchiveConfig          `yaml:"archive"`
	Ingest    IngestConfig           `yaml:"ingest"`
	Queues    map[string]QueueConfig `yaml:"queues"`
}

// Default returns the configuration used when no config file is supplied
func Default() *Config {
	return &Config{
		Port:      "8080",
		DBPath:    "insider.db",
		JWTSecret: "insider-secret-key",
		Archive: ArchiveConfig{
			BaseURL:        "https://data.sec.gov",
			UserAgent:      "insider-api admin@example.com",
			MinIntervalMS:  100,
			TimeoutSec:     30,
			QuotaThreshold: 5,
			QuotaDelayMS:   1000,
		},
		Ingest: IngestConfig{
			LookbackDays:         7,
			DiscoveryIntervalMin: 60,
			EntityDelayMS:        200,
			MaxDefaultEntities:   50,
		},
		Queues: map[string]QueueConfig{
			"discovery":  {Concurrency: 1, MaxAttempts: 3, Backoff: "exponential", BackoffMS: 2000},
			"filings":    {Concurrency: 4, MaxAttempts: 5, Backoff: "exponential", BackoffMS: 1000},
			"alerts":     {Concurrency: 2, MaxAttempts: 3, Backoff: "fixed", BackoffMS: 5000},
			"enrichment": {Concurrency: 2, MaxAttempts: 3, Backoff: "fixed", BackoffMS: 5000},
		},
	}
}

// Load reads the yaml config at path and applies environment overrides.
// A missing path falls back to defaults so the server can run unconfigured.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}
	if ua := os.Getenv("ARCHIVE_USER_AGENT"); ua != "" {
		cfg.Archive.UserAgent = ua
	}

	return cfg, nil
}

// MinInterval returns the archive pacing interval as a duration
func (a ArchiveConfig) MinInterval() time.Duration {
	return time.Duration(a.MinIntervalMS) * time.Millisecond
}

// Timeout returns the archive request timeout as a duration
func (a ArchiveConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}
