// Package config provides unified configuration for all Sightline services.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll      Mode = "all"
	ModePipeline Mode = "pipeline"
	ModeCollect  Mode = "collect"
	ModeArchive  Mode = "archive"
)

// Config holds the unified configuration for all Sightline services.
type Config struct {
	// Mode specifies which services to run: all, pipeline, collect, archive
	Mode Mode `json:"mode" yaml:"mode"`

	// Environment is the deployment stage tag stamped into written metadata
	Environment string `json:"environment" yaml:"environment"`

	// DataDir is the base directory for all local data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Feed configuration (change-feed transport)
	Feed FeedConfig `json:"feed" yaml:"feed"`

	// Collector configuration
	Collector CollectorConfig `json:"collector" yaml:"collector"`

	// Identity resolution configuration
	Identity IdentityConfig `json:"identity" yaml:"identity"`

	// Session tracking configuration
	Session SessionConfig `json:"session" yaml:"session"`

	// Enrichment configuration
	Enrichment EnrichmentConfig `json:"enrichment" yaml:"enrichment"`

	// Archiver configuration
	Archiver ArchiverConfig `json:"archiver" yaml:"archiver"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// LoggingConfig holds logger construction settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is the log encoding: json, console
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig holds the metrics listener settings.
type MetricsConfig struct {
	// Addr is the metrics HTTP address
	Addr string `json:"addr" yaml:"addr"`
}

// FeedConfig holds change-feed consumer and publisher settings.
type FeedConfig struct {
	// Brokers is the list of Kafka broker addresses
	Brokers []string `json:"brokers" yaml:"brokers"`

	// Topic is the change-feed topic
	Topic string `json:"topic" yaml:"topic"`

	// GroupID is the consumer group id
	GroupID string `json:"group_id" yaml:"group_id"`

	// Parallelism is the number of concurrent shard readers
	Parallelism int `json:"parallelism" yaml:"parallelism"`

	// BatchSize is the maximum number of records delivered per invocation
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// FlushInterval is the longest a partial batch waits before delivery
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`

	// MaxRetries bounds redelivery attempts for a failing record
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// MaxRecordAge drops records older than this instead of retrying
	MaxRecordAge time.Duration `json:"max_record_age" yaml:"max_record_age"`
}

// CollectorConfig holds the ingestion API settings.
type CollectorConfig struct {
	// Addr is the collector HTTP address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// RawDBPath is the raw-event store path (defaults under DataDir)
	RawDBPath string `json:"raw_db_path" yaml:"raw_db_path"`
}

// IdentityConfig holds identity resolution settings.
type IdentityConfig struct {
	// DBPath is the identity store path (defaults under DataDir)
	DBPath string `json:"db_path" yaml:"db_path"`

	// RetentionDays is the identity expiry horizon in days
	RetentionDays int `json:"retention_days" yaml:"retention_days"`

	// HouseholdScanLimit caps the household existence scan
	HouseholdScanLimit int `json:"household_scan_limit" yaml:"household_scan_limit"`
}

// SessionConfig holds session tracking settings.
type SessionConfig struct {
	// DBPath is the session store path (defaults under DataDir)
	DBPath string `json:"db_path" yaml:"db_path"`

	// RetentionDays is the session expiry horizon in days
	RetentionDays int `json:"retention_days" yaml:"retention_days"`
}

// EnrichmentConfig holds enrichment metadata settings.
type EnrichmentConfig struct {
	// Version is the enrichment-logic version stamped into output
	Version string `json:"version" yaml:"version"`
}

// ArchiverConfig holds the hourly raw-event export settings.
type ArchiverConfig struct {
	// Interval between archive runs
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:        ModeAll,
		Environment: "dev",
		DataDir:     "./data/sightline",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9190",
		},
		Feed: FeedConfig{
			Brokers:       []string{"localhost:9092"},
			Topic:         "raw-events-changes",
			GroupID:       "sightline-enrichment",
			Parallelism:   2,
			BatchSize:     100,
			FlushInterval: 2 * time.Second,
			MaxRetries:    3,
			MaxRecordAge:  6 * time.Hour,
		},
		Collector: CollectorConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Identity: IdentityConfig{
			RetentionDays:      180,
			HouseholdScanLimit: 10,
		},
		Session: SessionConfig{
			RetentionDays: 180,
		},
		Enrichment: EnrichmentConfig{
			Version: "2.0",
		},
		Archiver: ArchiverConfig{
			Interval: time.Hour,
		},
		Storage: StorageConfig{
			Type: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/sightline"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Identity.DBPath == "" {
		c.Identity.DBPath = filepath.Join(c.DataDir, "identities.db")
	}
	if c.Session.DBPath == "" {
		c.Session.DBPath = filepath.Join(c.DataDir, "sessions.db")
	}
	if c.Collector.RawDBPath == "" {
		c.Collector.RawDBPath = filepath.Join(c.DataDir, "rawevents.db")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModePipeline, ModeCollect, ModeArchive:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, pipeline, collect, or archive)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.ShouldRunPipeline() {
		if len(c.Feed.Brokers) == 0 {
			return fmt.Errorf("feed.brokers is required in pipeline mode")
		}
		if c.Feed.Topic == "" {
			return fmt.Errorf("feed.topic is required in pipeline mode")
		}
	}

	if c.Feed.Parallelism < 1 {
		return fmt.Errorf("feed.parallelism must be at least 1, got %d", c.Feed.Parallelism)
	}

	if c.Identity.RetentionDays <= 0 {
		return fmt.Errorf("identity.retention_days must be positive, got %d", c.Identity.RetentionDays)
	}

	if c.Identity.HouseholdScanLimit <= 0 {
		return fmt.Errorf("identity.household_scan_limit must be positive, got %d", c.Identity.HouseholdScanLimit)
	}

	return nil
}

// ShouldRunPipeline returns true if the enrichment pipeline should run.
func (c *Config) ShouldRunPipeline() bool {
	return c.Mode == ModeAll || c.Mode == ModePipeline
}

// ShouldRunCollector returns true if the collector API should run.
func (c *Config) ShouldRunCollector() bool {
	return c.Mode == ModeAll || c.Mode == ModeCollect
}

// ShouldRunArchiver returns true if the hourly archiver should run.
func (c *Config) ShouldRunArchiver() bool {
	return c.Mode == ModeAll || c.Mode == ModeArchive
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SIGHTLINE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SIGHTLINE_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("SIGHTLINE_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("SIGHTLINE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Logging configuration
	if v := os.Getenv("SIGHTLINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SIGHTLINE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SIGHTLINE_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}

	// Feed configuration
	if v := os.Getenv("SIGHTLINE_FEED_BROKERS"); v != "" {
		cfg.Feed.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SIGHTLINE_FEED_TOPIC"); v != "" {
		cfg.Feed.Topic = v
	}
	if v := os.Getenv("SIGHTLINE_FEED_GROUP_ID"); v != "" {
		cfg.Feed.GroupID = v
	}
	if v := os.Getenv("SIGHTLINE_FEED_PARALLELISM"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Feed.Parallelism)
	}
	if v := os.Getenv("SIGHTLINE_FEED_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Feed.BatchSize)
	}
	if v := os.Getenv("SIGHTLINE_FEED_MAX_RECORD_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Feed.MaxRecordAge = d
		}
	}

	// Collector configuration
	if v := os.Getenv("SIGHTLINE_COLLECTOR_ADDR"); v != "" {
		cfg.Collector.Addr = v
	}

	// Identity configuration
	if v := os.Getenv("SIGHTLINE_IDENTITY_RETENTION_DAYS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Identity.RetentionDays)
	}

	// Archiver configuration
	if v := os.Getenv("SIGHTLINE_ARCHIVER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Archiver.Interval = d
		}
	}

	// Storage configuration
	if v := os.Getenv("SIGHTLINE_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("SIGHTLINE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("SIGHTLINE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("SIGHTLINE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("SIGHTLINE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
