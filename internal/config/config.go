// Package config handles configuration loading for aegis-correlate.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"aegis-correlate/internal/archive"
	"aegis-correlate/internal/correlation"
	"aegis-correlate/internal/dedup"
	"aegis-correlate/internal/kafka"
	"aegis-correlate/internal/store"
)

// Config holds the complete application configuration.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Validation  ValidationConfig  `yaml:"validation"`
	Store       store.BoltConfig  `yaml:"store"`
	Kafka       *kafka.Config     `yaml:"kafka"`
	DedupCache  DedupCacheConfig  `yaml:"dedup_cache"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Export      ExportConfig      `yaml:"export"`
}

// CorrelationConfig holds the engine tuning knobs.
type CorrelationConfig struct {
	Workers            int           `yaml:"workers"`
	ShardBuffer        int           `yaml:"shard_buffer"`
	StoreTimeout       time.Duration `yaml:"store_timeout"`
	DedupWindowSeconds int           `yaml:"dedup_window_seconds"`
	DecayFactor        float64       `yaml:"decay_factor"`
	ThresholdProbable  float64       `yaml:"threshold_probable"`
	ThresholdConfirmed float64       `yaml:"threshold_confirmed"`
	WeightsFile        string        `yaml:"weights_file"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

// DedupWindow returns the dedup window as a duration.
func (c CorrelationConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

// EngineConfig converts to the engine's own configuration type.
func (c CorrelationConfig) EngineConfig() correlation.Config {
	return correlation.Config{
		Workers:      c.Workers,
		ShardBuffer:  c.ShardBuffer,
		StoreTimeout: c.StoreTimeout,
		DecayFactor:  c.DecayFactor,
		Thresholds: correlation.Thresholds{
			Probable:  c.ThresholdProbable,
			Confirmed: c.ThresholdConfirmed,
		},
	}
}

// ValidationConfig holds signal validation settings.
type ValidationConfig struct {
	MaxSignalAge time.Duration `yaml:"max_signal_age"`
	MaxFuture    time.Duration `yaml:"max_future"`
}

// DedupCacheConfig holds the optional Redis dedup index settings.
type DedupCacheConfig struct {
	Enabled bool         `yaml:"enabled"`
	Redis   dedup.Config `yaml:"redis"`
}

// ArchiveConfig holds the ClickHouse read model settings.
type ArchiveConfig struct {
	Enabled    bool                     `yaml:"enabled"`
	ClickHouse archive.ClickHouseConfig `yaml:"clickhouse"`
	Writer     archive.WriterConfig     `yaml:"writer"`
}

// ExportConfig holds the S3 confirmed-incident export settings.
type ExportConfig struct {
	Enabled bool                  `yaml:"enabled"`
	S3      *archive.ExportConfig `yaml:"s3"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Correlation: CorrelationConfig{
			Workers:            4,
			ShardBuffer:        4096,
			StoreTimeout:       10 * time.Second,
			DedupWindowSeconds: 3600,
			DecayFactor:        0.10,
			ThresholdProbable:  30,
			ThresholdConfirmed: 70,
			SweepInterval:      5 * time.Minute,
		},
		Validation: ValidationConfig{
			MaxSignalAge: 7 * 24 * time.Hour,
			MaxFuture:    5 * time.Minute,
		},
		Store:      store.DefaultBoltConfig(),
		Kafka:      kafka.DefaultConfig(),
		DedupCache: DedupCacheConfig{Redis: dedup.DefaultConfig()},
		Archive: ArchiveConfig{
			ClickHouse: archive.DefaultClickHouseConfig(),
			Writer:     archive.DefaultWriterConfig(),
		},
		Export: ExportConfig{S3: archive.DefaultExportConfig()},
	}
}

// Load loads configuration from a file or returns defaults. The file path
// comes from AEGIS_CONFIG_PATH, falling back to configs/config.yaml.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("AEGIS_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Environment
// wins over the file for the tunables operators most often pin per
// deployment.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("AEGIS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if v := os.Getenv("DEDUP_TIME_WINDOW_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Correlation.DedupWindowSeconds = secs
		}
	}
	if v := os.Getenv("CONFIDENCE_THRESHOLD_PROBABLE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Correlation.ThresholdProbable = f
		}
	}
	if v := os.Getenv("CONFIDENCE_THRESHOLD_CONFIRMED"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Correlation.ThresholdConfirmed = f
		}
	}
	if v := os.Getenv("CONTRADICTION_DECAY_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Correlation.DecayFactor = f
		}
	}
	if v := os.Getenv("AEGIS_WEIGHTS_FILE"); v != "" {
		c.Correlation.WeightsFile = v
	}
	if v := os.Getenv("AEGIS_STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Archive.ClickHouse.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Archive.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Archive.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Archive.ClickHouse.Password = pass
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.DedupCache.Redis.Addr = addr
		c.DedupCache.Enabled = true
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.DedupCache.Redis.Password = pass
	}

	if bucket := os.Getenv("AEGIS_EXPORT_BUCKET"); bucket != "" {
		c.Export.S3.Bucket = bucket
		c.Export.Enabled = true
	}
}

// Validate checks the configuration for coherence.
func (c *Config) Validate() error {
	if err := c.Correlation.EngineConfig().Validate(); err != nil {
		return err
	}
	if c.Correlation.DedupWindowSeconds <= 0 {
		return fmt.Errorf("config: dedup window must be positive")
	}
	if c.Correlation.SweepInterval <= 0 {
		return fmt.Errorf("config: sweep interval must be positive")
	}
	if c.Validation.MaxSignalAge <= 0 || c.Validation.MaxFuture <= 0 {
		return fmt.Errorf("config: validation bounds must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("config: store path is required")
	}
	if c.Kafka != nil {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}
	if c.Export.Enabled {
		if err := c.Export.S3.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LogLevel parses the configured log level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
