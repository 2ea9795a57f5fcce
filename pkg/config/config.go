// Package config handles MuninnDB configuration via environment
// variables and an optional YAML file.
//
// Precedence, lowest to highest: built-in defaults, the YAML file,
// environment variables prefixed with MUNINNDB_. This keeps container
// deployments (env-driven) and local development (file-driven) on the
// same code path.
//
// Example Usage:
//
//	cfg, err := config.Load("muninndb.yaml")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	fmt.Printf("Starting with %s\n", cfg)
//
// Environment Variables:
//   - MUNINNDB_DATA_DIR="./data"
//   - MUNINNDB_GATEWAY_URL="http://localhost:11434"
//   - MUNINNDB_GATEWAY_API_KEY="..."
//   - MUNINNDB_EMBED_MODEL="mxbai-embed-large"
//   - MUNINNDB_CHAT_MODEL="qwen2.5-7b-instruct"
//   - MUNINNDB_EMBED_DIMENSIONS=1024
//   - MUNINNDB_SCHEDULER_CEILING=16
//   - MUNINNDB_SCHEDULER_RETRIES=2
//   - MUNINNDB_CONFIDENCE_THRESHOLD=0.93
//   - MUNINNDB_PREFILTER_THRESHOLD=0.85
//   - MUNINNDB_COMPACTION_INTERVAL=10m
//   - MUNINNDB_NATS_URL="nats://localhost:4222"
//
// For the complete list, see the Config struct field documentation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all MuninnDB configuration.
type Config struct {
	// Database settings
	Database DatabaseConfig `yaml:"database"`

	// Gateway settings for the embedding/judgement/merge service
	Gateway GatewayConfig `yaml:"gateway"`

	// Scheduler settings for outbound call concurrency
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Similarity settings for duplicate detection
	Similarity SimilarityConfig `yaml:"similarity"`

	// Compaction settings for the background cycle
	Compaction CompactionConfig `yaml:"compaction"`

	// Gleaning settings for answer refinement
	Gleaning GleaningConfig `yaml:"gleaning"`

	// Ingest settings for the NATS subscriber
	Ingest IngestConfig `yaml:"ingest"`

	// Metrics settings for the Prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics"`
}

// DatabaseConfig holds durability settings.
type DatabaseConfig struct {
	DataDir    string `yaml:"data_dir"`    // MUNINNDB_DATA_DIR (default: ./data)
	SyncWrites bool   `yaml:"sync_writes"` // MUNINNDB_SYNC_WRITES (default: false)
}

// GatewayConfig holds inference service settings.
type GatewayConfig struct {
	URL        string        `yaml:"url"`         // MUNINNDB_GATEWAY_URL (default: http://localhost:11434)
	APIKey     string        `yaml:"api_key"`     // MUNINNDB_GATEWAY_API_KEY
	EmbedModel string        `yaml:"embed_model"` // MUNINNDB_EMBED_MODEL (default: mxbai-embed-large)
	ChatModel  string        `yaml:"chat_model"`  // MUNINNDB_CHAT_MODEL (default: qwen2.5-7b-instruct)
	Dimensions int           `yaml:"dimensions"`  // MUNINNDB_EMBED_DIMENSIONS (default: 1024)
	Timeout    time.Duration `yaml:"timeout"`     // MUNINNDB_GATEWAY_TIMEOUT (default: 60s)
}

// SchedulerConfig holds outbound concurrency settings.
type SchedulerConfig struct {
	Ceiling      int           `yaml:"ceiling"`       // MUNINNDB_SCHEDULER_CEILING (default: 16)
	Retries      int           `yaml:"retries"`       // MUNINNDB_SCHEDULER_RETRIES (default: 2)
	RetryBackoff time.Duration `yaml:"retry_backoff"` // MUNINNDB_SCHEDULER_RETRY_BACKOFF (default: 500ms)
	RatePerSec   float64       `yaml:"rate_per_sec"`  // MUNINNDB_SCHEDULER_RATE (default: 0, disabled)
}

// SimilarityConfig holds duplicate detection settings.
type SimilarityConfig struct {
	PrefilterThreshold  float64 `yaml:"prefilter_threshold"`  // MUNINNDB_PREFILTER_THRESHOLD (default: 0.85)
	ConfidenceThreshold float64 `yaml:"confidence_threshold"` // MUNINNDB_CONFIDENCE_THRESHOLD (default: 0.93)
	MinGroupSize        int     `yaml:"min_group_size"`       // MUNINNDB_MIN_GROUP_SIZE (default: 2)
	QuestionWeight      float64 `yaml:"question_weight"`      // MUNINNDB_QUESTION_WEIGHT (default: 0.6)
	AnswerWeight        float64 `yaml:"answer_weight"`        // MUNINNDB_ANSWER_WEIGHT (default: 0.4)
}

// CompactionConfig holds background cycle settings.
type CompactionConfig struct {
	Enabled    bool          `yaml:"enabled"`     // MUNINNDB_COMPACTION_ENABLED (default: true)
	Interval   time.Duration `yaml:"interval"`    // MUNINNDB_COMPACTION_INTERVAL (default: 10m)
	MinRecords int           `yaml:"min_records"` // MUNINNDB_COMPACTION_MIN_RECORDS (default: 10)
}

// GleaningConfig holds answer refinement settings.
type GleaningConfig struct {
	Enabled   bool `yaml:"enabled"`    // MUNINNDB_GLEANING_ENABLED (default: false)
	MaxRounds int  `yaml:"max_rounds"` // MUNINNDB_GLEANING_MAX_ROUNDS (default: 3)
}

// IngestConfig holds NATS subscriber settings.
type IngestConfig struct {
	Enabled bool   `yaml:"enabled"` // MUNINNDB_NATS_ENABLED (default: false)
	URL     string `yaml:"url"`     // MUNINNDB_NATS_URL (default: nats://localhost:4222)
	Subject string `yaml:"subject"` // MUNINNDB_NATS_SUBJECT (default: muninn.records)
	Queue   string `yaml:"queue"`   // MUNINNDB_NATS_QUEUE (default: muninndb)
}

// MetricsConfig holds Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // MUNINNDB_METRICS_ENABLED (default: true)
	Addr    string `yaml:"addr"`    // MUNINNDB_METRICS_ADDR (default: :9094)
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			DataDir: "./data",
		},
		Gateway: GatewayConfig{
			URL:        "http://localhost:11434",
			EmbedModel: "mxbai-embed-large",
			ChatModel:  "qwen2.5-7b-instruct",
			Dimensions: 1024,
			Timeout:    60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Ceiling:      16,
			Retries:      2,
			RetryBackoff: 500 * time.Millisecond,
		},
		Similarity: SimilarityConfig{
			PrefilterThreshold:  0.85,
			ConfidenceThreshold: 0.93,
			MinGroupSize:        2,
			QuestionWeight:      0.6,
			AnswerWeight:        0.4,
		},
		Compaction: CompactionConfig{
			Enabled:    true,
			Interval:   10 * time.Minute,
			MinRecords: 10,
		},
		Gleaning: GleaningConfig{
			MaxRounds: 3,
		},
		Ingest: IngestConfig{
			URL:     "nats://localhost:4222",
			Subject: "muninn.records",
			Queue:   "muninndb",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9094",
		},
	}
}

// LoadFromEnv returns defaults overridden by environment variables.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// Load reads path as YAML over the defaults, then applies environment
// overrides. An empty path skips the file. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.DataDir = getEnv("MUNINNDB_DATA_DIR", c.Database.DataDir)
	c.Database.SyncWrites = getEnvBool("MUNINNDB_SYNC_WRITES", c.Database.SyncWrites)

	c.Gateway.URL = getEnv("MUNINNDB_GATEWAY_URL", c.Gateway.URL)
	c.Gateway.APIKey = getEnv("MUNINNDB_GATEWAY_API_KEY", c.Gateway.APIKey)
	c.Gateway.EmbedModel = getEnv("MUNINNDB_EMBED_MODEL", c.Gateway.EmbedModel)
	c.Gateway.ChatModel = getEnv("MUNINNDB_CHAT_MODEL", c.Gateway.ChatModel)
	c.Gateway.Dimensions = getEnvInt("MUNINNDB_EMBED_DIMENSIONS", c.Gateway.Dimensions)
	c.Gateway.Timeout = getEnvDuration("MUNINNDB_GATEWAY_TIMEOUT", c.Gateway.Timeout)

	c.Scheduler.Ceiling = getEnvInt("MUNINNDB_SCHEDULER_CEILING", c.Scheduler.Ceiling)
	c.Scheduler.Retries = getEnvInt("MUNINNDB_SCHEDULER_RETRIES", c.Scheduler.Retries)
	c.Scheduler.RetryBackoff = getEnvDuration("MUNINNDB_SCHEDULER_RETRY_BACKOFF", c.Scheduler.RetryBackoff)
	c.Scheduler.RatePerSec = getEnvFloat("MUNINNDB_SCHEDULER_RATE", c.Scheduler.RatePerSec)

	c.Similarity.PrefilterThreshold = getEnvFloat("MUNINNDB_PREFILTER_THRESHOLD", c.Similarity.PrefilterThreshold)
	c.Similarity.ConfidenceThreshold = getEnvFloat("MUNINNDB_CONFIDENCE_THRESHOLD", c.Similarity.ConfidenceThreshold)
	c.Similarity.MinGroupSize = getEnvInt("MUNINNDB_MIN_GROUP_SIZE", c.Similarity.MinGroupSize)
	c.Similarity.QuestionWeight = getEnvFloat("MUNINNDB_QUESTION_WEIGHT", c.Similarity.QuestionWeight)
	c.Similarity.AnswerWeight = getEnvFloat("MUNINNDB_ANSWER_WEIGHT", c.Similarity.AnswerWeight)

	c.Compaction.Enabled = getEnvBool("MUNINNDB_COMPACTION_ENABLED", c.Compaction.Enabled)
	c.Compaction.Interval = getEnvDuration("MUNINNDB_COMPACTION_INTERVAL", c.Compaction.Interval)
	c.Compaction.MinRecords = getEnvInt("MUNINNDB_COMPACTION_MIN_RECORDS", c.Compaction.MinRecords)

	c.Gleaning.Enabled = getEnvBool("MUNINNDB_GLEANING_ENABLED", c.Gleaning.Enabled)
	c.Gleaning.MaxRounds = getEnvInt("MUNINNDB_GLEANING_MAX_ROUNDS", c.Gleaning.MaxRounds)

	c.Ingest.Enabled = getEnvBool("MUNINNDB_NATS_ENABLED", c.Ingest.Enabled)
	c.Ingest.URL = getEnv("MUNINNDB_NATS_URL", c.Ingest.URL)
	c.Ingest.Subject = getEnv("MUNINNDB_NATS_SUBJECT", c.Ingest.Subject)
	c.Ingest.Queue = getEnv("MUNINNDB_NATS_QUEUE", c.Ingest.Queue)

	c.Metrics.Enabled = getEnvBool("MUNINNDB_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Addr = getEnv("MUNINNDB_METRICS_ADDR", c.Metrics.Addr)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Scheduler.Ceiling < 1 {
		return fmt.Errorf("scheduler ceiling must be >= 1, got %d", c.Scheduler.Ceiling)
	}
	if c.Scheduler.Retries < 0 {
		return fmt.Errorf("scheduler retries must be >= 0, got %d", c.Scheduler.Retries)
	}
	if t := c.Similarity.PrefilterThreshold; t <= 0 || t >= 1 {
		return fmt.Errorf("prefilter threshold must be in (0,1), got %v", t)
	}
	if t := c.Similarity.ConfidenceThreshold; t <= 0 || t >= 1 {
		return fmt.Errorf("confidence threshold must be in (0,1), got %v", t)
	}
	if c.Similarity.MinGroupSize < 2 {
		return fmt.Errorf("min group size must be >= 2, got %d", c.Similarity.MinGroupSize)
	}
	if c.Similarity.QuestionWeight+c.Similarity.AnswerWeight <= 0 {
		return fmt.Errorf("embedding weights must sum to a positive value")
	}
	if c.Gateway.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be > 0, got %d", c.Gateway.Dimensions)
	}
	if c.Gleaning.MaxRounds < 1 {
		return fmt.Errorf("gleaning max rounds must be >= 1, got %d", c.Gleaning.MaxRounds)
	}
	if c.Compaction.Enabled && c.Compaction.Interval <= 0 {
		return fmt.Errorf("compaction interval must be > 0, got %v", c.Compaction.Interval)
	}
	return nil
}

// String returns a safe representation of the Config. The API key is
// not included, making this safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Gateway: %s, EmbedModel: %s, ChatModel: %s, Ceiling: %d, Confidence: %v, DataDir: %s}",
		c.Gateway.URL, c.Gateway.EmbedModel, c.Gateway.ChatModel,
		c.Scheduler.Ceiling, c.Similarity.ConfidenceThreshold, c.Database.DataDir,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
