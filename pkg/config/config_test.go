package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 16, cfg.Scheduler.Ceiling)
	assert.Equal(t, 2, cfg.Scheduler.Retries)
	assert.InDelta(t, 0.93, cfg.Similarity.ConfidenceThreshold, 1e-9)
	assert.InDelta(t, 0.85, cfg.Similarity.PrefilterThreshold, 1e-9)
	assert.Equal(t, 2, cfg.Similarity.MinGroupSize)
	assert.True(t, cfg.Compaction.Enabled)
	assert.False(t, cfg.Ingest.Enabled)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MUNINNDB_SCHEDULER_CEILING", "4")
	t.Setenv("MUNINNDB_CONFIDENCE_THRESHOLD", "0.9")
	t.Setenv("MUNINNDB_COMPACTION_INTERVAL", "5m")
	t.Setenv("MUNINNDB_SYNC_WRITES", "true")
	t.Setenv("MUNINNDB_GATEWAY_URL", "http://gateway:8080")

	cfg := LoadFromEnv()
	assert.Equal(t, 4, cfg.Scheduler.Ceiling)
	assert.InDelta(t, 0.9, cfg.Similarity.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 5*time.Minute, cfg.Compaction.Interval)
	assert.True(t, cfg.Database.SyncWrites)
	assert.Equal(t, "http://gateway:8080", cfg.Gateway.URL)
}

func TestLoadFromFile(t *testing.T) {
	t.Run("yaml_overrides_defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "muninndb.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  ceiling: 8
similarity:
  confidence_threshold: 0.95
gateway:
  chat_model: llama3.1
`), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Scheduler.Ceiling)
		assert.InDelta(t, 0.95, cfg.Similarity.ConfidenceThreshold, 1e-9)
		assert.Equal(t, "llama3.1", cfg.Gateway.ChatModel)
		// Untouched sections keep their defaults.
		assert.Equal(t, 2, cfg.Scheduler.Retries)
	})

	t.Run("env_wins_over_yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "muninndb.yaml")
		require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  ceiling: 8\n"), 0o644))
		t.Setenv("MUNINNDB_SCHEDULER_CEILING", "32")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 32, cfg.Scheduler.Ceiling)
	})

	t.Run("missing_file_fails", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("empty_path_uses_defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 16, cfg.Scheduler.Ceiling)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero_ceiling", func(c *Config) { c.Scheduler.Ceiling = 0 }},
		{"negative_retries", func(c *Config) { c.Scheduler.Retries = -1 }},
		{"confidence_above_one", func(c *Config) { c.Similarity.ConfidenceThreshold = 1.0 }},
		{"confidence_zero", func(c *Config) { c.Similarity.ConfidenceThreshold = 0 }},
		{"prefilter_above_one", func(c *Config) { c.Similarity.PrefilterThreshold = 1.5 }},
		{"group_size_below_two", func(c *Config) { c.Similarity.MinGroupSize = 1 }},
		{"zero_weights", func(c *Config) { c.Similarity.QuestionWeight = 0; c.Similarity.AnswerWeight = 0 }},
		{"zero_dimensions", func(c *Config) { c.Gateway.Dimensions = 0 }},
		{"zero_gleaning_rounds", func(c *Config) { c.Gleaning.MaxRounds = 0 }},
		{"zero_compaction_interval", func(c *Config) { c.Compaction.Enabled = true; c.Compaction.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("zero_interval_allowed_when_disabled", func(t *testing.T) {
		cfg := Default()
		cfg.Compaction.Enabled = false
		cfg.Compaction.Interval = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestString(t *testing.T) {
	cfg := Default()
	cfg.Gateway.APIKey = "super-secret"
	assert.NotContains(t, cfg.String(), "super-secret")
}
