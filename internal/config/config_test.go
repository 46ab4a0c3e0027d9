package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_PassesValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().Levels, cfg.Levels)
}

func TestLoad_FileOverridesSelectedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"retrieval":{"top_k":9},"batch":{"schedule_hour":5,"interval_hours":12}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Retrieval.TopK)
	assert.Equal(t, 5, cfg.Batch.ScheduleHour)
	assert.Equal(t, 12, cfg.Batch.IntervalHours)
	// Untouched sections keep compiled-in defaults.
	assert.Equal(t, Default().Levels, cfg.Levels)
}

func TestLoad_EnvOverridesAPIKeysAndLogLevel(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-openai")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-anthropic")
	t.Setenv("MEMORYENGINE_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-openai", cfg.Embedding.APIKey)
	assert.Equal(t, "sk-test-anthropic", cfg.LLM.APIKey)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_MalformedJSONReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_RejectsNonDecreasingThresholds(t *testing.T) {
	cfg := Default()
	cfg.Levels.Level2Threshold = cfg.Levels.Level1Threshold
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsRatiosNotSummingToOne(t *testing.T) {
	cfg := Default()
	cfg.Levels.Level1Ratio = 0.9
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveTopK(t *testing.T) {
	cfg := Default()
	cfg.Retrieval.TopK = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsBadDeleteConditionMode(t *testing.T) {
	cfg := Default()
	cfg.Archive.DeleteConditionMode = "xor"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsInvalidDecayBounds(t *testing.T) {
	cfg := Default()
	cfg.Retention.MinDecayCoefficient = 0.9
	cfg.Retention.MaxDecayCoefficient = 0.8
	assert.Error(t, cfg.Validate())
}
