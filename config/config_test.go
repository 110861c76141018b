package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Port)
	assert.Empty(t, cfg.APIKey)
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.Equal(t, 2*time.Minute, cfg.StepTimeout)
	assert.Equal(t, 5*time.Minute, cfg.TotalTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.ResultTTL)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("API_KEY", "secret")
	t.Setenv("WORKFLOW_MAX_CONCURRENT", "2")
	t.Setenv("WORKFLOW_STEP_TIMEOUT_MS", "5000")
	t.Setenv("WORKFLOW_TOTAL_TIMEOUT_MS", "30000")
	t.Setenv("WORKFLOW_RESULT_TTL_SECONDS", "60")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.Equal(t, 5*time.Second, cfg.StepTimeout)
	assert.Equal(t, 30*time.Second, cfg.TotalTimeout)
	assert.Equal(t, time.Minute, cfg.ResultTTL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "sk-test", cfg.OpenAIKey)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PORT", "nope")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("PORT", "99999")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("PORT", "3000")
	t.Setenv("WORKFLOW_MAX_CONCURRENT", "0")
	_, err = Load()
	require.Error(t, err)
}
