// Package config reads the gateway configuration from the environment once
// at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the process configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int
	// APIKey is the bearer token required on authenticated routes. Empty
	// disables authentication.
	APIKey string

	// MaxConcurrent bounds simultaneously running workflows.
	MaxConcurrent int
	// StepTimeout is the default per-step deadline.
	StepTimeout time.Duration
	// TotalTimeout is the default whole-workflow deadline.
	TotalTimeout time.Duration
	// ResultTTL is how long finished workflow records are retained.
	ResultTTL time.Duration

	// RedisURL selects the Redis state backend when non-empty; otherwise
	// state is kept in memory.
	RedisURL string

	// OpenAIKey enables the OpenAI provider adapters when non-empty.
	OpenAIKey string
	// AnthropicKey enables the Anthropic provider adapters when non-empty.
	AnthropicKey string
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		APIKey:       os.Getenv("API_KEY"),
		RedisURL:     os.Getenv("REDIS_URL"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
	}
	var err error
	if cfg.Port, err = intEnv("PORT", 3000); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrent, err = intEnv("WORKFLOW_MAX_CONCURRENT", 5); err != nil {
		return nil, err
	}
	stepMS, err := intEnv("WORKFLOW_STEP_TIMEOUT_MS", 120000)
	if err != nil {
		return nil, err
	}
	totalMS, err := intEnv("WORKFLOW_TOTAL_TIMEOUT_MS", 300000)
	if err != nil {
		return nil, err
	}
	ttlSec, err := intEnv("WORKFLOW_RESULT_TTL_SECONDS", 604800)
	if err != nil {
		return nil, err
	}
	cfg.StepTimeout = time.Duration(stepMS) * time.Millisecond
	cfg.TotalTimeout = time.Duration(totalMS) * time.Millisecond
	cfg.ResultTTL = time.Duration(ttlSec) * time.Second

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PORT %d out of range", cfg.Port)
	}
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("WORKFLOW_MAX_CONCURRENT must be positive, got %d", cfg.MaxConcurrent)
	}
	if cfg.StepTimeout <= 0 || cfg.TotalTimeout <= 0 {
		return nil, fmt.Errorf("workflow timeouts must be positive")
	}
	return cfg, nil
}

func intEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}
