package main

import (
	"testing"

	"github.com/joeycumines/orchestrator/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ORCH_MAX_CONCURRENCY", "12")
	t.Setenv("ORCH_TASK_TIMEOUT", "7.5")
	t.Setenv("ORCH_LOG_LEVEL", "debug")

	cfg := config.Default()
	applyEnvOverrides(&cfg)

	assert.Equal(t, 12, cfg.MaxConcurrency)
	assert.Equal(t, 7.5, cfg.TaskTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestApplyEnvOverridesIgnoresMalformedValues(t *testing.T) {
	t.Setenv("ORCH_MAX_CONCURRENCY", "not-a-number")

	cfg := config.Default()
	applyEnvOverrides(&cfg)

	assert.Equal(t, config.Default().MaxConcurrency, cfg.MaxConcurrency)
}
