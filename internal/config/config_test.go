package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "ollama", cfg.Ai.LLMProvider)
	assert.Equal(t, "nomic-embed-text", cfg.Ai.EmbeddingModel)
	assert.Equal(t, 20*time.Second, cfg.Ai.WarmupTimeout)
	assert.Equal(t, 10.0, cfg.Diagnostics.ProbabilityThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.Diagnostics.IdleWait)
	assert.False(t, cfg.Telemetry.OtelEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_PORT", "9100")
	t.Setenv("DIAGNOSIS_PROBABILITY_THRESHOLD", "3.5")
	t.Setenv("LLM_WARMUP_TIMEOUT", "5s")
	t.Setenv("RAG_DEFAULT_K", "4")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := Load()

	assert.Equal(t, "9100", cfg.App.Port)
	assert.Equal(t, 3.5, cfg.Diagnostics.ProbabilityThreshold)
	assert.Equal(t, 5*time.Second, cfg.Ai.WarmupTimeout)
	assert.Equal(t, 4, cfg.Rag.DefaultK)
	assert.True(t, cfg.Telemetry.OtelEnabled)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("RAG_DEFAULT_K", "lots")
	t.Setenv("LLM_TEMPERATURE", "warm")

	cfg := Load()

	assert.Equal(t, 10, cfg.Rag.DefaultK)
	assert.Equal(t, 0.7, cfg.Ai.Temperature)
}
