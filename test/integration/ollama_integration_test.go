package integration

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jake-jlawson/dashtech/pkg/llm"
	"github.com/jake-jlawson/dashtech/pkg/llm/ollama"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set OLLAMA_INTEGRATION=1 to run against a local Ollama.
func ollamaProvider(t *testing.T) *ollama.OllamaProvider {
	t.Helper()
	if os.Getenv("OLLAMA_INTEGRATION") != "1" {
		t.Skip("OLLAMA_INTEGRATION not set")
	}
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	model := os.Getenv("LLM_MODEL")
	if model == "" {
		model = "gpt-oss:20b"
	}
	return ollama.NewOllamaProvider(baseURL, model, "5m")
}

func TestOllamaWarmup(t *testing.T) {
	p := ollamaProvider(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	require.NoError(t, llm.Warmup(ctx, p, "5m"))
	t.Logf("✅ %s is warm", p.Name())
}

func TestOllamaStreamsAnswer(t *testing.T) {
	p := ollamaProvider(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	chunks := 0
	completion, err := llm.Collect(ctx, p, []llm.Message{
		{Role: llm.RoleUser, Content: "Reply with the single word: ready"},
	}, func(llm.Chunk) error {
		chunks++
		return nil
	}, llm.WithThink(false), llm.WithTemperature(0))
	require.NoError(t, err)

	assert.Greater(t, chunks, 0)
	assert.Contains(t, strings.ToLower(completion.Content), "ready")
}
