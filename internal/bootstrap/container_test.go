package bootstrap

import (
	"testing"

	"github.com/jake-jlawson/dashtech/internal/config"
	"github.com/jake-jlawson/dashtech/pkg/llm"

	"github.com/stretchr/testify/assert"
)

func TestModelOptions(t *testing.T) {
	opts := llm.ApplyOptions(modelOptions(config.AIConfig{Temperature: 0.3, MaxTokens: 2048, KeepAlive: "1h"})...)

	assert.Equal(t, 0.3, opts.Temperature)
	assert.Equal(t, 2048, opts.MaxTokens)
	assert.Equal(t, "1h", opts.KeepAlive)
	assert.True(t, opts.Think)
}
