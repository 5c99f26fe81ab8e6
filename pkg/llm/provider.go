package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrConnectivity marks failures to reach the model service at all (as opposed to
// a model answer that turned out to be unusable).
var ErrConnectivity = errors.New("llm: model service unreachable")

// Message represents a chat message in a provider-agnostic format
type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Chunk is one increment of a streamed completion. Thinking carries reasoning
// tokens, Content carries final-answer tokens; either may be empty.
type Chunk struct {
	Thinking string
	Content  string
	Done     bool
}

// ChunkHandler receives chunks in order. Returning an error aborts the stream.
type ChunkHandler func(Chunk) error

// Option allows for optional parameters like Temperature, MaxTokens, etc.
type Option func(*Options)

type Options struct {
	Temperature float64
	MaxTokens   int
	Model       string // Override default model
	Think       bool
	KeepAlive   string
}

func WithTemperature(temp float64) Option {
	return func(o *Options) {
		o.Temperature = temp
	}
}

func WithModel(model string) Option {
	return func(o *Options) {
		o.Model = model
	}
}

func WithMaxTokens(n int) Option {
	return func(o *Options) {
		o.MaxTokens = n
	}
}

// WithThink turns the model's reasoning stream on or off.
func WithThink(think bool) Option {
	return func(o *Options) {
		o.Think = think
	}
}

func WithKeepAlive(keepAlive string) Option {
	return func(o *Options) {
		o.KeepAlive = keepAlive
	}
}

// ApplyOptions folds opts over the defaults.
func ApplyOptions(opts ...Option) *Options {
	options := &Options{
		Temperature: 0.7,
		Think:       true,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// LLMProvider defines the contract for any LLM backend
type LLMProvider interface {
	// StreamChat sends a chat history and delivers the completion chunk by chunk.
	StreamChat(ctx context.Context, history []Message, onChunk ChunkHandler, options ...Option) error

	// Name identifies the backend and model in logs.
	Name() string
}

// Completion is the result of Collect: reasoning and answer text kept apart.
type Completion struct {
	Thinking string
	Content  string
}

// Collect runs a streamed chat, forwarding every chunk to onChunk (may be nil) and
// buffering the answer tokens separately from the reasoning tokens.
func Collect(ctx context.Context, p LLMProvider, history []Message, onChunk ChunkHandler, opts ...Option) (Completion, error) {
	var thinking, content strings.Builder
	err := p.StreamChat(ctx, history, func(c Chunk) error {
		thinking.WriteString(c.Thinking)
		content.WriteString(c.Content)
		if onChunk != nil {
			return onChunk(c)
		}
		return nil
	}, opts...)
	if err != nil {
		return Completion{}, err
	}
	return Completion{Thinking: thinking.String(), Content: content.String()}, nil
}

// Warmup sends a tiny prompt with reasoning disabled so the backend loads the model.
func Warmup(ctx context.Context, p LLMProvider, keepAlive string) error {
	_, err := Collect(ctx, p, []Message{{Role: RoleUser, Content: "ping"}}, nil,
		WithThink(false), WithKeepAlive(keepAlive))
	return err
}
