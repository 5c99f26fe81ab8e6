package llm

import (
	"context"
	"errors"
	"sync"
)

// ErrNoScriptedReply is returned by FakeProvider once its replies run out.
var ErrNoScriptedReply = errors.New("llm: fake provider has no scripted reply left")

// FakeReply is one scripted completion.
type FakeReply struct {
	Thinking []string
	Content  []string
	Err      error
}

// FakeProvider replays scripted completions in order. It records every request so
// tests can inspect prompts and call options. Safe for concurrent use.
type FakeProvider struct {
	mu       sync.Mutex
	replies  []FakeReply
	Requests [][]Message
	Options  []Options
	Fallback *FakeReply
}

func NewFakeProvider(replies ...FakeReply) *FakeProvider {
	return &FakeProvider{replies: replies}
}

// Push appends scripted replies.
func (f *FakeProvider) Push(replies ...FakeReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, replies...)
}

func (f *FakeProvider) Name() string { return "FakeLLM" }

// Calls returns how many requests were made so far.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

func (f *FakeProvider) StreamChat(ctx context.Context, history []Message, onChunk ChunkHandler, options ...Option) error {
	f.mu.Lock()
	f.Requests = append(f.Requests, append([]Message(nil), history...))
	f.Options = append(f.Options, *ApplyOptions(options...))
	var reply FakeReply
	switch {
	case len(f.replies) > 0:
		reply = f.replies[0]
		f.replies = f.replies[1:]
	case f.Fallback != nil:
		reply = *f.Fallback
	default:
		f.mu.Unlock()
		return ErrNoScriptedReply
	}
	f.mu.Unlock()

	if reply.Err != nil {
		return reply.Err
	}
	for _, t := range reply.Thinking {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onChunk(Chunk{Thinking: t}); err != nil {
			return err
		}
	}
	for _, c := range reply.Content {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onChunk(Chunk{Content: c}); err != nil {
			return err
		}
	}
	return onChunk(Chunk{Done: true})
}
