package issue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jake-jlawson/dashtech/internal/communications"
	"github.com/jake-jlawson/dashtech/internal/diagnostics"
	"github.com/jake-jlawson/dashtech/internal/maintenance"
	"github.com/jake-jlawson/dashtech/internal/pkg/logger"
	"github.com/jake-jlawson/dashtech/pkg/envelope"
	"github.com/jake-jlawson/dashtech/pkg/events"
	"github.com/jake-jlawson/dashtech/pkg/rag/retriever"
)

var errClosedTransport = errors.New("transport closed")

type fakeTransport struct {
	mu         sync.Mutex
	sent       []any
	closed     bool
	closeCode  int
	closeCalls int
}

func (f *fakeTransport) SendJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errClosedTransport
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if !f.closed {
		f.closed = true
		f.closeCode = code
	}
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// envelopes returns every sent envelope of type typ.
func (f *fakeTransport) envelopes(typ string) []envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []envelope.Envelope
	for _, v := range f.sent {
		var env envelope.Envelope
		switch m := v.(type) {
		case envelope.Envelope:
			env = m
		case rejection:
			env = m.Envelope
		default:
			continue
		}
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeTransport) count(typ string) int {
	return len(f.envelopes(typ))
}

type fakeScorer struct {
	calls atomic.Int32
	run   func(ctx context.Context, call int, hyps []diagnostics.Hypothesis, log []diagnostics.Test) ([]diagnostics.Hypothesis, diagnostics.Test, error)
}

func (f *fakeScorer) Run(ctx context.Context, hyps []diagnostics.Hypothesis, log []diagnostics.Test) ([]diagnostics.Hypothesis, diagnostics.Test, error) {
	n := int(f.calls.Add(1))
	return f.run(ctx, n, hyps, log)
}

// steadyScorer never crosses the threshold and always proposes a fresh test.
func steadyScorer() *fakeScorer {
	return &fakeScorer{run: func(_ context.Context, call int, _ []diagnostics.Hypothesis, _ []diagnostics.Test) ([]diagnostics.Hypothesis, diagnostics.Test, error) {
		return []diagnostics.Hypothesis{{Label: "fuel filter", Score: 3}},
			diagnostics.Test{Name: "check_filter", Description: "look at the filter", Result: "model junk"}, nil
	}}
}

type fakeTranslator struct {
	mu     sync.Mutex
	tests  []diagnostics.Test
	talked []string
	fail   int // number of leading CommunicateTest calls that fail
}

func (f *fakeTranslator) CommunicateTest(_ context.Context, test diagnostics.Test) (envelope.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return envelope.Envelope{}, errors.New("translator down")
	}
	f.tests = append(f.tests, test)
	return envelope.New(envelope.TypeDiagnosticTest, "", envelope.SourceSystem, map[string]any{"test_id": test.ID}), nil
}

func (f *fakeTranslator) Talk(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.talked = append(f.talked, message)
	return nil
}

func (f *fakeTranslator) talks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.talked...)
}

type fakePlanner struct {
	calls atomic.Int32
}

func (f *fakePlanner) Run(_ context.Context, _ []diagnostics.Test, _ diagnostics.Hypothesis, _ []diagnostics.Test) (maintenance.Plan, []retriever.Result, error) {
	f.calls.Add(1)
	return maintenance.Plan{Tools: []any{"wrench"}, Steps: []any{"replace filter"}, Difficulty: 3}, nil, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, e.EventType())
	return nil
}

func (r *recordingPublisher) published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

var fastParams = Params{
	ProbabilityThreshold: 10,
	IdleWait:             5 * time.Millisecond,
	RetryBackoff:         5 * time.Millisecond,
}

func testDeps(scorer Scorer, tr *fakeTranslator, planner Planner, pub events.Publisher) Deps {
	deps := Deps{
		Scorer:    scorer,
		Planner:   planner,
		Publisher: pub,
		Logger:    logger.NewNopLogger(),
	}
	if tr != nil {
		deps.NewTranslator = func(string, communications.Emitter) Translator { return tr }
	}
	return deps
}
