// Package communications phrases diagnostic tests for the user and relays
// free-form messages to the client.
package communications

import (
	"context"
	"fmt"

	"github.com/jake-jlawson/dashtech/internal/diagnostics"
	"github.com/jake-jlawson/dashtech/internal/pkg/logger"
	"github.com/jake-jlawson/dashtech/pkg/envelope"
	"github.com/jake-jlawson/dashtech/pkg/jsonutil"
	"github.com/jake-jlawson/dashtech/pkg/llm"
	"github.com/jake-jlawson/dashtech/pkg/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const basePrompt = `Reasoning level: Medium
You sit between a human user and a vehicle diagnostics system. You receive messages going system -> user or user -> system and answer accordingly.`

const testPrompt = `System -> User
You receive a test the user must carry out on their vehicle. It may have several steps or be a single question.
Present it so it is easy to understand and follow. Your output also drives how the test is shown in the UI.
Reply with ONLY a JSON object of this shape:
{
  "test_text": "opening message for the test",
  "test_instructions": [{"step_number": "1", "step_text": "what to do"}],
  "test_result_field_label": "label of the input the user fills in",
  "test_result_field_type": "text | number | boolean | array",
  "test_result_field_options": ["option_1", "option_2"],
  "safety_and_warnings": ["hazards the user must know about"]
}
Every field is optional; leave out what the test does not need. Write each field as it would read on screen.
- test_instructions: the steps to follow, or [] when the test is a single question.
- test_result_field_label: the question itself, or the name of the value to record (e.g. 'Tire Pressure').
- test_result_field_options: only when the field type is 'array'.`

const rawLogLimit = 2000

var tracer = otel.Tracer("dashtech/communications")

// Emitter delivers an outbound envelope to whatever transport the issue has.
type Emitter func(ctx context.Context, env envelope.Envelope) error

// Agent renders tests for one issue.
type Agent struct {
	provider llm.LLMProvider
	logger   logger.ILogger
	issueID  string
	emit     Emitter
	opts     []llm.Option
}

// NewAgent builds the translator for one issue. opts are applied to every model call.
func NewAgent(provider llm.LLMProvider, logger logger.ILogger, issueID string, emit Emitter, opts ...llm.Option) *Agent {
	return &Agent{provider: provider, logger: logger, issueID: issueID, emit: emit, opts: opts}
}

// CommunicateTest asks the model how to present test and returns the resulting
// diagnostics.test envelope. Reasoning is forwarded as llm.thinking envelopes on a
// best-effort basis.
func (a *Agent) CommunicateTest(ctx context.Context, test diagnostics.Test) (envelope.Envelope, error) {
	ctx, span := tracer.Start(ctx, "communications.CommunicateTest")
	defer span.End()
	span.SetAttributes(attribute.String("issue.id", a.issueID), attribute.String("test.id", test.ID))

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: basePrompt + "\n" + testPrompt},
		{Role: llm.RoleUser, Content: "Test: " + jsonutil.Compact(test) + "\n"},
	}

	completion, err := llm.Collect(ctx, a.provider, messages, func(c llm.Chunk) error {
		if c.Thinking != "" {
			a.forwardThinking(ctx, c.Thinking)
		}
		return nil
	}, append([]llm.Option{llm.WithThink(true)}, a.opts...)...)
	if err != nil {
		span.RecordError(err)
		return envelope.Envelope{}, fmt.Errorf("communications model call: %w", err)
	}

	parsed, err := jsonutil.ParseObject(completion.Content)
	if err != nil {
		a.logger.Warn("CommunicationsAgent", "Unparseable model output", map[string]interface{}{"raw": utils.Truncate(completion.Content, rawLogLimit)})
		span.RecordError(err)
		return envelope.Envelope{}, fmt.Errorf("communications reply: %w", err)
	}

	payload := make(map[string]any, len(parsed)+2)
	for k, v := range parsed {
		payload[k] = v
	}
	// the test's own identity wins over anything the model echoed back
	payload["test_id"] = test.ID
	payload["test_rationale"] = test.Rationale
	return envelope.New(envelope.TypeDiagnosticTest, a.issueID, envelope.SourceSystem, payload), nil
}

// Talk sends a plain message to the user.
func (a *Agent) Talk(ctx context.Context, message string) error {
	if a.emit == nil {
		return nil
	}
	env := envelope.New(envelope.TypeCommunicationsTalk, a.issueID, envelope.SourceSystem, map[string]any{"message": message})
	if err := a.emit(ctx, env); err != nil {
		return fmt.Errorf("communications talk: %w", err)
	}
	return nil
}

func (a *Agent) forwardThinking(ctx context.Context, text string) {
	if a.emit == nil {
		return
	}
	env := envelope.New(envelope.TypeLLMThinking, a.issueID, envelope.SourceSystem, map[string]any{
		"agent": "communications",
		"text":  text,
	})
	if err := a.emit(ctx, env); err != nil {
		a.logger.Debug("CommunicationsAgent", "Dropped thinking chunk", map[string]interface{}{"error": err.Error()})
	}
}
