// Package diagnostics turns the test log into updated hypothesis scores and the
// next test to run, using a reasoning model.
package diagnostics

import (
	"context"
	"fmt"
	"strings"

	"github.com/jake-jlawson/dashtech/internal/pkg/logger"
	"github.com/jake-jlawson/dashtech/pkg/jsonutil"
	"github.com/jake-jlawson/dashtech/pkg/llm"
	"github.com/jake-jlawson/dashtech/pkg/utils"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const systemPrompt = `You are the diagnostics agent for a truck. Your job is to narrow down what is wrong with the vehicle.
You receive (a) the latest test and its result, (b) the current hypothesis scores and (c) the earlier tests.
Reply with ONLY a JSON object of this exact shape:
{
  "updated_probabilities": [{"issue": "short description of the issue", "probability": number}],
  "next_test": {
    "name": "short_name_for_the_test",
    "description": "what the test is and what the user should do",
    "rationale": "why this test matters and what it could reveal",
    "outcomes": {"type_of_outcome": "string | number | boolean | array | object", "outcome_data": "options or keys of the outcome"}
  }
}

Scoring rules:
- Update every score multiplicatively, using ONLY the latest test result.
- Factors: strong support x2.0, some support x1.2, neutral x1.0, some contradiction x0.8, strong contradiction x0.5.
- Never normalize. Scores are unnormalized and need not sum to 1.
- Change a hypothesis only by its own factor; never rescale the others.
- A newly added hypothesis starts at a score reflecting how common that fault is.
- Keep numbers in a sensible range and never use scientific notation.
- When certain of a diagnosis you may give it a score far above the rest.
- Cover every plausible fault; add hypotheses that are missing from the list.

Test rules:
- A test is a single diagnostic step. It can be a check on the vehicle or a question for the user.
- Outcomes describe the possible results: string, number, boolean, array or object. outcome_data lists options or keys when relevant.
- Choose the test that reveals the most new information for the least effort from the user.

Output rules:
- No text outside the JSON.
- Decide once and do not second-guess.`

const rawLogLimit = 2000

var tracer = otel.Tracer("dashtech/diagnostics")

type scorerReply struct {
	UpdatedProbabilities []Hypothesis `json:"updated_probabilities"`
	NextTest             *Test        `json:"next_test"`
}

// LLMAgent scores hypotheses and proposes the next test.
type LLMAgent struct {
	provider llm.LLMProvider
	logger   logger.ILogger
	opts     []llm.Option
}

func NewLLMAgent(provider llm.LLMProvider, logger logger.ILogger, opts ...llm.Option) *LLMAgent {
	return &LLMAgent{provider: provider, logger: logger, opts: opts}
}

// Run sends the latest test, the hypotheses and the earlier tests to the model and
// returns the rescored hypotheses plus the next test. Scores come back exactly as
// the model produced them. The next test always has a nil result and an id.
func (a *LLMAgent) Run(ctx context.Context, hypotheses []Hypothesis, testLog []Test) ([]Hypothesis, Test, error) {
	ctx, span := tracer.Start(ctx, "diagnostics.Run")
	defer span.End()
	span.SetAttributes(
		attribute.Int("diagnostics.hypotheses", len(hypotheses)),
		attribute.Int("diagnostics.tests", len(testLog)),
	)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: BuildUserPrompt(hypotheses, testLog)},
	}

	opts := append([]llm.Option{llm.WithThink(true)}, a.opts...)
	completion, err := llm.Collect(ctx, a.provider, messages, nil, opts...)
	if err != nil {
		span.RecordError(err)
		return nil, Test{}, fmt.Errorf("diagnostics model call: %w", err)
	}
	if completion.Thinking != "" {
		a.logger.Debug("DiagnosticsAgent", "Model reasoning", map[string]interface{}{"thinking": completion.Thinking})
	}

	var reply scorerReply
	if err := jsonutil.ParseInto(completion.Content, &reply); err != nil {
		a.logger.Warn("DiagnosticsAgent", "Unparseable model output", map[string]interface{}{"raw": utils.Truncate(completion.Content, rawLogLimit)})
		span.RecordError(err)
		return nil, Test{}, fmt.Errorf("diagnostics reply: %w", err)
	}
	if reply.UpdatedProbabilities == nil {
		return nil, Test{}, fmt.Errorf("diagnostics reply: %w: missing updated_probabilities", jsonutil.ErrParse)
	}
	if reply.NextTest == nil {
		return nil, Test{}, fmt.Errorf("diagnostics reply: %w: missing next_test", jsonutil.ErrParse)
	}

	next := *reply.NextTest
	next.Result = nil
	if strings.TrimSpace(next.ID) == "" {
		next.ID = uuid.NewString()
	}

	a.logger.Info("DiagnosticsAgent", "Hypotheses updated", map[string]interface{}{
		"hypotheses": len(reply.UpdatedProbabilities),
		"next_test":  next.Name,
	})
	return reply.UpdatedProbabilities, next, nil
}

// BuildUserPrompt renders the latest test, the hypotheses and the earlier tests as
// compact JSON. An empty log yields {} for the latest test and [] for the history.
func BuildUserPrompt(hypotheses []Hypothesis, testLog []Test) string {
	var latest any = map[string]any{}
	prior := []Test{}
	if n := len(testLog); n > 0 {
		latest = testLog[n-1]
		prior = testLog[:n-1]
	}
	if hypotheses == nil {
		hypotheses = []Hypothesis{}
	}
	return fmt.Sprintf(
		"Most recent test result: %s\nCurrent hypothesis probabilities: %s\nPrior log of all previous tests: %s\n",
		jsonutil.Compact(latest), jsonutil.Compact(hypotheses), jsonutil.Compact(prior),
	)
}
