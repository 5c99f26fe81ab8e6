package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jake-jlawson/dashtech/internal/pkg/logger"
	"github.com/jake-jlawson/dashtech/pkg/jsonutil"
	"github.com/jake-jlawson/dashtech/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scorerAnswer = "```json\n" + `{
  "updated_probabilities": [
    {"issue": "fuel filter clogged", "probability": 20},
    {"issue": "injector fault", "probability": 5}
  ],
  "next_test": {
    "name": "check_filter",
    "description": "Inspect the fuel filter bowl for water",
    "rationale": "water points at the filter",
    "outcomes": {"type_of_outcome": "boolean"},
    "result": "already done"
  }
}` + "\n```"

func TestRunTrustsModelScores(t *testing.T) {
	fake := llm.NewFakeProvider(llm.FakeReply{
		Thinking: []string{"filter ", "looks likely"},
		Content:  []string{scorerAnswer[:40], scorerAnswer[40:]},
	})
	agent := NewLLMAgent(fake, logger.NewNopLogger())

	hyps := []Hypothesis{{Label: "fuel filter clogged", Score: 10}, {Label: "injector fault", Score: 5}}
	log := []Test{{ID: "t1", Name: "describe", Description: "What happened?", Result: "engine stalls under load"}}

	updated, next, err := agent.Run(context.Background(), hyps, log)
	require.NoError(t, err)

	assert.Equal(t, []Hypothesis{{Label: "fuel filter clogged", Score: 20}, {Label: "injector fault", Score: 5}}, updated)
	assert.Equal(t, "check_filter", next.Name)
	assert.Nil(t, next.Result)
	assert.NotEmpty(t, next.ID)
	assert.Equal(t, map[string]any{"type_of_outcome": "boolean"}, next.Outcomes)
	// input untouched
	assert.Equal(t, 10.0, hyps[0].Score)
}

func TestRunSplitsLatestFromHistory(t *testing.T) {
	fake := llm.NewFakeProvider(llm.FakeReply{Content: []string{scorerAnswer}})
	agent := NewLLMAgent(fake, logger.NewNopLogger())

	log := []Test{
		{ID: "t1", Name: "first", Result: "a"},
		{ID: "t2", Name: "second", Result: "b"},
		{ID: "t3", Name: "third", Result: "c"},
	}
	_, _, err := agent.Run(context.Background(), nil, log)
	require.NoError(t, err)

	require.Len(t, fake.Requests, 1)
	msgs := fake.Requests[0]
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "updated_probabilities")

	user := msgs[1].Content
	lines := strings.Split(strings.TrimSpace(user), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "Most recent test result: "))
	assert.Contains(t, lines[0], `"id":"t3"`)
	assert.NotContains(t, lines[0], `"id":"t1"`)
	assert.Equal(t, "Current hypothesis probabilities: []", lines[1])

	var prior []Test
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "Prior log of all previous tests: ")), &prior))
	require.Len(t, prior, 2)
	assert.Equal(t, "t1", prior[0].ID)
	assert.Equal(t, "t2", prior[1].ID)
}

func TestBuildUserPromptEmptyLog(t *testing.T) {
	prompt := BuildUserPrompt(nil, nil)
	assert.Contains(t, prompt, "Most recent test result: {}\n")
	assert.Contains(t, prompt, "Prior log of all previous tests: []\n")
}

func TestRunKeepsModelTestID(t *testing.T) {
	fake := llm.NewFakeProvider(llm.FakeReply{Content: []string{
		`{"updated_probabilities": [], "next_test": {"id": "abc", "name": "n"}}`,
	}})
	_, next, err := NewLLMAgent(fake, logger.NewNopLogger()).Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", next.ID)
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name  string
		reply llm.FakeReply
		want  error
	}{
		{"prose only", llm.FakeReply{Content: []string{"I think it is the filter."}}, jsonutil.ErrParse},
		{"missing probabilities", llm.FakeReply{Content: []string{`{"next_test": {"name": "x"}}`}}, jsonutil.ErrParse},
		{"missing next test", llm.FakeReply{Content: []string{`{"updated_probabilities": []}`}}, jsonutil.ErrParse},
		{"model unreachable", llm.FakeReply{Err: llm.ErrConnectivity}, llm.ErrConnectivity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := NewLLMAgent(llm.NewFakeProvider(tt.reply), logger.NewNopLogger())
			_, _, err := agent.Run(context.Background(), nil, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestHypothesisAcceptsDiagnosisKey(t *testing.T) {
	var hyps []Hypothesis
	require.NoError(t, json.Unmarshal([]byte(`[{"diagnosis":"a","probability":1.5},{"issue":"b","probability":2}]`), &hyps))
	assert.Equal(t, []Hypothesis{{Label: "a", Score: 1.5}, {Label: "b", Score: 2}}, hyps)

	out, err := json.Marshal(hyps[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"issue":"a","probability":1.5}`, string(out))
}

func TestHypothesisAcceptsNumericStringScore(t *testing.T) {
	var hyps []Hypothesis
	require.NoError(t, json.Unmarshal([]byte(`[{"issue":"a","probability":"12.5"},{"diagnosis":"b","score":" 3 "}]`), &hyps))
	assert.Equal(t, []Hypothesis{{Label: "a", Score: 12.5}, {Label: "b", Score: 3}}, hyps)

	var h Hypothesis
	assert.Error(t, json.Unmarshal([]byte(`{"issue":"a","probability":"likely"}`), &h))
}

func TestRunAcceptsStringProbabilities(t *testing.T) {
	fake := llm.NewFakeProvider(llm.FakeReply{Content: []string{
		`{"updated_probabilities": [{"issue": "fuel filter clogged", "probability": "20"}], "next_test": {"name": "check_filter"}}`,
	}})
	agent := NewLLMAgent(fake, logger.NewNopLogger())

	hyps, _, err := agent.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []Hypothesis{{Label: "fuel filter clogged", Score: 20}}, hyps)
}
