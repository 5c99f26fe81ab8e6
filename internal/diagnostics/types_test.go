package diagnostics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyFactor(t *testing.T) {
	tests := []struct {
		evidence Evidence
		want     float64
	}{
		{StrongSupport, 20},
		{SomeSupport, 12},
		{Neutral, 10},
		{SomeContradiction, 8},
		{StrongContradiction, 5},
		{Evidence(42), 10},
	}
	for _, tt := range tests {
		got := ApplyFactor(Hypothesis{Label: "x", Score: 10}, tt.evidence)
		assert.InDelta(t, tt.want, got.Score, 1e-9)
	}
}

func TestLadderDoesNotRenormalize(t *testing.T) {
	a := ApplyFactor(Hypothesis{Label: "a", Score: 10}, StrongSupport)
	b := ApplyFactor(Hypothesis{Label: "b", Score: 5}, Neutral)
	assert.Equal(t, 20.0, a.Score)
	assert.Equal(t, 5.0, b.Score)
}

func TestNormalizeScores(t *testing.T) {
	in := []Hypothesis{{Label: "a", Score: 3}, {Label: "b", Score: 1}}
	out := NormalizeScores(in)
	assert.InDelta(t, 0.75, out[0].Score, 1e-9)
	assert.InDelta(t, 0.25, out[1].Score, 1e-9)
	assert.Equal(t, 3.0, in[0].Score)

	again := NormalizeScores(out)
	assert.InDelta(t, out[0].Score, again[0].Score, 1e-12)
	assert.InDelta(t, out[1].Score, again[1].Score, 1e-12)
}

func TestNormalizeScoresZeroSum(t *testing.T) {
	out := NormalizeScores([]Hypothesis{{Label: "a"}, {Label: "b"}, {Label: "c"}, {Label: "d"}})
	for _, h := range out {
		assert.InDelta(t, 0.25, h.Score, 1e-12)
	}
	assert.Empty(t, NormalizeScores(nil))
}

func TestLeading(t *testing.T) {
	hyps := []Hypothesis{{Label: "a", Score: 9}, {Label: "b", Score: 11}, {Label: "c", Score: 30}}
	h, ok := Leading(hyps, 10)
	assert.True(t, ok)
	assert.Equal(t, "b", h.Label)

	_, ok = Leading(hyps, 30)
	assert.False(t, ok)
}
