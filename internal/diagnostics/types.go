package diagnostics

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Test is one diagnostic step: a check on the vehicle or a question for the user.
// Result stays nil until the user answers.
type Test struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Rationale   string `json:"rationale"`
	Outcomes    any    `json:"outcomes"`
	Result      any    `json:"result"`
}

// Answered reports whether a result has been recorded.
func (t Test) Answered() bool {
	return t.Result != nil
}

// Hypothesis is a candidate diagnosis with an unnormalized, non-negative score.
type Hypothesis struct {
	Label string  `json:"issue"`
	Score float64 `json:"probability"`
}

// UnmarshalJSON also accepts "diagnosis" as the label key, "score" as the
// score key and a score written as a numeric string.
func (h *Hypothesis) UnmarshalJSON(data []byte) error {
	var raw struct {
		Issue       *string `json:"issue"`
		Diagnosis   *string `json:"diagnosis"`
		Probability *score  `json:"probability"`
		Score       *score  `json:"score"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.Issue != nil:
		h.Label = *raw.Issue
	case raw.Diagnosis != nil:
		h.Label = *raw.Diagnosis
	}
	switch {
	case raw.Probability != nil:
		h.Score = float64(*raw.Probability)
	case raw.Score != nil:
		h.Score = float64(*raw.Score)
	}
	return nil
}

type score float64

func (s *score) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*s = score(f)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("score: %s is neither a number nor a string", data)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
	if err != nil {
		return fmt.Errorf("score: %q is not numeric", str)
	}
	*s = score(f)
	return nil
}

// Evidence grades how strongly the latest result bears on a hypothesis.
type Evidence int

const (
	StrongContradiction Evidence = iota - 2
	SomeContradiction
	Neutral
	SomeSupport
	StrongSupport
)

// Ladder maps each evidence grade to its multiplicative factor.
var Ladder = map[Evidence]float64{
	StrongSupport:       2.0,
	SomeSupport:         1.2,
	Neutral:             1.0,
	SomeContradiction:   0.8,
	StrongContradiction: 0.5,
}

// ApplyFactor multiplies the score by the ladder factor for e. Unknown grades are neutral.
func ApplyFactor(h Hypothesis, e Evidence) Hypothesis {
	factor, ok := Ladder[e]
	if !ok {
		factor = 1.0
	}
	h.Score *= factor
	return h
}

// NormalizeScores rescales scores to sum to one. When the total is ~0 every
// hypothesis gets an equal share. The input is not modified.
func NormalizeScores(hyps []Hypothesis) []Hypothesis {
	out := make([]Hypothesis, len(hyps))
	copy(out, hyps)
	if len(out) == 0 {
		return out
	}
	var total float64
	for _, h := range out {
		total += math.Max(h.Score, 0)
	}
	if total < 1e-12 {
		share := 1.0 / float64(len(out))
		for i := range out {
			out[i].Score = share
		}
		return out
	}
	for i := range out {
		out[i].Score = math.Max(out[i].Score, 0) / total
	}
	return out
}

// Leading returns the first hypothesis whose score exceeds threshold.
func Leading(hyps []Hypothesis, threshold float64) (Hypothesis, bool) {
	for _, h := range hyps {
		if h.Score > threshold {
			return h, true
		}
	}
	return Hypothesis{}, false
}
