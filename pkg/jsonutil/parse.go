package jsonutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrParse is returned when model output cannot be decoded into a JSON object.
var ErrParse = errors.New("jsonutil: model output is not a JSON object")

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	trueRe          = regexp.MustCompile(`\bTrue\b`)
	falseRe         = regexp.MustCompile(`\bFalse\b`)
	noneRe          = regexp.MustCompile(`\bNone\b`)
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// ParseObject decodes model output that is meant to be a JSON object. It copes
// with prose around the object, markdown fences, generations cut off after a
// valid prefix and a few non-JSON literals. Strategies run in order and the first
// one that yields an object wins:
//
//  1. the text as-is
//  2. the content of the first fenced block (later strategies use it too)
//  3. the span from the first '{' to the last '}'
//  4. that span shortened one byte at a time from the end
//  5. the span after literal/comma/quote normalization
func ParseObject(output string) (map[string]any, error) {
	text := strings.TrimSpace(output)
	if text == "" {
		return nil, fmt.Errorf("%w: empty output", ErrParse)
	}

	if obj, ok := tryObject(text); ok {
		return obj, nil
	}

	if m := fenceRe.FindStringSubmatch(text); m != nil {
		fenced := strings.TrimSpace(m[1])
		if obj, ok := tryObject(fenced); ok {
			return obj, nil
		}
		text = fenced
	}

	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first == -1 || last == -1 || last <= first {
		return nil, fmt.Errorf("%w: no object braces found", ErrParse)
	}

	candidate := text[first : last+1]
	if obj, ok := tryObject(candidate); ok {
		return obj, nil
	}

	for idx := last; idx > first; idx-- {
		if obj, ok := tryObject(text[first:idx]); ok {
			return obj, nil
		}
	}

	if obj, ok := tryObject(normalizeJSONish(candidate)); ok {
		return obj, nil
	}

	return nil, fmt.Errorf("%w: all strategies failed", ErrParse)
}

// ParseInto runs ParseObject and decodes the resulting object into v.
func ParseInto(output string, v any) error {
	obj, err := ParseObject(output)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

func tryObject(candidate string) (map[string]any, bool) {
	var parsed any
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return nil, false
	}
	obj, ok := parsed.(map[string]any)
	return obj, ok
}

func normalizeJSONish(s string) string {
	s = trueRe.ReplaceAllString(s, "true")
	s = falseRe.ReplaceAllString(s, "false")
	s = noneRe.ReplaceAllString(s, "null")
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	if !strings.Contains(s, `"`) && strings.Contains(s, "'") {
		s = strings.ReplaceAll(s, "'", `"`)
	}
	return s
}
