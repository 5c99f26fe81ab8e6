package jsonutil

import (
	"bytes"
	"encoding/json"
)

// MarshalNoEscape encodes v into JSON without escaping <, >, & into <, etc.
func MarshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Remove trailing newline from json.Encoder.Encode
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Compact renders v as compact JSON for prompts. Map keys come out sorted, so the
// same input always yields the same prompt text.
func Compact(v any) string {
	b, err := MarshalNoEscape(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
