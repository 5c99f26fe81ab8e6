// Package envelope defines the message wrapper used for every inbound and outbound
// message of a diagnostic issue.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Inbound event types.
const (
	TypeIssueBegin           = "issue.begin"
	TypeDiagnosticTestResult = "diagnostics.test_result"
	TypeResolveIssue         = "resolve_issue"
)

// Outbound notification types.
const (
	TypeDiagnosticTest     = "diagnostics.test"
	TypeCommunicationsTalk = "communications.talk"
	TypeLLMThinking        = "llm.thinking"
	TypeMaintenancePlan    = "maintenance.plan"
	TypeIssueError         = "issue.error"
	TypeIssueCreated       = "issue.created"
	TypeIssueCreateReject  = "issue.create_rejected"
	TypeIssueAttached      = "issue.attached"
	TypeIssueAttachReject  = "issue.attach_rejected"
	TypeIssueClosed        = "issue.closed"
	TypeIssuePhaseChanged  = "issue.phase_changed"
)

// Sources
const (
	SourceWS     = "ws"
	SourceCLI    = "cli"
	SourceTest   = "test"
	SourceSystem = "system"
)

const CurrentVersion = 1

var ErrInvalidEnvelope = errors.New("envelope: invalid message")

// Envelope is immutable once built: constructors copy the maps they receive and
// accessors hand out copies.
type Envelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Version   int            `json:"v"`
	IssueID   string         `json:"issue_id"`
	Payload   map[string]any `json:"payload"`
	Meta      map[string]any `json:"meta"`
	Timestamp string         `json:"ts"`
	Source    string         `json:"source"`
}

var envelopeKeys = map[string]struct{}{
	"id": {}, "type": {}, "v": {}, "issue_id": {}, "payload": {}, "meta": {}, "ts": {}, "source": {},
}

// New builds an outbound envelope stamped with a fresh id and the current time.
func New(eventType, issueID, source string, payload map[string]any) Envelope {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return Envelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		Version:   CurrentVersion,
		IssueID:   issueID,
		Payload:   copyMap(payload),
		Meta:      map[string]any{"timestamp": now},
		Timestamp: now,
		Source:    source,
	}
}

// Normalize accepts an Envelope, *Envelope, a loosely typed map or raw JSON and
// returns a well-formed Envelope. Legacy maps without a "payload" key have every
// unrecognised top-level key moved into the payload.
func Normalize(msg any) (Envelope, error) {
	switch m := msg.(type) {
	case Envelope:
		return m.withDefaults(), nil
	case *Envelope:
		if m == nil {
			return Envelope{}, fmt.Errorf("%w: nil envelope", ErrInvalidEnvelope)
		}
		return m.withDefaults(), nil
	case map[string]any:
		return fromMap(m)
	case []byte:
		return FromJSON(m)
	case json.RawMessage:
		return FromJSON(m)
	case string:
		return FromJSON([]byte(m))
	default:
		return Envelope{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidEnvelope, msg)
	}
}

// FromJSON decodes a JSON object and normalizes it.
func FromJSON(raw []byte) (Envelope, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if m == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrInvalidEnvelope)
	}
	return fromMap(m)
}

func fromMap(m map[string]any) (Envelope, error) {
	env := Envelope{
		ID:        stringField(m, "id"),
		Type:      stringField(m, "type"),
		IssueID:   stringField(m, "issue_id"),
		Timestamp: stringField(m, "ts"),
		Source:    stringField(m, "source"),
		Version:   intField(m, "v"),
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}

	if raw, ok := m["payload"]; ok {
		p, ok := raw.(map[string]any)
		if !ok && raw != nil {
			return Envelope{}, fmt.Errorf("%w: payload must be an object", ErrInvalidEnvelope)
		}
		env.Payload = copyMap(p)
	} else {
		extras := make(map[string]any)
		for k, v := range m {
			if _, known := envelopeKeys[k]; !known {
				extras[k] = v
			}
		}
		env.Payload = extras
	}

	if meta, ok := m["meta"].(map[string]any); ok {
		env.Meta = copyMap(meta)
	}
	return env.withDefaults(), nil
}

func (e Envelope) withDefaults() Envelope {
	out := e
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Version == 0 {
		out.Version = CurrentVersion
	}
	if out.Timestamp == "" {
		out.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if out.Source == "" {
		out.Source = SourceTest
	}
	out.Payload = copyMap(e.Payload)
	out.Meta = copyMap(e.Meta)
	return out
}

// PayloadValue returns a single payload field.
func (e Envelope) PayloadValue(key string) (any, bool) {
	v, ok := e.Payload[key]
	return v, ok
}

// PayloadCopy returns a shallow copy of the payload.
func (e Envelope) PayloadCopy() map[string]any {
	return copyMap(e.Payload)
}

func (e Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}
