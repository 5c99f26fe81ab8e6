// Package issue runs diagnostic sessions: one Issue per reported problem, at most
// one live at a time, driven by a decision loop and an event loop.
package issue

import (
	"context"
	"errors"
	"time"

	"github.com/jake-jlawson/dashtech/internal/communications"
	"github.com/jake-jlawson/dashtech/internal/diagnostics"
	"github.com/jake-jlawson/dashtech/internal/maintenance"
	"github.com/jake-jlawson/dashtech/internal/pkg/logger"
	"github.com/jake-jlawson/dashtech/pkg/envelope"
	"github.com/jake-jlawson/dashtech/pkg/events"
	"github.com/jake-jlawson/dashtech/pkg/rag/retriever"
)

var (
	ErrTestNotFound   = errors.New("issue: no pending test with that id")
	ErrIssueClosed    = errors.New("issue: closed")
	ErrNoActiveIssue  = errors.New("issue: no active issue")
	ErrNoTransport    = errors.New("issue: no transport attached")
	ErrInvalidPayload = errors.New("issue: invalid payload")
)

type Lifecycle string

const (
	LifecycleActive  Lifecycle = "active"
	LifecycleClosing Lifecycle = "closing"
	LifecycleClosed  Lifecycle = "closed"
)

type Phase string

const (
	PhasePending     Phase = "pending"
	PhaseDiagnostics Phase = "diagnostics"
	PhaseMaintenance Phase = "maintenance"
	PhaseResolved    Phase = "resolved"
)

var phaseOrder = map[Phase]int{
	PhasePending:     0,
	PhaseDiagnostics: 1,
	PhaseMaintenance: 2,
	PhaseResolved:    3,
}

// Params tune one issue.
type Params struct {
	ProbabilityThreshold float64       `json:"probability_threshold"`
	IdleWait             time.Duration `json:"-"`
	RetryBackoff         time.Duration `json:"-"`
}

func (p Params) withDefaults() Params {
	if p.ProbabilityThreshold <= 0 {
		p.ProbabilityThreshold = 10
	}
	if p.IdleWait <= 0 {
		p.IdleWait = 250 * time.Millisecond
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = 2 * time.Second
	}
	return p
}

// Transport is the client connection an issue talks through. Implementations
// must tolerate Close being called more than once.
type Transport interface {
	SendJSON(v any) error
	Close(code int, reason string) error
}

type Scorer interface {
	Run(ctx context.Context, hypotheses []diagnostics.Hypothesis, testLog []diagnostics.Test) ([]diagnostics.Hypothesis, diagnostics.Test, error)
}

type Translator interface {
	CommunicateTest(ctx context.Context, test diagnostics.Test) (envelope.Envelope, error)
	Talk(ctx context.Context, message string) error
}

// TranslatorFactory builds the translator of one issue; emit reaches that issue's transport.
type TranslatorFactory func(issueID string, emit communications.Emitter) Translator

type Planner interface {
	Run(ctx context.Context, problem []diagnostics.Test, diagnosis diagnostics.Hypothesis, history []diagnostics.Test) (maintenance.Plan, []retriever.Result, error)
}

// Deps are shared by every issue a Manager creates. Planner and Publisher are optional.
type Deps struct {
	Scorer        Scorer
	NewTranslator TranslatorFactory
	Planner       Planner
	Publisher     events.Publisher
	Logger        logger.ILogger
}

// Snapshot is a point-in-time copy of an issue's state.
type Snapshot struct {
	ID              string                   `json:"id"`
	CreatedAt       time.Time                `json:"created_at"`
	Lifecycle       Lifecycle                `json:"lifecycle"`
	Phase           Phase                    `json:"phase"`
	Hypotheses      []diagnostics.Hypothesis `json:"hypotheses"`
	TestLog         []diagnostics.Test       `json:"test_log"`
	ActiveDiagnosis *diagnostics.Hypothesis  `json:"active_diagnosis"`
	Plan            map[string]any           `json:"plan,omitempty"`
	Params          Params                   `json:"params"`
	Connected       bool                     `json:"connected"`
}
