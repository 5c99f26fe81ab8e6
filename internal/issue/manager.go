package issue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jake-jlawson/dashtech/internal/pkg/logger"
	"github.com/jake-jlawson/dashtech/pkg/envelope"
	"github.com/jake-jlawson/dashtech/pkg/events"
)

// ClosePolicyViolation is the websocket close code sent to a rejected creator.
const ClosePolicyViolation = 1008

const (
	RejectReasonActiveIssue = "active_issue_exists"
	RejectReasonNoIssue     = "no_active_issue"
)

// rejection keeps the reason at the top level as well as in the payload.
type rejection struct {
	envelope.Envelope
	Reason string `json:"reason"`
}

// Manager owns the single live issue of the process.
type Manager struct {
	mu      sync.Mutex
	current *Issue

	deps   Deps
	params Params
	logger logger.ILogger
}

func NewManager(deps Deps, params Params) *Manager {
	if deps.Logger == nil {
		deps.Logger = logger.NewNopLogger()
	}
	return &Manager{deps: deps, params: params, logger: deps.Logger}
}

// Current returns the live issue, or nil.
func (m *Manager) Current() *Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked()
}

func (m *Manager) liveLocked() *Issue {
	if m.current != nil && m.current.Closed() {
		m.current = nil
	}
	return m.current
}

// Create returns the live issue unchanged (created=false) or starts a new one.
func (m *Manager) Create(ctx context.Context) (*Issue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.liveLocked(); cur != nil {
		m.logger.Info("IssueManager", "Issue already exists", map[string]interface{}{"issue_id": cur.ID})
		return cur, false
	}

	iss := New(m.deps, m.params)
	iss.Start()
	m.current = iss
	go m.forgetWhenDone(iss)

	m.logger.Info("IssueManager", "Issue created", map[string]interface{}{"issue_id": iss.ID})
	if m.deps.Publisher != nil {
		event := events.NewEvent(events.TypeIssueCreated, map[string]interface{}{
			"issue_id":   iss.ID,
			"created_at": iss.CreatedAt,
		})
		if err := m.deps.Publisher.Publish(ctx, event); err != nil {
			m.logger.Warn("IssueManager", "Failed to publish issue.created", map[string]interface{}{"error": err.Error()})
		}
	}
	return iss, true
}

// CreateOrReject creates an issue bound to t. When one is already live, t receives
// issue.create_rejected and is closed with 1008; the live issue is returned with
// created=false.
func (m *Manager) CreateOrReject(ctx context.Context, t Transport) (*Issue, bool) {
	iss, created := m.Create(ctx)
	if !created {
		reject := envelope.New(envelope.TypeIssueCreateReject, iss.ID, envelope.SourceSystem, map[string]any{"reason": RejectReasonActiveIssue})
		_ = t.SendJSON(rejection{Envelope: reject, Reason: RejectReasonActiveIssue})
		_ = t.Close(ClosePolicyViolation, RejectReasonActiveIssue)
		return iss, false
	}

	m.AttachTransport(iss, t)
	hello := envelope.New(envelope.TypeIssueCreated, iss.ID, envelope.SourceSystem, map[string]any{
		"created_at": iss.CreatedAt,
	})
	if err := iss.emit(ctx, hello); err != nil {
		m.logger.Warn("IssueManager", "Failed to send issue.created", map[string]interface{}{"issue_id": iss.ID, "error": err.Error()})
	}
	return iss, true
}

// AttachOrReject reconnects t to the live issue. t first receives issue.attached,
// then the pending test if one is unanswered. With no live issue t receives
// issue.attach_rejected and is closed with 1008.
func (m *Manager) AttachOrReject(ctx context.Context, t Transport) (*Issue, bool) {
	iss := m.Current()
	if iss == nil {
		reject := envelope.New(envelope.TypeIssueAttachReject, "", envelope.SourceSystem, map[string]any{"reason": RejectReasonNoIssue})
		_ = t.SendJSON(rejection{Envelope: reject, Reason: RejectReasonNoIssue})
		_ = t.Close(ClosePolicyViolation, RejectReasonNoIssue)
		return nil, false
	}

	hello := envelope.New(envelope.TypeIssueAttached, iss.ID, envelope.SourceSystem, map[string]any{
		"created_at": iss.CreatedAt,
		"phase":      string(iss.Phase()),
	})
	if err := t.SendJSON(hello); err != nil {
		m.logger.Warn("IssueManager", "Failed to send issue.attached", map[string]interface{}{"issue_id": iss.ID, "error": err.Error()})
		return iss, false
	}
	m.AttachTransport(iss, t)
	return iss, true
}

// AttachTransport binds t to iss, closing the transport it replaces.
func (m *Manager) AttachTransport(iss *Issue, t Transport) {
	iss.SetTransport(t)
	m.logger.Info("IssueManager", "Transport attached", map[string]interface{}{"issue_id": iss.ID})
}

// DetachTransport unbinds t if it is still the one attached to iss.
func (m *Manager) DetachTransport(iss *Issue, t Transport) {
	iss.ClearTransport(t)
}

// Stop stops and forgets the live issue.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	iss := m.liveLocked()
	m.current = nil
	m.mu.Unlock()

	if iss == nil {
		return ErrNoActiveIssue
	}
	if err := iss.Stop(ctx); err != nil {
		return fmt.Errorf("stop issue %s: %w", iss.ID, err)
	}
	m.logger.Info("IssueManager", "Issue stopped", map[string]interface{}{"issue_id": iss.ID})
	return nil
}

// Shutdown stops whatever is live at process exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.Stop(ctx)
	if errors.Is(err, ErrNoActiveIssue) {
		return nil
	}
	return err
}

func (m *Manager) forgetWhenDone(iss *Issue) {
	<-iss.Done()
	m.mu.Lock()
	if m.current == iss {
		m.current = nil
	}
	m.mu.Unlock()
}

// Ingest queues msg on the live issue.
func (m *Manager) Ingest(msg any) (*Issue, error) {
	iss := m.Current()
	if iss == nil {
		return nil, ErrNoActiveIssue
	}
	return iss, iss.Ingest(msg)
}
