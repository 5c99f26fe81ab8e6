package issue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jake-jlawson/dashtech/internal/diagnostics"
	"github.com/jake-jlawson/dashtech/internal/pkg/logger"
	"github.com/jake-jlawson/dashtech/internal/repository/memory"
	"github.com/jake-jlawson/dashtech/pkg/envelope"
	"github.com/jake-jlawson/dashtech/pkg/events"

	"github.com/google/uuid"
)

const closeNormal = 1000

type handlerFunc func(ctx context.Context, env envelope.Envelope) error

// Issue is one diagnostic session.
//
// Lock order: mu and connMu are never held together. Model calls run with
// neither held.
type Issue struct {
	ID        string
	CreatedAt time.Time

	params     Params
	scorer     Scorer
	translator Translator
	planner    Planner
	publisher  events.Publisher
	logger     logger.ILogger

	mu              sync.Mutex
	lifecycle       Lifecycle
	phase           Phase
	hypotheses      []diagnostics.Hypothesis
	testLog         []diagnostics.Test
	activeDiagnosis *diagnostics.Hypothesis
	plan            map[string]any
	unannounced     string // id of a test appended but not yet presented

	connMu       sync.Mutex
	transport    Transport
	announcement *envelope.Envelope

	queue    *inbox
	ledger   *memory.EnvelopeLedger
	handlers map[string]handlerFunc
	wake     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	start  sync.Once
}

// New builds an issue in the pending phase. Call Start to run its loops.
func New(deps Deps, params Params) *Issue {
	ctx, cancel := context.WithCancel(context.Background())
	i := &Issue{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		params:    params.withDefaults(),
		scorer:    deps.Scorer,
		planner:   deps.Planner,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		lifecycle: LifecycleActive,
		phase:     PhasePending,
		queue:     newInbox(),
		ledger:    memory.NewEnvelopeLedger(),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if i.logger == nil {
		i.logger = logger.NewNopLogger()
	}
	if deps.NewTranslator != nil {
		i.translator = deps.NewTranslator(i.ID, i.emit)
	}
	i.handlers = map[string]handlerFunc{
		envelope.TypeIssueBegin:           i.handleBegin,
		envelope.TypeDiagnosticTestResult: i.handleTestResult,
	}
	return i
}

// Start launches the decision and event loops. Later calls do nothing.
func (i *Issue) Start() {
	i.start.Do(func() {
		i.wg.Add(2)
		go i.decisionLoop()
		go i.eventLoop()
		go func() {
			i.wg.Wait()
			i.finalize()
			close(i.done)
		}()
		i.logger.Info("Issue", "Issue started", map[string]interface{}{"issue_id": i.ID})
	})
}

// Done is closed once both loops have exited and the issue is closed.
func (i *Issue) Done() <-chan struct{} {
	return i.done
}

func (i *Issue) Closed() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

func (i *Issue) Lifecycle() Lifecycle {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lifecycle
}

func (i *Issue) Phase() Phase {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.phase
}

// Ingest normalizes msg and queues it for the event loop without blocking.
func (i *Issue) Ingest(msg any) error {
	env, err := envelope.Normalize(msg)
	if err != nil {
		return err
	}
	if i.Lifecycle() != LifecycleActive {
		return ErrIssueClosed
	}
	if env.IssueID == "" {
		env.IssueID = i.ID
	}
	i.queue.push(env)
	return nil
}

// SubmitTestResult records result on the pending test with id testID.
func (i *Issue) SubmitTestResult(testID string, result any) error {
	if result == nil {
		return fmt.Errorf("%w: result must not be null", ErrInvalidPayload)
	}
	i.mu.Lock()
	found := false
	for idx := range i.testLog {
		if i.testLog[idx].ID == testID && !i.testLog[idx].Answered() {
			i.testLog[idx].Result = result
			found = true
			break
		}
	}
	i.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", ErrTestNotFound, testID)
	}
	i.signal()
	return nil
}

// Stop closes the issue and waits for both loops. Safe to call repeatedly.
func (i *Issue) Stop(ctx context.Context) error {
	i.mu.Lock()
	if i.lifecycle == LifecycleActive {
		i.lifecycle = LifecycleClosing
	}
	i.mu.Unlock()

	i.Start()
	i.queue.push(envelope.New(envelope.TypeResolveIssue, i.ID, envelope.SourceSystem, nil))
	i.cancel()

	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot copies the current state.
func (i *Issue) Snapshot() Snapshot {
	i.mu.Lock()
	s := Snapshot{
		ID:         i.ID,
		CreatedAt:  i.CreatedAt,
		Lifecycle:  i.lifecycle,
		Phase:      i.phase,
		Hypotheses: append([]diagnostics.Hypothesis{}, i.hypotheses...),
		TestLog:    append([]diagnostics.Test{}, i.testLog...),
		Params:     i.params,
	}
	if i.activeDiagnosis != nil {
		d := *i.activeDiagnosis
		s.ActiveDiagnosis = &d
	}
	if i.plan != nil {
		s.Plan = make(map[string]any, len(i.plan))
		for k, v := range i.plan {
			s.Plan[k] = v
		}
	}
	i.mu.Unlock()

	i.connMu.Lock()
	s.Connected = i.transport != nil
	i.connMu.Unlock()
	return s
}

// SetTransport installs t, closing any different transport attached before.
// A test still waiting for its answer is presented again on the new transport.
func (i *Issue) SetTransport(t Transport) {
	i.connMu.Lock()
	old := i.transport
	i.transport = t
	i.connMu.Unlock()

	if old != nil && old != t {
		_ = old.Close(closeNormal, "replaced by a new connection")
	}
	i.replayAnnouncement()
}

// ClearTransport detaches t if it is still the attached transport.
func (i *Issue) ClearTransport(t Transport) {
	i.connMu.Lock()
	defer i.connMu.Unlock()
	if i.transport == t {
		i.transport = nil
	}
}

func (i *Issue) signal() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// emit sends env to the attached transport.
func (i *Issue) emit(_ context.Context, env envelope.Envelope) error {
	i.connMu.Lock()
	defer i.connMu.Unlock()
	if i.transport == nil {
		return ErrNoTransport
	}
	return i.transport.SendJSON(env)
}

// notify is emit for notices that may be lost.
func (i *Issue) notify(ctx context.Context, env envelope.Envelope) {
	if err := i.emit(ctx, env); err != nil {
		i.logger.Warn("Issue", fmt.Sprintf("Failed to deliver %s", env.Type), map[string]interface{}{
			"issue_id": i.ID,
			"error":    err.Error(),
		})
	}
}

func (i *Issue) publish(eventType string, data map[string]interface{}) {
	if i.publisher == nil {
		return
	}
	data["issue_id"] = i.ID
	if err := i.publisher.Publish(context.Background(), events.NewEvent(eventType, data)); err != nil {
		i.logger.Warn("Issue", fmt.Sprintf("Failed to publish %s", eventType), map[string]interface{}{"error": err.Error()})
	}
}

func (i *Issue) replayAnnouncement() {
	i.mu.Lock()
	pending := ""
	if n := len(i.testLog); n > 0 && !i.testLog[n-1].Answered() {
		pending = i.testLog[n-1].ID
	}
	i.mu.Unlock()
	if pending == "" {
		return
	}

	i.connMu.Lock()
	defer i.connMu.Unlock()
	if i.transport == nil || i.announcement == nil {
		return
	}
	if id, _ := i.announcement.PayloadValue("test_id"); id != pending {
		return
	}
	if err := i.transport.SendJSON(*i.announcement); err != nil {
		i.logger.Warn("Issue", "Failed to replay pending test", map[string]interface{}{"issue_id": i.ID, "error": err.Error()})
	}
}

// advancePhaseLocked moves the phase forward; backwards or same-phase moves are refused.
func (i *Issue) advancePhaseLocked(to Phase) bool {
	if phaseOrder[to] <= phaseOrder[i.phase] {
		return false
	}
	i.phase = to
	return true
}

func (i *Issue) phaseChanged(ctx context.Context, to Phase, extra map[string]any) {
	payload := map[string]any{"phase": string(to)}
	for k, v := range extra {
		payload[k] = v
	}
	i.logger.Info("Issue", fmt.Sprintf("Phase -> %s", to), map[string]interface{}{"issue_id": i.ID})
	i.notify(ctx, envelope.New(envelope.TypeIssuePhaseChanged, i.ID, envelope.SourceSystem, payload))
	i.publish(events.TypeIssuePhaseChanged, map[string]interface{}{"phase": string(to)})
}

// finalize runs once, after both loops have returned.
func (i *Issue) finalize() {
	i.mu.Lock()
	i.lifecycle = LifecycleClosed
	i.mu.Unlock()
	i.cancel()

	snap := i.Snapshot()
	ctx := context.Background()
	i.notify(ctx, envelope.New(envelope.TypeIssueClosed, i.ID, envelope.SourceSystem, map[string]any{"phase": string(snap.Phase)}))

	i.connMu.Lock()
	t := i.transport
	i.transport = nil
	i.connMu.Unlock()
	if t != nil {
		_ = t.Close(closeNormal, "issue closed")
	}

	i.publish(events.TypeIssueClosed, map[string]interface{}{"snapshot": snap})
	i.logger.Info("Issue", "Issue closed", map[string]interface{}{"issue_id": i.ID, "phase": string(snap.Phase), "tests": len(snap.TestLog)})
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled)
}
