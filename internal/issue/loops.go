package issue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jake-jlawson/dashtech/internal/diagnostics"
	"github.com/jake-jlawson/dashtech/pkg/envelope"

	"github.com/google/uuid"
)

func (i *Issue) decisionLoop() {
	defer i.wg.Done()
	ctx := i.ctx

	for {
		if ctx.Err() != nil || i.Lifecycle() != LifecycleActive {
			return
		}

		progressed, stage, err := i.step(ctx)
		if err != nil {
			if ctx.Err() != nil || isCancel(err) {
				return
			}
			i.logger.Error("Issue", fmt.Sprintf("%s step failed", stage), map[string]interface{}{"issue_id": i.ID, "error": err.Error()})
			i.notify(ctx, envelope.New(envelope.TypeIssueError, i.ID, envelope.SourceSystem, map[string]any{
				"stage": stage,
				"error": err.Error(),
			}))
			if !i.sleep(ctx, i.params.RetryBackoff, false) {
				return
			}
			continue
		}
		if !progressed && !i.sleep(ctx, i.params.IdleWait, true) {
			return
		}
	}
}

// sleep waits for d (or a wake signal when wakeable). False means ctx ended.
func (i *Issue) sleep(ctx context.Context, d time.Duration, wakeable bool) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	var wake <-chan struct{}
	if wakeable {
		wake = i.wake
	}
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}

// step performs at most one unit of work. Every state change happens in a single
// critical section, so cancellation can only land between steps.
func (i *Issue) step(ctx context.Context) (bool, string, error) {
	i.mu.Lock()
	phase := i.phase
	unannounced := i.unannounced
	var pending *diagnostics.Test
	if unannounced != "" {
		for idx := range i.testLog {
			if i.testLog[idx].ID == unannounced {
				t := i.testLog[idx]
				pending = &t
			}
		}
	}
	needsScore := len(i.testLog) > 0 && i.testLog[len(i.testLog)-1].Answered()
	hyps := append([]diagnostics.Hypothesis(nil), i.hypotheses...)
	testLog := append([]diagnostics.Test(nil), i.testLog...)
	var diagnosis diagnostics.Hypothesis
	if i.activeDiagnosis != nil {
		diagnosis = *i.activeDiagnosis
	}
	i.mu.Unlock()

	switch phase {
	case PhaseDiagnostics:
		if pending != nil && !pending.Answered() {
			return true, "communications", i.announce(ctx, *pending)
		}
		if needsScore {
			return true, "diagnostics", i.score(ctx, hyps, testLog)
		}
	case PhaseMaintenance:
		if i.planner != nil {
			return true, "maintenance", i.makePlan(ctx, diagnosis, testLog)
		}
	}
	return false, "", nil
}

func (i *Issue) score(ctx context.Context, hyps []diagnostics.Hypothesis, testLog []diagnostics.Test) error {
	if i.scorer == nil {
		return fmt.Errorf("no scorer configured")
	}
	updated, next, err := i.scorer.Run(ctx, hyps, testLog)
	if err != nil {
		return err
	}

	i.mu.Lock()
	if i.lifecycle != LifecycleActive || len(i.testLog) != len(testLog) {
		i.mu.Unlock()
		return nil
	}
	i.hypotheses = updated
	leader, found := diagnostics.Leading(updated, i.params.ProbabilityThreshold)
	advanced := false
	if found {
		i.activeDiagnosis = &leader
		advanced = i.advancePhaseLocked(PhaseMaintenance)
	} else {
		next.Result = nil
		if next.ID == "" {
			next.ID = uuid.NewString()
		}
		i.testLog = append(i.testLog, next)
		i.unannounced = next.ID
	}
	i.mu.Unlock()

	if advanced {
		i.phaseChanged(ctx, PhaseMaintenance, map[string]any{"diagnosis": leader})
		if i.translator != nil {
			if err := i.translator.Talk(ctx, fmt.Sprintf("Diagnosis reached: %s", leader.Label)); err != nil {
				i.logger.Warn("Issue", "Failed to announce diagnosis", map[string]interface{}{"issue_id": i.ID, "error": err.Error()})
			}
		}
		return nil
	}
	i.logger.Info("Issue", "Next test selected", map[string]interface{}{"issue_id": i.ID, "test_id": next.ID, "name": next.Name})
	return i.announce(ctx, next)
}

// announce presents test to the user. On failure the test stays unannounced and
// the next step retries.
func (i *Issue) announce(ctx context.Context, test diagnostics.Test) error {
	if i.translator == nil {
		return fmt.Errorf("no translator configured")
	}
	env, err := i.translator.CommunicateTest(ctx, test)
	if err != nil {
		return err
	}

	i.mu.Lock()
	if i.unannounced == test.ID {
		i.unannounced = ""
	}
	i.mu.Unlock()

	i.connMu.Lock()
	i.announcement = &env
	i.connMu.Unlock()

	i.notify(ctx, env)
	return nil
}

func (i *Issue) makePlan(ctx context.Context, diagnosis diagnostics.Hypothesis, testLog []diagnostics.Test) error {
	problem := testLog
	if len(problem) > 1 {
		problem = problem[:1]
	}
	plan, sources, err := i.planner.Run(ctx, problem, diagnosis, testLog)
	if err != nil {
		return err
	}
	payload := plan.Payload(diagnosis, sources)

	i.mu.Lock()
	if i.lifecycle != LifecycleActive {
		i.mu.Unlock()
		return nil
	}
	i.plan = payload
	advanced := i.advancePhaseLocked(PhaseResolved)
	i.mu.Unlock()

	i.notify(ctx, envelope.New(envelope.TypeMaintenancePlan, i.ID, envelope.SourceSystem, payload))
	if advanced {
		i.phaseChanged(ctx, PhaseResolved, nil)
	}
	return nil
}

func (i *Issue) eventLoop() {
	defer i.wg.Done()
	defer func() {
		i.mu.Lock()
		i.lifecycle = LifecycleClosed
		i.mu.Unlock()
		i.cancel()
	}()
	ctx := i.ctx

	for {
		if ctx.Err() != nil {
			return
		}
		env, err := i.queue.pop(ctx)
		if err != nil {
			return
		}
		if !i.ledger.MarkIfNew(env.ID) {
			i.logger.Debug("Issue", "Duplicate envelope skipped", map[string]interface{}{"issue_id": i.ID, "envelope_id": env.ID})
			continue
		}
		if env.Type == envelope.TypeResolveIssue {
			return
		}

		handler, ok := i.handlers[env.Type]
		if !ok {
			i.logger.Warn("Issue", fmt.Sprintf("No handler for %s", env.Type), map[string]interface{}{"issue_id": i.ID, "envelope_id": env.ID})
			continue
		}
		if err := handler(ctx, env); err != nil {
			i.logger.Warn("Issue", fmt.Sprintf("Handler for %s failed", env.Type), map[string]interface{}{"issue_id": i.ID, "error": err.Error()})
			i.notify(ctx, envelope.New(envelope.TypeIssueError, i.ID, envelope.SourceSystem, map[string]any{
				"stage":       env.Type,
				"error":       err.Error(),
				"envelope_id": env.ID,
			}))
		}
	}
}

type beginPayload struct {
	diagnostics.Test
	Hypotheses []diagnostics.Hypothesis `json:"hypotheses"`
}

// handleBegin seeds the log with the user's problem statement.
func (i *Issue) handleBegin(ctx context.Context, env envelope.Envelope) error {
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var p beginPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	seed := p.Test
	if seed.ID == "" {
		seed.ID = uuid.NewString()
	}

	i.mu.Lock()
	if i.phase != PhasePending {
		phase := i.phase
		i.mu.Unlock()
		return fmt.Errorf("issue already begun (phase %s)", phase)
	}
	i.testLog = append(i.testLog, seed)
	if len(p.Hypotheses) > 0 {
		i.hypotheses = p.Hypotheses
	}
	i.advancePhaseLocked(PhaseDiagnostics)
	i.mu.Unlock()

	i.phaseChanged(ctx, PhaseDiagnostics, map[string]any{"test_id": seed.ID})
	i.signal()
	return nil
}

func (i *Issue) handleTestResult(_ context.Context, env envelope.Envelope) error {
	testID, _ := env.Payload["test_id"].(string)
	if testID == "" {
		return fmt.Errorf("%w: missing test_id", ErrInvalidPayload)
	}
	return i.SubmitTestResult(testID, env.Payload["result"])
}
