package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/events"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/expressions"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/handlers"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/logging"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/policy"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/queue"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// DepsPollDelay is how long a step waits before re-checking unmet
// dependencies.
const DepsPollDelay = 2000 * time.Millisecond

// Runner drives one step execution end-to-end: claim, readiness, dispatch,
// status transitions, events, and run-completion. It is safe for concurrent
// use; all mutual exclusion lives in the storage layer's atomic claims.
type Runner struct {
	store      store.Store
	recorder   *events.Recorder
	queue      queue.Queue
	registry   *handlers.Registry
	gatekeeper *policy.Gatekeeper
	interp     *expressions.Interpolator
	projector  *expressions.Projector
	metrics    *Metrics
	logger     *slog.Logger
	depsDelay  time.Duration
	gateDelay  time.Duration
}

// Config wires a Runner.
type Config struct {
	Store      store.Store
	Recorder   *events.Recorder
	Queue      queue.Queue
	Registry   *handlers.Registry
	Gatekeeper *policy.Gatekeeper
	Metrics    *Metrics
	Logger     *slog.Logger
}

// New creates a Runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Runner{
		store:      cfg.Store,
		recorder:   cfg.Recorder,
		queue:      cfg.Queue,
		registry:   cfg.Registry,
		gatekeeper: cfg.Gatekeeper,
		interp:     expressions.NewInterpolator(),
		projector:  expressions.NewProjector(),
		metrics:    metrics,
		logger:     logger,
		depsDelay:  DepsPollDelay,
		gateDelay:  policy.GatePollDelay,
	}
}

// RunStep executes one delivered step message. Delivery is at-least-once;
// the attempt claim makes handler invocation at-most-once per step.
func (r *Runner) RunStep(ctx context.Context, runID, stepID string, attempt int) error {
	ctx = logging.WithIDs(ctx, runID, stepID)

	step, err := r.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	// A delivery can outlive its step: a cancel racing a queued message, or
	// a waiting step whose run finished meanwhile. Terminal states belong to
	// the retry controller; a stale delivery is dropped without claiming.
	if step.Status.Terminal() {
		r.logger.WarnContext(ctx, "stale delivery for terminal step ignored",
			"step_id", stepID, "status", step.Status)
		return nil
	}

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		r.logger.WarnContext(ctx, "stale delivery for finished run ignored",
			"step_id", stepID, "run_status", run.Status)
		return nil
	}

	claimed, err := r.store.InboxMarkIfNew(ctx, AttemptKey(stepID))
	if err != nil {
		return err
	}
	if !claimed {
		r.logger.WarnContext(ctx, "duplicate step delivery suppressed",
			"step_id", stepID, "attempt", attempt)
		return nil
	}

	readiness, err := CheckReadiness(ctx, r.store, step)
	if err != nil {
		return err
	}
	if !readiness.Ready {
		return r.deferStep(ctx, step, attempt, readiness.Unmet)
	}

	if err := r.ensureRunStarted(ctx, run); err != nil {
		return err
	}

	now := time.Now().UTC()
	running := schema.StepStatusRunning
	if err := r.store.UpdateStep(ctx, stepID, store.StepUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return err
	}
	if err := r.recorder.Record(ctx, runID, schema.EventStepStarted, map[string]any{
		"name": step.Name,
		"tool": step.Tool,
	}, stepID); err != nil {
		return err
	}

	inputs, err := r.resolveInputs(ctx, step, run)
	if err != nil {
		return r.failStep(ctx, run, step, now, nil, err)
	}

	// Side-effect fingerprint: a prior completed execution with identical
	// inputs short-circuits to success instead of re-applying.
	applied, err := r.store.InboxMarkIfNew(ctx, NaturalKey(step))
	if err != nil {
		return err
	}
	if !applied {
		r.logger.WarnContext(ctx, "idempotent replay, side effects already applied",
			"step_id", stepID, "key", NaturalKey(step))
		return r.completeStep(ctx, run, step, now, nil, true)
	}

	handler, err := r.registry.Resolve(step.Tool)
	if err != nil {
		return r.failStep(ctx, run, step, now, nil, err)
	}

	inv := &handlers.Invocation{
		Run:        run,
		Step:       step,
		Inputs:     inputs,
		Attempt:    attempt,
		Store:      r.store,
		Recorder:   r.recorder,
		Gatekeeper: r.gatekeeper,
		Logger:     r.logger,
	}
	runErr := handler.Run(ctx, inv)

	if inv.Suspended() {
		// Parked behind an approval gate. Release both claims first, then
		// re-enqueue the poll; the reverse order would let an early
		// redelivery burn its claim with no further re-enqueue behind it.
		if err := r.store.InboxDelete(ctx, NaturalKey(step)); err != nil {
			return err
		}
		if err := r.store.InboxDelete(ctx, AttemptKey(stepID)); err != nil {
			return err
		}
		return r.queue.Enqueue(ctx, queue.TopicStepReady, queue.Message{
			RunID:   runID,
			StepID:  stepID,
			Attempt: attempt + 1,
		}, queue.WithDelay(r.gateDelay))
	}

	if runErr != nil {
		return r.failStep(ctx, run, step, now, inv, runErr)
	}
	return r.completeStep(ctx, run, step, now, inv, false)
}

// deferStep parks a step whose dependencies are unmet: diagnostic event,
// claim release, delayed re-enqueue. Not an error.
func (r *Runner) deferStep(ctx context.Context, step *store.Step, attempt int, unmet []string) error {
	if err := r.recorder.Record(ctx, step.RunID, schema.EventStepWaiting, map[string]any{
		"reason": "deps_not_ready",
		"unmet":  unmet,
	}, step.ID); err != nil {
		return err
	}
	if err := r.store.InboxDelete(ctx, AttemptKey(step.ID)); err != nil {
		return err
	}
	return r.queue.Enqueue(ctx, queue.TopicStepReady, queue.Message{
		RunID:   step.RunID,
		StepID:  step.ID,
		Attempt: attempt + 1,
	}, queue.WithDelay(r.depsDelay))
}

func (r *Runner) ensureRunStarted(ctx context.Context, run *store.Run) error {
	if run.Status != schema.RunStatusPending {
		return nil
	}
	now := time.Now().UTC()
	running := schema.RunStatusRunning
	if err := r.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return err
	}
	run.Status = running
	run.StartedAt = &now
	return r.recorder.Record(ctx, run.ID, schema.EventRunStarted, nil, "")
}

// resolveInputs interpolates ${{...}} references against sibling outputs
// and run metadata.
func (r *Runner) resolveInputs(ctx context.Context, step *store.Step, run *store.Run) (map[string]any, error) {
	siblings, err := r.store.ListStepsByRun(ctx, step.RunID)
	if err != nil {
		return nil, err
	}
	stepOutputs := make(map[string]any, len(siblings))
	for _, sib := range siblings {
		if len(sib.Outputs) == 0 {
			continue
		}
		var parsed any
		if err := json.Unmarshal(sib.Outputs, &parsed); err == nil {
			stepOutputs[sib.Name] = parsed
		}
	}

	runScope := map[string]any{"id": run.ID, "goal": run.Goal}
	if len(run.Metadata) > 0 {
		var meta map[string]any
		if err := json.Unmarshal(run.Metadata, &meta); err == nil {
			runScope["metadata"] = meta
		}
	}

	return r.interp.Resolve(step.Inputs, &expressions.Scope{
		Steps: stepOutputs,
		Run:   runScope,
	})
}

// completeStep persists success and re-evaluates run completion atomically.
// replay means the outcome was short-circuited by the idempotency
// fingerprint and existing outputs are kept as-is.
func (r *Runner) completeStep(ctx context.Context, run *store.Run, step *store.Step, startedAt time.Time, inv *handlers.Invocation, replay bool) error {
	now := time.Now().UTC()

	if replay || !inv.OwnsStatus() {
		succeeded := schema.StepStatusSucceeded
		update := store.StepUpdate{Status: &succeeded, EndedAt: &now}
		if !replay {
			outputs, err := r.projectOutputs(ctx, step, inv.Outputs())
			if err != nil {
				return r.failStep(ctx, run, step, startedAt, inv, err)
			}
			if outputs != nil {
				update.Outputs = events.Sanitize(outputs)
			}
		}
		if err := r.store.UpdateStep(ctx, step.ID, update); err != nil {
			return err
		}
	}

	if err := r.recorder.Record(ctx, run.ID, schema.EventStepSucceeded, map[string]any{
		"tool": step.Tool,
		"name": step.Name,
	}, step.ID); err != nil {
		return err
	}
	r.metrics.Observe(step.Tool, string(schema.StepStatusSucceeded), now.Sub(startedAt))

	return r.evaluateRunCompletion(ctx, run.ID)
}

// projectOutputs applies the step's optional _select jq expression.
func (r *Runner) projectOutputs(ctx context.Context, step *store.Step, outputs map[string]any) (any, error) {
	if outputs == nil {
		return nil, nil
	}
	query := schema.SelectExpr(step.Inputs)
	if query == "" {
		return outputs, nil
	}
	return r.projector.Project(ctx, query, map[string]any(outputs))
}

// evaluateRunCompletion marks the run succeeded once no steps remain
// outside succeeded/cancelled. The count and the status write share one
// transaction so two concurrent finishing steps cannot both miss it.
func (r *Runner) evaluateRunCompletion(ctx context.Context, runID string) error {
	return r.store.Atomically(ctx, func(ctx context.Context) error {
		remaining, err := r.store.CountRemainingSteps(ctx, runID)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		run, err := r.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}
		now := time.Now().UTC()
		succeeded := schema.RunStatusSucceeded
		if err := r.store.UpdateRun(ctx, runID, store.RunUpdate{
			Status:  &succeeded,
			EndedAt: &now,
		}); err != nil {
			return err
		}
		return r.recorder.Record(ctx, runID, schema.EventRunSucceeded, nil, "")
	})
}

// failStep persists the failure on both step and run before the error is
// re-thrown, so the record reflects the outcome even if the caller dies.
// inv may be nil when failure happens before dispatch. A handler that owns
// its status writes keeps them; otherwise the error key is merged over the
// handler's outputs so diagnostics survive the failure.
func (r *Runner) failStep(ctx context.Context, run *store.Run, step *store.Step, startedAt time.Time, inv *handlers.Invocation, cause error) error {
	now := time.Now().UTC()

	if inv == nil || !inv.OwnsStatus() {
		failed := schema.StepStatusFailed
		outputs := map[string]any{}
		if inv != nil {
			for k, v := range inv.Outputs() {
				outputs[k] = v
			}
		}
		outputs["error"] = cause.Error()
		update := store.StepUpdate{Status: &failed, EndedAt: &now}
		update.Outputs = events.Sanitize(outputs)
		if err := r.store.UpdateStep(ctx, step.ID, update); err != nil {
			r.logger.ErrorContext(ctx, "failed to persist step failure", "step_id", step.ID, "error", err)
		}
	}
	if err := r.recorder.Record(ctx, run.ID, schema.EventStepFailed, map[string]any{
		"error": failureReason(cause),
	}, step.ID); err != nil {
		r.logger.ErrorContext(ctx, "failed to record step failure", "step_id", step.ID, "error", err)
	}

	runFailed := schema.RunStatusFailed
	if err := r.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:  &runFailed,
		EndedAt: &now,
	}); err != nil {
		r.logger.ErrorContext(ctx, "failed to persist run failure", "run_id", run.ID, "error", err)
	}
	if err := r.recorder.Record(ctx, run.ID, schema.EventRunFailed, map[string]any{
		"reason": "step failed",
		"stepId": step.ID,
	}, ""); err != nil {
		r.logger.ErrorContext(ctx, "failed to record run failure", "run_id", run.ID, "error", err)
	}

	r.metrics.Observe(step.Tool, string(schema.StepStatusFailed), now.Sub(startedAt))
	return cause
}

// failureReason is the event-payload form of a failure: the bare message of
// a structured error, without its code/step framing.
func failureReason(cause error) string {
	var nerr *schema.NofxError
	if errors.As(cause, &nerr) {
		return nerr.Message
	}
	return cause.Error()
}

// MarkStepTimedOut is invoked by the timeout monitor. Terminal steps are
// never downgraded; otherwise the step is timed out with the timeout
// diagnostic merged over any partial outputs, and the run is failed.
func (r *Runner) MarkStepTimedOut(ctx context.Context, runID, stepID string, timeoutMs int64) error {
	ctx = logging.WithIDs(ctx, runID, stepID)

	step, err := r.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if step.Status.Terminal() {
		return nil
	}

	outputs := map[string]any{}
	if len(step.Outputs) > 0 {
		// Preserve whatever the handler already wrote.
		_ = json.Unmarshal(step.Outputs, &outputs)
	}
	outputs["error"] = "timeout"
	outputs["timeoutMs"] = timeoutMs

	now := time.Now().UTC()
	timedOut := schema.StepStatusTimedOut
	if err := r.store.UpdateStep(ctx, stepID, store.StepUpdate{
		Status:  &timedOut,
		Outputs: events.Sanitize(outputs),
		EndedAt: &now,
	}); err != nil {
		return err
	}

	failed := schema.RunStatusFailed
	if err := r.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:  &failed,
		EndedAt: &now,
	}); err != nil {
		return err
	}

	return r.recorder.Record(ctx, runID, schema.EventStepTimeout, map[string]any{
		"stepId":    stepID,
		"timeoutMs": timeoutMs,
	}, stepID)
}
