package runner

import (
	"context"
	"time"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// CancelRun marks a run cancelled and cancels every step that has not yet
// reached a terminal state. In-flight handler invocations are not
// interrupted; their status writes land on an already-cancelled step and
// lose to the later terminal write only if they arrive first.
func (r *Runner) CancelRun(ctx context.Context, runID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is already %s", runID, run.Status)
	}

	steps, err := r.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = r.store.Atomically(ctx, func(ctx context.Context) error {
		cancelled := schema.RunStatusCancelled
		if err := r.store.UpdateRun(ctx, runID, store.RunUpdate{
			Status:  &cancelled,
			EndedAt: &now,
		}); err != nil {
			return err
		}
		stepCancelled := schema.StepStatusCancelled
		for _, step := range steps {
			if step.Status.Terminal() {
				continue
			}
			if err := r.store.UpdateStep(ctx, step.ID, store.StepUpdate{
				Status:  &stepCancelled,
				EndedAt: &now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, step := range steps {
		if step.Status.Terminal() {
			continue
		}
		if err := r.recorder.Record(ctx, runID, schema.EventStepCancelled, map[string]any{
			"name": step.Name,
		}, step.ID); err != nil {
			return err
		}
	}
	return r.recorder.Record(ctx, runID, schema.EventRunCancelled, nil, "")
}
