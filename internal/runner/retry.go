package runner

import (
	"context"
	"errors"
	"strings"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/logging"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/queue"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// RetryStep resets a terminal step back to a runnable baseline and
// re-enqueues it with a fresh attempt counter. Only failed, timed_out, and
// cancelled steps are retryable through this path.
func (r *Runner) RetryStep(ctx context.Context, runID, stepID string) error {
	ctx = logging.WithIDs(ctx, runID, stepID)

	step, err := r.store.GetStep(ctx, stepID)
	if err != nil {
		if isStepMissing(err) {
			return schema.StepNotFound(stepID)
		}
		return err
	}
	if step.RunID != runID {
		// A cross-run reference is always a caller error.
		return schema.StepNotFound(stepID)
	}

	if !retryable(step.Status) {
		return schema.StepNotRetryable(stepID, step.Status)
	}
	previous := step.Status

	err = r.store.Atomically(ctx, func(ctx context.Context) error {
		queued := schema.StepStatusQueued
		if err := r.store.UpdateStep(ctx, stepID, store.StepUpdate{
			Status:     &queued,
			ClearStart: true,
			ClearEnd:   true,
			ClearOut:   true,
		}); err != nil {
			return err
		}

		running := schema.RunStatusRunning
		if err := r.store.UpdateRun(ctx, runID, store.RunUpdate{
			Status:   &running,
			ClearEnd: true,
		}); err != nil {
			return err
		}

		// Release both claims so the retried handler is not blocked by its
		// own prior execution.
		if err := r.store.InboxDelete(ctx, AttemptKey(stepID)); err != nil {
			return err
		}
		return r.store.InboxDelete(ctx, NaturalKey(step))
	})
	if err != nil {
		return err
	}

	if err := r.recorder.Record(ctx, runID, schema.EventStepRetry, map[string]any{
		"stepId":         stepID,
		"previousStatus": string(previous),
	}, stepID); err != nil {
		return err
	}
	if err := r.recorder.Record(ctx, runID, schema.EventRunResumed, map[string]any{
		"stepId": stepID,
	}, ""); err != nil {
		return err
	}

	return r.queue.Enqueue(ctx, queue.TopicStepReady, queue.Message{
		RunID:   runID,
		StepID:  stepID,
		Attempt: 1,
	})
}

func retryable(status schema.StepStatus) bool {
	switch schema.StepStatus(strings.ToLower(string(status))) {
	case schema.StepStatusFailed, schema.StepStatusTimedOut, schema.StepStatusCancelled:
		return true
	default:
		return false
	}
}

func isStepMissing(err error) bool {
	var nerr *schema.NofxError
	if errors.As(err, &nerr) {
		return nerr.Code == schema.ErrCodeStepNotFound || nerr.Code == schema.ErrCodeNotFound
	}
	return false
}
