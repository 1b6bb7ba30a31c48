package runner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/queue"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// Submit validates a run definition, persists the run and its steps, and
// enqueues every step onto the step-ready topic. Dependency ordering is not
// computed up front; steps with unmet dependencies bounce off the readiness
// check until their dependencies succeed.
func (r *Runner) Submit(ctx context.Context, def *schema.RunDefinition) (*store.Run, error) {
	if err := schema.ValidateRunDefinition(def); err != nil {
		return nil, err
	}

	var metadata json.RawMessage
	if def.Metadata != nil {
		if b, err := json.Marshal(def.Metadata); err == nil {
			metadata = b
		}
	}

	now := time.Now().UTC()
	run := &store.Run{
		ID:        uuid.NewString(),
		Goal:      def.Goal,
		Status:    schema.RunStatusPending,
		Metadata:  metadata,
		CreatedAt: now,
	}
	steps := make([]*store.Step, len(def.Steps))
	for i, sd := range def.Steps {
		steps[i] = &store.Step{
			ID:             uuid.NewString(),
			RunID:          run.ID,
			Name:           sd.Name,
			Tool:           sd.Tool,
			Inputs:         sd.Inputs,
			Status:         schema.StepStatusQueued,
			IdempotencyKey: sd.IdempotencyKey,
			TimeoutMs:      sd.TimeoutMs,
			CreatedAt:      now,
		}
	}

	err := r.store.Atomically(ctx, func(ctx context.Context) error {
		if err := r.store.CreateRun(ctx, run); err != nil {
			return err
		}
		for _, step := range steps {
			if err := r.store.CreateStep(ctx, step); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := r.recorder.Record(ctx, run.ID, schema.EventRunCreated, map[string]any{
		"goal":      def.Goal,
		"stepCount": len(steps),
	}, ""); err != nil {
		return nil, err
	}

	for _, step := range steps {
		if err := r.recorder.Record(ctx, run.ID, schema.EventStepQueued, map[string]any{
			"name": step.Name,
			"tool": step.Tool,
		}, step.ID); err != nil {
			return nil, err
		}
		if err := r.queue.Enqueue(ctx, queue.TopicStepReady, queue.Message{
			RunID:   run.ID,
			StepID:  step.ID,
			Attempt: 1,
		}); err != nil {
			return nil, err
		}
	}

	return run, nil
}
