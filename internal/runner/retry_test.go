package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/handlers"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

func failOnce(f *fixture) {
	failed := true
	f.script.fn = func(_ context.Context, inv *handlers.Invocation) error {
		if failed {
			failed = false
			return errors.New("transient")
		}
		inv.SetOutputs(map[string]any{"ok": true})
		return nil
	}
}

func TestRetryStep_FullRecoveryCycle(t *testing.T) {
	f := newFixture(t)
	failOnce(f)
	run := f.submit(t, singleStepDef("script"))
	step := f.step(t, run.ID, "only")

	require.Error(t, f.runner.RunStep(context.Background(), run.ID, step.ID, 1))

	require.NoError(t, f.runner.RetryStep(context.Background(), run.ID, step.ID))

	// The reset restores a runnable baseline on step and run.
	reset, err := f.store.GetStep(context.Background(), step.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusQueued, reset.Status)
	assert.Nil(t, reset.StartedAt)
	assert.Nil(t, reset.EndedAt)
	assert.Empty(t, reset.Outputs)

	resumed, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, resumed.Status)
	assert.Nil(t, resumed.EndedAt)

	types := f.eventTypes(t, run.ID)
	assert.Contains(t, types, schema.EventStepRetry)
	assert.Contains(t, types, schema.EventRunResumed)

	// Claims were released, so the redelivered message executes again.
	require.NoError(t, f.runner.RunStep(context.Background(), run.ID, step.ID, 1))
	assert.Equal(t, int32(2), f.script.calls.Load())

	final, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, final.Status)
}

func TestRetryStep_ReenqueuesAttemptOne(t *testing.T) {
	f := newFixture(t)
	f.script.fn = func(_ context.Context, _ *handlers.Invocation) error {
		return errors.New("boom")
	}
	run := f.submit(t, singleStepDef("script"))
	step := f.step(t, run.ID, "only")

	require.Error(t, f.runner.RunStep(context.Background(), run.ID, step.ID, 7))
	require.NoError(t, f.runner.RetryStep(context.Background(), run.ID, step.ID))

	f.drainOne(t) // initial submission
	msg := f.drainOne(t)
	assert.Equal(t, step.ID, msg.StepID)
	assert.Equal(t, 1, msg.Attempt)
}

func TestRetryStep_NotFound(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, singleStepDef("test:echo"))

	err := f.runner.RetryStep(context.Background(), run.ID, "missing")
	require.Error(t, err)
	var nerr *schema.NofxError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, schema.ErrCodeStepNotFound, nerr.Code)
	assert.Equal(t, "step_not_found", nerr.Message)
}

func TestRetryStep_CrossRunReferenceIsNotFound(t *testing.T) {
	f := newFixture(t)
	runA := f.submit(t, singleStepDef("test:echo"))
	runB := f.submit(t, singleStepDef("test:echo"))
	stepB := f.step(t, runB.ID, "only")

	err := f.runner.RetryStep(context.Background(), runA.ID, stepB.ID)
	require.Error(t, err)
	var nerr *schema.NofxError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, schema.ErrCodeStepNotFound, nerr.Code)
}

func TestRetryStep_NonTerminalNotRetryable(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, singleStepDef("test:echo"))
	step := f.step(t, run.ID, "only")

	for _, status := range []schema.StepStatus{
		schema.StepStatusQueued,
		schema.StepStatusRunning,
		schema.StepStatusSucceeded,
	} {
		st := status
		require.NoError(t, f.store.UpdateStep(context.Background(), step.ID, store.StepUpdate{Status: &st}))

		err := f.runner.RetryStep(context.Background(), run.ID, step.ID)
		require.Error(t, err)
		var nerr *schema.NofxError
		require.True(t, errors.As(err, &nerr))
		assert.Equal(t, schema.ErrCodeStepNotRetryable, nerr.Code)
		assert.Equal(t, "step_not_retryable:"+string(status), nerr.Message)
	}
}

func TestRetryStep_CaseInsensitiveStatusMatch(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, singleStepDef("test:echo"))
	step := f.step(t, run.ID, "only")

	upper := schema.StepStatus("FAILED")
	require.NoError(t, f.store.UpdateStep(context.Background(), step.ID, store.StepUpdate{Status: &upper}))

	require.NoError(t, f.runner.RetryStep(context.Background(), run.ID, step.ID))
}

func TestRetryStep_RetryableStatuses(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, singleStepDef("test:echo"))
	step := f.step(t, run.ID, "only")

	for _, status := range []schema.StepStatus{
		schema.StepStatusFailed,
		schema.StepStatusTimedOut,
		schema.StepStatusCancelled,
	} {
		st := status
		require.NoError(t, f.store.UpdateStep(context.Background(), step.ID, store.StepUpdate{Status: &st}))
		require.NoError(t, f.runner.RetryStep(context.Background(), run.ID, step.ID))
	}
}
