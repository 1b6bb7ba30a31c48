package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

func gateFixtureStep(t *testing.T) (store.Store, *store.Step) {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	run := &store.Run{ID: "run-1", Status: schema.RunStatusRunning}
	require.NoError(t, s.CreateRun(context.Background(), run))
	step := &store.Step{
		ID:     "step-1",
		RunID:  "run-1",
		Name:   "lint",
		Tool:   "gate:lint",
		Status: schema.StepStatusRunning,
	}
	require.NoError(t, s.CreateStep(context.Background(), step))
	return s, step
}

func TestGateHandler_Match(t *testing.T) {
	h := NewGateHandler(ShellConfig{}, nil)
	assert.True(t, h.Match("gate:lint"))
	assert.True(t, h.Match("gate:test"))
	assert.False(t, h.Match("bash"))
}

func TestGateHandler_PassingCheckOwnsSuccess(t *testing.T) {
	s, step := gateFixtureStep(t)
	h := NewGateHandler(ShellConfig{}, map[string]string{"lint": "true"})
	inv := &Invocation{
		Run:    &store.Run{ID: "run-1"},
		Step:   step,
		Inputs: map[string]any{},
		Store:  s,
	}

	require.NoError(t, h.Run(context.Background(), inv))
	assert.True(t, inv.OwnsStatus())
	assert.Equal(t, true, inv.Outputs()["passed"])

	persisted, err := s.GetStep(context.Background(), step.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSucceeded, persisted.Status)
}

func TestGateHandler_FailingCheckOwnsFailure(t *testing.T) {
	s, step := gateFixtureStep(t)
	h := NewGateHandler(ShellConfig{}, map[string]string{"lint": "false"})
	inv := &Invocation{
		Run:    &store.Run{ID: "run-1"},
		Step:   step,
		Inputs: map[string]any{},
		Store:  s,
	}

	err := h.Run(context.Background(), inv)
	require.Error(t, err)
	assert.True(t, inv.OwnsStatus())
	assert.Equal(t, false, inv.Outputs()["passed"])

	persisted, err := s.GetStep(context.Background(), step.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusFailed, persisted.Status)
}

func TestGateHandler_InputCommandOverride(t *testing.T) {
	s, step := gateFixtureStep(t)
	h := NewGateHandler(ShellConfig{}, map[string]string{"lint": "false"})
	inv := &Invocation{
		Run:    &store.Run{ID: "run-1"},
		Step:   step,
		Inputs: map[string]any{"command": "true"},
		Store:  s,
	}

	require.NoError(t, h.Run(context.Background(), inv))
}

func TestGateHandler_UnconfiguredCheck(t *testing.T) {
	_, step := gateFixtureStep(t)
	h := NewGateHandler(ShellConfig{}, nil)

	err := h.Run(context.Background(), &Invocation{
		Run:    &store.Run{ID: "run-1"},
		Step:   step,
		Inputs: map[string]any{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no command configured")
}
