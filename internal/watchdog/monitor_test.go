package watchdog

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

type recordingTimeouter struct {
	calls []string
}

func (r *recordingTimeouter) MarkStepTimedOut(_ context.Context, runID, stepID string, _ int64) error {
	r.calls = append(r.calls, stepID)
	return nil
}

func seedStep(t *testing.T, s store.Store, id string, status schema.StepStatus, startedAgo time.Duration, timeoutMs int64) {
	t.Helper()
	startedAt := time.Now().UTC().Add(-startedAgo)
	require.NoError(t, s.CreateStep(context.Background(), &store.Step{
		ID:        id,
		RunID:     "run-1",
		Name:      id,
		Tool:      "bash",
		Status:    status,
		StartedAt: &startedAt,
		TimeoutMs: timeoutMs,
	}))
}

func TestMonitor_SweepTimesOutOverdueSteps(t *testing.T) {
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateRun(context.Background(), &store.Run{ID: "run-1", Status: schema.RunStatusRunning}))

	seedStep(t, s, "overdue", schema.StepStatusRunning, time.Hour, 0)
	seedStep(t, s, "fresh", schema.StepStatusRunning, time.Second, 0)
	seedStep(t, s, "done", schema.StepStatusSucceeded, time.Hour, 0)
	seedStep(t, s, "custom", schema.StepStatusRunning, 2*time.Second, 500)

	rec := &recordingTimeouter{}
	m, err := NewMonitor(s, rec, "* * * * *", time.Minute, slog.Default())
	require.NoError(t, err)

	m.Sweep(context.Background())

	assert.ElementsMatch(t, []string{"overdue", "custom"}, rec.calls)
}

func TestMonitor_BadScheduleRejected(t *testing.T) {
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = NewMonitor(s, &recordingTimeouter{}, "not a cron spec", time.Minute, nil)
	require.Error(t, err)
}

func TestMonitor_StartStop(t *testing.T) {
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	m, err := NewMonitor(s, &recordingTimeouter{}, "* * * * *", time.Minute, slog.Default())
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())
}
