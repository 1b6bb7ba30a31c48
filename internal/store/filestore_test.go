package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

func newFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

func TestFileStore_RunRoundTrip(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	r := &Run{
		ID:       uuid.New().String(),
		Goal:     "test",
		Status:   schema.RunStatusPending,
		Metadata: json.RawMessage(`{"k":"v"}`),
	}
	require.NoError(t, s.CreateRun(ctx, r))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Goal, got.Goal)
	assert.JSONEq(t, `{"k":"v"}`, string(got.Metadata))

	err = s.CreateRun(ctx, &Run{ID: r.ID})
	require.Error(t, err, "duplicate run id rejected")
}

func TestFileStore_NotFoundCodes(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	var nerr *schema.NofxError

	_, err := s.GetRun(ctx, "missing")
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, schema.ErrCodeRunNotFound, nerr.Code)

	_, err = s.GetStep(ctx, "missing")
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, schema.ErrCodeStepNotFound, nerr.Code)

	_, err = s.GetGate(ctx, "r", "s", "manual:db")
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, schema.ErrCodeNotFound, nerr.Code)
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	s, dir := newFileStore(t)
	ctx := context.Background()

	r := seedRun(t, s)
	step := seedStep(t, s, r.ID, "build", schema.StepStatusQueued)
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r.ID, Type: schema.EventRunCreated}))
	claimed, err := s.InboxMarkIfNew(ctx, "step-exec:"+step.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, s.Close())

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, "build", got.Name)

	events, err := reopened.ListEvents(ctx, r.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Sequence)

	claimed, err = reopened.InboxMarkIfNew(ctx, "step-exec:"+step.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "inbox claims survive a restart")
}

func TestFileStore_EventSequencePerRun(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()
	r1 := seedRun(t, s)
	r2 := seedRun(t, s)

	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r1.ID, Type: schema.EventRunCreated}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r2.ID, Type: schema.EventRunCreated}))
	e := &Event{RunID: r1.ID, Type: schema.EventStepQueued}
	require.NoError(t, s.AppendEvent(ctx, e))

	assert.Equal(t, int64(2), e.Sequence, "sequence assigned back onto the passed event")

	events, err := s.ListEvents(ctx, r2.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Sequence)
}

func TestFileStore_CountRemainingSteps(t *testing.T) {
	s, _ := newFileStore(t)
	r := seedRun(t, s)
	seedStep(t, s, r.ID, "done", schema.StepStatusSucceeded)
	seedStep(t, s, r.ID, "cancelled", schema.StepStatusCancelled)
	seedStep(t, s, r.ID, "left", schema.StepStatusRunning)

	n, err := s.CountRemainingSteps(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFileStore_OutboxLifecycle(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.OutboxAdd(ctx, &OutboxEntry{Topic: "events", Payload: json.RawMessage(`{"a":1}`)}))
	require.NoError(t, s.OutboxAdd(ctx, &OutboxEntry{Topic: "events", Payload: json.RawMessage(`{"a":2}`)}))

	pending, err := s.OutboxPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.OutboxMarkSent(ctx, []int64{pending[0].ID}))

	pending, err = s.OutboxPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"a":2}`, string(pending[0].Payload))
}

func TestFileStore_GateLifecycle(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()
	r := seedRun(t, s)
	step := seedStep(t, s, r.ID, "write", schema.StepStatusRunning)

	gate := &Gate{
		ID:       uuid.New().String(),
		RunID:    r.ID,
		StepID:   step.ID,
		GateType: "manual:db",
		Status:   schema.GateStatusPending,
	}
	require.NoError(t, s.CreateGate(ctx, gate))
	err := s.CreateGate(ctx, &Gate{ID: uuid.New().String(), RunID: r.ID, StepID: step.ID, GateType: "manual:db"})
	require.Error(t, err, "one gate per run+step+type")

	require.NoError(t, s.ResolveGate(ctx, gate.ID, schema.GateStatusWaived, "oncall"))

	got, err := s.GetGate(ctx, r.ID, step.ID, "manual:db")
	require.NoError(t, err)
	assert.Equal(t, schema.GateStatusWaived, got.Status)
	assert.Equal(t, "oncall", got.ApprovedBy)
}

func TestFileStore_AtomicallyNoRollback(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	assert.False(t, s.SupportsTransactions())

	// No rollback on this backend: writes before the error stick.
	boom := errors.New("boom")
	runID := uuid.New().String()
	err := s.Atomically(ctx, func(ctx context.Context) error {
		if err := s.CreateRun(ctx, &Run{ID: runID, Status: schema.RunStatusPending}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetRun(ctx, runID)
	require.NoError(t, err)
}

func TestFileStore_AtomicallyNestedJoinsOuter(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()
	runID := uuid.New().String()

	// A nested block must not deadlock on the outer one.
	err := s.Atomically(ctx, func(ctx context.Context) error {
		return s.Atomically(ctx, func(ctx context.Context) error {
			return s.CreateRun(ctx, &Run{ID: runID, Status: schema.RunStatusPending})
		})
	})
	require.NoError(t, err)

	_, err = s.GetRun(ctx, runID)
	require.NoError(t, err)
}

func TestFileStore_AtomicallySerializesBlocks(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()
	r := seedRun(t, s)

	// Concurrent read-then-write blocks: each names its step after the
	// current count, so a lost update would produce a duplicate name.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Atomically(ctx, func(ctx context.Context) error {
				steps, err := s.ListStepsByRun(ctx, r.ID)
				if err != nil {
					return err
				}
				return s.CreateStep(ctx, &Step{
					ID:     uuid.New().String(),
					RunID:  r.ID,
					Name:   fmt.Sprintf("s%d", len(steps)),
					Tool:   "test:echo",
					Status: schema.StepStatusPending,
				})
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	steps, err := s.ListStepsByRun(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, steps, 8)
	names := make(map[string]bool, len(steps))
	for _, step := range steps {
		names[step.Name] = true
	}
	assert.Len(t, names, 8, "serialized blocks must not reuse a count")
}

func TestFileStore_ReturnsCopies(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()
	r := seedRun(t, s)

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	got.Status = schema.RunStatusFailed

	again, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPending, again.Status, "mutating a returned run must not touch the store")
}
