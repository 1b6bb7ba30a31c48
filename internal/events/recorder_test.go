package events

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

func newFileBacked(t *testing.T) *store.FileStore {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSQLBacked(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordWritesEventAndOutbox(t *testing.T) {
	s := newFileBacked(t)
	rec := NewRecorder(s, nil)
	ctx := context.Background()

	err := rec.Record(ctx, "run-1", schema.EventStepStarted, map[string]any{"tool": "bash"}, "step-1")
	require.NoError(t, err)

	events, err := s.ListEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventStepStarted, events[0].Type)
	assert.Equal(t, "step-1", events[0].StepID)
	assert.JSONEq(t, `{"tool":"bash"}`, string(events[0].Payload))

	pending, err := s.OutboxPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "events", pending[0].Topic)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(pending[0].Payload, &envelope))
	assert.Equal(t, "run-1", envelope.RunID)
	require.NotNil(t, envelope.StepID)
	assert.Equal(t, "step-1", *envelope.StepID)
	assert.Equal(t, schema.EventStepStarted, envelope.Type)
}

func TestRecordRunLevelEvent(t *testing.T) {
	s := newFileBacked(t)
	rec := NewRecorder(s, nil)
	ctx := context.Background()

	require.NoError(t, rec.Record(ctx, "run-1", schema.EventRunCreated, nil, ""))

	pending, err := s.OutboxPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(pending[0].Payload, &envelope))
	assert.Nil(t, envelope.StepID)
	assert.JSONEq(t, `{}`, string(envelope.Payload))
}

func TestRecordTransactional(t *testing.T) {
	s := newSQLBacked(t)
	rec := NewRecorder(s, nil)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &store.Run{ID: "run-1", Status: schema.RunStatusPending}))
	require.NoError(t, rec.Record(ctx, "run-1", schema.EventRunStarted, map[string]any{"a": 1}, ""))

	events, err := s.ListEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	pending, err := s.OutboxPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "event and outbox row land together")
}

func TestRecordJoinsEnclosingTransaction(t *testing.T) {
	s := newSQLBacked(t)
	rec := NewRecorder(s, nil)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Atomically(ctx, func(ctx context.Context) error {
		if err := rec.Record(ctx, "run-1", schema.EventRunCreated, nil, ""); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	events, err := s.ListEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.Empty(t, events, "event rolled back with the outer unit")

	pending, err := s.OutboxPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// failingOutbox makes OutboxAdd fail outside transactions to exercise the
// best-effort path.
type failingOutbox struct {
	store.Store
}

func (f *failingOutbox) OutboxAdd(ctx context.Context, entry *store.OutboxEntry) error {
	return errors.New("outbox unavailable")
}

func (f *failingOutbox) SupportsTransactions() bool { return false }

func TestRecordOutboxBestEffort(t *testing.T) {
	s := &failingOutbox{Store: newFileBacked(t)}
	rec := NewRecorder(s, nil)
	ctx := context.Background()

	// Outbox failure is swallowed on non-transactional backends.
	require.NoError(t, rec.Record(ctx, "run-1", schema.EventStepFailed, map[string]any{"error": "x"}, "step-1"))

	events, err := s.ListEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1, "primary event write still happened")
}

func TestSanitize(t *testing.T) {
	assert.JSONEq(t, `{}`, string(Sanitize(nil)))
	assert.JSONEq(t, `{"a":1}`, string(Sanitize(map[string]any{"a": 1})))
	assert.Equal(t, `"hello"`, string(Sanitize("hello")))
	assert.Equal(t, `42`, string(Sanitize(42)))
	assert.JSONEq(t, `{"x":true}`, string(Sanitize(json.RawMessage(`{"x":true}`))))
	assert.JSONEq(t, `{}`, string(Sanitize(json.RawMessage(nil))))

	// Unmarshalable values collapse instead of erroring.
	assert.JSONEq(t, `{}`, string(Sanitize(make(chan int))))
}
