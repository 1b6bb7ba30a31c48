package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// FileStore is a flat-file Store backend for local development and tests.
// It holds all state in memory and persists a JSON snapshot after each
// mutation. It does NOT support transactions: Atomically gives mutual
// exclusion between blocks but no rollback, so multi-statement consistency
// is best-effort only. The core is specified to behave correctly, with
// degraded atomicity, in this case.
type FileStore struct {
	mu       sync.Mutex
	atomicMu sync.Mutex
	path     string

	state fileState
}

type atomicCtxKey struct{}

type fileState struct {
	Runs      map[string]*Run      `json:"runs"`
	Steps     map[string]*Step     `json:"steps"`
	Events    []*Event             `json:"events"`
	Outbox    []*OutboxEntry       `json:"outbox"`
	Inbox     map[string]time.Time `json:"inbox"`
	Gates     map[string]*Gate     `json:"gates"`
	NextEvent int64                `json:"next_event_id"`
	NextBox   int64                `json:"next_outbox_id"`
}

// NewFileStore opens (or creates) a file-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	fs := &FileStore{
		path: filepath.Join(dir, "state.json"),
		state: fileState{
			Runs:  make(map[string]*Run),
			Steps: make(map[string]*Step),
			Inbox: make(map[string]time.Time),
			Gates: make(map[string]*Gate),
		},
	}
	if data, err := os.ReadFile(fs.path); err == nil {
		if err := json.Unmarshal(data, &fs.state); err != nil {
			return nil, fmt.Errorf("load store state: %w", err)
		}
	}
	return fs, nil
}

// persist writes the state snapshot via a temp file and rename.
// Caller must hold mu.
func (f *FileStore) persist() error {
	data, err := json.MarshalIndent(&f.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store state: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write store state: %w", err)
	}
	return os.Rename(tmp, f.path)
}

// SupportsTransactions reports that this backend has no transactions.
func (f *FileStore) SupportsTransactions() bool { return false }

// Atomically serializes fn against other atomic blocks so count-then-write
// sequences (run completion) are race-safe, but offers no rollback: writes
// made before an error stick. Nested calls join the enclosing block.
func (f *FileStore) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(atomicCtxKey{}) != nil {
		return fn(ctx)
	}
	f.atomicMu.Lock()
	defer f.atomicMu.Unlock()
	return fn(context.WithValue(ctx, atomicCtxKey{}, struct{}{}))
}

// Migrate is a no-op for the file backend.
func (f *FileStore) Migrate(ctx context.Context) error { return nil }

// Close persists a final snapshot.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.persist()
}

// --- Runs ---

func (f *FileStore) CreateRun(ctx context.Context, run *Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.state.Runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	cp := *run
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	f.state.Runs[run.ID] = &cp
	return f.persist()
}

func (f *FileStore) GetRun(ctx context.Context, id string) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.state.Runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeRunNotFound, "run %q not found", id)
	}
	cp := *run
	return &cp, nil
}

func (f *FileStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.state.Runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeRunNotFound, "run %q not found", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.EndedAt != nil {
		run.EndedAt = update.EndedAt
	}
	if update.ClearEnd {
		run.EndedAt = nil
	}
	return f.persist()
}

// --- Steps ---

func (f *FileStore) CreateStep(ctx context.Context, step *Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.state.Steps[step.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step %q already exists", step.ID)
	}
	cp := *step
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	f.state.Steps[step.ID] = &cp
	return f.persist()
}

func (f *FileStore) GetStep(ctx context.Context, id string) (*Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	step, ok := f.state.Steps[id]
	if !ok {
		return nil, schema.StepNotFound(id)
	}
	cp := *step
	return &cp, nil
}

func (f *FileStore) UpdateStep(ctx context.Context, id string, update StepUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	step, ok := f.state.Steps[id]
	if !ok {
		return schema.StepNotFound(id)
	}
	if update.Status != nil {
		step.Status = *update.Status
	}
	if update.Outputs != nil {
		step.Outputs = update.Outputs
	}
	if update.ClearOut {
		step.Outputs = nil
	}
	if update.StartedAt != nil {
		step.StartedAt = update.StartedAt
	}
	if update.EndedAt != nil {
		step.EndedAt = update.EndedAt
	}
	if update.ClearStart {
		step.StartedAt = nil
	}
	if update.ClearEnd {
		step.EndedAt = nil
	}
	return f.persist()
}

func (f *FileStore) ListStepsByRun(ctx context.Context, runID string) ([]*Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var steps []*Step
	for _, step := range f.state.Steps {
		if step.RunID == runID {
			cp := *step
			steps = append(steps, &cp)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].ID < steps[j].ID
		}
		return steps[i].CreatedAt.Before(steps[j].CreatedAt)
	})
	return steps, nil
}

func (f *FileStore) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, step := range f.state.Steps {
		if step.RunID != runID {
			continue
		}
		if step.Status != schema.StepStatusSucceeded && step.Status != schema.StepStatusCancelled {
			n++
		}
	}
	return n, nil
}

func (f *FileStore) ListRunningStepsStartedBefore(ctx context.Context, cutoff time.Time) ([]*Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var steps []*Step
	for _, step := range f.state.Steps {
		if step.Status == schema.StepStatusRunning && step.StartedAt != nil && step.StartedAt.Before(cutoff) {
			cp := *step
			steps = append(steps, &cp)
		}
	}
	return steps, nil
}

// --- Inbox ---

func (f *FileStore) InboxMarkIfNew(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, claimed := f.state.Inbox[key]; claimed {
		return false, nil
	}
	f.state.Inbox[key] = time.Now().UTC()
	return true, f.persist()
}

func (f *FileStore) InboxDelete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.state.Inbox, key)
	return f.persist()
}

// --- Events ---

func (f *FileStore) AppendEvent(ctx context.Context, event *Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var seq int64
	for _, e := range f.state.Events {
		if e.RunID == event.RunID && e.Sequence > seq {
			seq = e.Sequence
		}
	}
	f.state.NextEvent++
	cp := *event
	cp.ID = f.state.NextEvent
	cp.Sequence = seq + 1
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	event.ID = cp.ID
	event.Sequence = cp.Sequence
	f.state.Events = append(f.state.Events, &cp)
	return f.persist()
}

func (f *FileStore) ListEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var events []*Event
	for _, e := range f.state.Events {
		if e.RunID == runID && e.Sequence > since {
			cp := *e
			events = append(events, &cp)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	return events, nil
}

func (f *FileStore) ListEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var events []*Event
	for _, e := range f.state.Events {
		if e.Type != eventType {
			continue
		}
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		if filter.StepID != "" && e.StepID != filter.StepID {
			continue
		}
		cp := *e
		events = append(events, &cp)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.After(events[j].CreatedAt) })
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

// --- Outbox ---

func (f *FileStore) OutboxAdd(ctx context.Context, entry *OutboxEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.NextBox++
	cp := *entry
	cp.ID = f.state.NextBox
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	f.state.Outbox = append(f.state.Outbox, &cp)
	return f.persist()
}

func (f *FileStore) OutboxPending(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var entries []*OutboxEntry
	for _, e := range f.state.Outbox {
		if !e.Sent {
			cp := *e
			entries = append(entries, &cp)
			if len(entries) == limit {
				break
			}
		}
	}
	return entries, nil
}

func (f *FileStore) OutboxMarkSent(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	now := time.Now().UTC()
	for _, e := range f.state.Outbox {
		if _, ok := want[e.ID]; ok {
			e.Sent = true
			e.SentAt = &now
			e.Attempts++
		}
	}
	return f.persist()
}

// --- Gates ---

func gateKey(runID, stepID, gateType string) string {
	return strings.Join([]string{runID, stepID, gateType}, "/")
}

func (f *FileStore) CreateGate(ctx context.Context, gate *Gate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := gateKey(gate.RunID, gate.StepID, gate.GateType)
	if _, exists := f.state.Gates[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "gate %s already exists", key)
	}
	cp := *gate
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	f.state.Gates[key] = &cp
	return f.persist()
}

func (f *FileStore) GetGate(ctx context.Context, runID, stepID, gateType string) (*Gate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate, ok := f.state.Gates[gateKey(runID, stepID, gateType)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "gate %s/%s/%s not found", runID, stepID, gateType)
	}
	cp := *gate
	return &cp, nil
}

func (f *FileStore) ResolveGate(ctx context.Context, id string, status schema.GateStatus, approvedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for _, gate := range f.state.Gates {
		if gate.ID == id {
			gate.Status = status
			gate.ApprovedBy = approvedBy
			gate.ResolvedAt = &now
			return f.persist()
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "gate %q not found", id)
}
