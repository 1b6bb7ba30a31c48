package store

import (
	"context"
	"time"

	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error

	// Steps
	CreateStep(ctx context.Context, step *Step) error
	GetStep(ctx context.Context, id string) (*Step, error)
	UpdateStep(ctx context.Context, id string, update StepUpdate) error
	ListStepsByRun(ctx context.Context, runID string) ([]*Step, error)
	// CountRemainingSteps counts steps of the run not yet in a
	// terminal-success-like state (succeeded or cancelled).
	CountRemainingSteps(ctx context.Context, runID string) (int, error)
	// ListRunningStepsStartedBefore returns running steps whose started_at
	// precedes the cutoff. Used by the timeout monitor.
	ListRunningStepsStartedBefore(ctx context.Context, cutoff time.Time) ([]*Step, error)

	// Inbox dedup claims. InboxMarkIfNew is an atomic insert-if-absent:
	// true means the key was claimed by this call, false means it was
	// already held. Must not be implemented as a read-then-write.
	InboxMarkIfNew(ctx context.Context, key string) (bool, error)
	InboxDelete(ctx context.Context, key string) error

	// Event stream (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	ListEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Outbox
	OutboxAdd(ctx context.Context, entry *OutboxEntry) error
	OutboxPending(ctx context.Context, limit int) ([]*OutboxEntry, error)
	OutboxMarkSent(ctx context.Context, ids []int64) error

	// Gates
	CreateGate(ctx context.Context, gate *Gate) error
	GetGate(ctx context.Context, runID, stepID, gateType string) (*Gate, error)
	ResolveGate(ctx context.Context, id string, status schema.GateStatus, approvedBy string) error

	// Atomicity. SupportsTransactions reports whether Atomically provides a
	// real transaction; flat-file backends run fn directly with no rollback.
	SupportsTransactions() bool
	Atomically(ctx context.Context, fn func(ctx context.Context) error) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
