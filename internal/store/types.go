package store

import (
	"encoding/json"
	"time"

	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// Run is the persisted representation of a top-level unit of work.
type Run struct {
	ID        string           `json:"id"`
	Goal      string           `json:"goal,omitempty"`
	Status    schema.RunStatus `json:"status"`
	Metadata  json.RawMessage  `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
}

// Step is one unit of executable work within a run. Name is unique within
// the run and is what dependency references resolve against.
type Step struct {
	ID             string            `json:"id"`
	RunID          string            `json:"run_id"`
	Name           string            `json:"name"`
	Tool           string            `json:"tool"`
	Inputs         map[string]any    `json:"inputs,omitempty"`
	Status         schema.StepStatus `json:"status"`
	Outputs        json.RawMessage   `json:"outputs,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	TimeoutMs      int64             `json:"timeout_ms,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
}

// Event is an immutable entry in the run event stream.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Sequence  int64           `json:"sequence"`
}

// OutboxEntry is a staged event copy awaiting asynchronous external delivery.
type OutboxEntry struct {
	ID        int64           `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Sent      bool            `json:"sent"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// Gate is an approval record scoped to one run+step+gate-type.
type Gate struct {
	ID         string            `json:"id"`
	RunID      string            `json:"run_id"`
	StepID     string            `json:"step_id"`
	GateType   string            `json:"gate_type"`
	Status     schema.GateStatus `json:"status"`
	ApprovedBy string            `json:"approved_by,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status    *schema.RunStatus `json:"status,omitempty"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	ClearEnd  bool              `json:"clear_end,omitempty"` // reset ended_at to NULL (retry path)
}

// StepUpdate specifies mutable fields of a step. Status writes are
// unconditional (last write wins); handlers and the runner may both write.
type StepUpdate struct {
	Status     *schema.StepStatus `json:"status,omitempty"`
	Outputs    json.RawMessage    `json:"outputs,omitempty"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	EndedAt    *time.Time         `json:"ended_at,omitempty"`
	ClearStart bool               `json:"clear_start,omitempty"` // reset started_at to NULL (retry path)
	ClearEnd   bool               `json:"clear_end,omitempty"`
	ClearOut   bool               `json:"clear_outputs,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID  string `json:"run_id,omitempty"`
	StepID string `json:"step_id,omitempty"`
	Type   string `json:"event_type,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}
