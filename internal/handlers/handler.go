package handlers

import (
	"context"
	"log/slog"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/events"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/policy"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
)

// Handler executes one tool category. Match decides whether a handler owns
// a tool string; Run performs the work. A handler signals failure by
// returning an error, sets outputs via the invocation, and may manage its
// own step status writes for externally-gated operations (last write wins).
type Handler interface {
	Match(tool string) bool
	Run(ctx context.Context, inv *Invocation) error
}

// Invocation carries everything a handler needs for one step execution.
// Inputs are the step inputs after ${{...}} interpolation; reserved keys
// (leading underscore) are preserved untouched.
type Invocation struct {
	Run     *store.Run
	Step    *store.Step
	Inputs  map[string]any
	Attempt int

	Store      store.Store
	Recorder   *events.Recorder
	Gatekeeper *policy.Gatekeeper
	Logger     *slog.Logger

	outputs   map[string]any
	suspended bool
	ownStatus bool
}

// SetOutputs records the handler's result payload. The runner persists it
// onto the step after a successful return.
func (inv *Invocation) SetOutputs(outputs map[string]any) {
	inv.outputs = outputs
}

// Outputs returns the payload recorded by SetOutputs, or nil.
func (inv *Invocation) Outputs() map[string]any {
	return inv.outputs
}

// Suspend marks the attempt as parked (approval pending, already
// re-enqueued). The runner releases the attempt claim and returns without
// touching step status.
func (inv *Invocation) Suspend() {
	inv.suspended = true
}

// Suspended reports whether the handler parked this attempt.
func (inv *Invocation) Suspended() bool {
	return inv.suspended
}

// OwnStatus declares that the handler wrote the step's terminal status
// itself; the runner skips its own success transition but still evaluates
// run completion.
func (inv *Invocation) OwnStatus() {
	inv.ownStatus = true
}

// OwnsStatus reports whether the handler claimed the status write.
func (inv *Invocation) OwnsStatus() bool {
	return inv.ownStatus
}
