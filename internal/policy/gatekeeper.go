package policy

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/events"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// ApprovalMode controls which operations require a human gate.
type ApprovalMode string

const (
	ApprovalNone      ApprovalMode = "none"
	ApprovalDangerous ApprovalMode = "dangerous"
	ApprovalAll       ApprovalMode = "all"
)

// GatePollDelay is how long a step waits between approval polls.
const GatePollDelay = 5000 * time.Millisecond

// Outcome tells the calling handler what to do next.
type Outcome int

const (
	// Proceed: approval granted or not required; execute the operation.
	Proceed Outcome = iota
	// Wait: approval pending; the handler must suspend the attempt and
	// return without executing so the step gets re-enqueued for a later poll.
	Wait
)

// Gatekeeper decides whether a dangerous operation may proceed. It combines
// a hard CEL denylist (never waitable) with a human approval gate. A Wait
// outcome means the caller must park the step (release claims, delayed
// re-enqueue); the Gatekeeper owns the gate record and gate.* events.
type Gatekeeper struct {
	store    store.Store
	recorder *events.Recorder
	rules    *Rules
	mode     ApprovalMode
	delay    time.Duration
	logger   *slog.Logger
}

// NewGatekeeper wires a Gatekeeper. rules may be nil (no denylist).
func NewGatekeeper(s store.Store, rec *events.Recorder, rules *Rules, mode ApprovalMode, logger *slog.Logger) *Gatekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gatekeeper{
		store:    s,
		recorder: rec,
		rules:    rules,
		mode:     mode,
		delay:    GatePollDelay,
		logger:   logger,
	}
}

// CheckRequest describes one guarded operation.
type CheckRequest struct {
	Run      *store.Run
	Step     *store.Step
	GateType string // e.g. "manual:db"
	Table    string
	Op       string // insert|update|delete|upsert
	// DeniedEvent is emitted when the denylist rejects the operation,
	// e.g. "db.write.denied".
	DeniedEvent string
}

// Check evaluates the denylist, then the approval policy. It returns Wait
// when the step was parked behind a pending gate, Proceed when execution may
// continue, and an error for hard rejections (policy denial or a failed
// gate). Hard rejections are permanent: Check marks the step failed before
// returning so the persisted record reflects the rejection.
func (g *Gatekeeper) Check(ctx context.Context, req CheckRequest) (Outcome, error) {
	// Denylist first. A policy violation is never waitable.
	if g.rules != nil {
		decision := g.rules.IsAllowed(ctx, Request{
			Table: req.Table,
			Op:    req.Op,
			Run:   runScope(req.Run),
			Step:  stepScope(req.Step),
		})
		if !decision.OK {
			if req.DeniedEvent != "" {
				_ = g.recorder.Record(ctx, req.Run.ID, req.DeniedEvent, map[string]any{
					"table":  req.Table,
					"op":     req.Op,
					"reason": decision.Reason,
				}, req.Step.ID)
			}
			g.failStep(ctx, req.Step, decision.Reason)
			return Proceed, schema.NewErrorf(schema.ErrCodePolicyDenied,
				"operation not allowed: %s", decision.Reason).WithStep(req.Step.ID)
		}
	}

	if !g.approvalRequired(req) {
		return Proceed, nil
	}

	gate, err := g.store.GetGate(ctx, req.Run.ID, req.Step.ID, req.GateType)
	if err != nil && !isNotFound(err) {
		return Proceed, err
	}

	if gate == nil {
		gate = &store.Gate{
			ID:        uuid.NewString(),
			RunID:     req.Run.ID,
			StepID:    req.Step.ID,
			GateType:  req.GateType,
			Status:    schema.GateStatusPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := g.store.CreateGate(ctx, gate); err != nil {
			return Proceed, err
		}
		if err := g.recorder.Record(ctx, req.Run.ID, schema.EventGateCreated, map[string]any{
			"gateId":   gate.ID,
			"gateType": req.GateType,
		}, req.Step.ID); err != nil {
			return Proceed, err
		}
		return g.park(ctx, req, gate)
	}

	switch {
	case gate.Status == schema.GateStatusPending:
		return g.park(ctx, req, gate)

	case gate.Status == schema.GateStatusFailed:
		_ = g.recorder.Record(ctx, req.Run.ID, schema.EventGateFailed, map[string]any{
			"gateId":   gate.ID,
			"gateType": req.GateType,
		}, req.Step.ID)
		g.failStep(ctx, req.Step, "not approved")
		return Proceed, schema.NewError(schema.ErrCodeGateRejected, "not approved").WithStep(req.Step.ID)

	case gate.Status.Approved():
		_ = g.recorder.Record(ctx, req.Run.ID, schema.EventGatePassed, map[string]any{
			"gateId":     gate.ID,
			"gateType":   req.GateType,
			"approvedBy": gate.ApprovedBy,
		}, req.Step.ID)
		return Proceed, nil
	}

	g.logger.Warn("gate in unknown status, re-polling",
		"gate_id", gate.ID, "status", gate.Status)
	return g.park(ctx, req, gate)
}

// park records gate.waiting and reports Wait. The caller re-enqueues the
// step after releasing its claims; the worker stays free either way.
func (g *Gatekeeper) park(ctx context.Context, req CheckRequest, gate *store.Gate) (Outcome, error) {
	if err := g.recorder.Record(ctx, req.Run.ID, schema.EventGateWaiting, map[string]any{
		"gateId":   gate.ID,
		"gateType": gate.GateType,
		"delayMs":  g.delay.Milliseconds(),
	}, req.Step.ID); err != nil {
		return Proceed, err
	}
	return Wait, nil
}

// approvalRequired applies the configured mode, letting a step's _policy
// hint force a gate regardless of mode.
func (g *Gatekeeper) approvalRequired(req CheckRequest) bool {
	if schema.PolicyHint(req.Step.Inputs) == "require_approval" {
		return true
	}
	switch g.mode {
	case ApprovalAll:
		return true
	case ApprovalDangerous:
		return dangerousOp(req.Op)
	default:
		return false
	}
}

func (g *Gatekeeper) failStep(ctx context.Context, step *store.Step, reason string) {
	status := schema.StepStatusFailed
	now := time.Now().UTC()
	if err := g.store.UpdateStep(ctx, step.ID, store.StepUpdate{
		Status:  &status,
		Outputs: events.Sanitize(map[string]any{"error": reason}),
		EndedAt: &now,
	}); err != nil {
		g.logger.Error("failed to persist gate rejection", "step_id", step.ID, "error", err)
	}
}

// dangerousOp classifies mutations that destroy or replace existing rows.
func dangerousOp(op string) bool {
	switch strings.ToLower(op) {
	case "update", "delete", "upsert", "truncate":
		return true
	default:
		return false
	}
}

func runScope(run *store.Run) map[string]any {
	if run == nil {
		return nil
	}
	return map[string]any{
		"id":     run.ID,
		"goal":   run.Goal,
		"status": string(run.Status),
	}
}

func stepScope(step *store.Step) map[string]any {
	if step == nil {
		return nil
	}
	return map[string]any{
		"id":     step.ID,
		"name":   step.Name,
		"tool":   step.Tool,
		"inputs": step.Inputs,
	}
}

func isNotFound(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	var nerr *schema.NofxError
	if errors.As(err, &nerr) {
		return nerr.Code == schema.ErrCodeNotFound || nerr.Code == schema.ErrCodeStepNotFound
	}
	return false
}
