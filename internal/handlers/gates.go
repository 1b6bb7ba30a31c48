package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/events"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// GateHandler runs quality-gate checks (tools named gate:<check>, e.g.
// gate:lint, gate:typecheck, gate:test). Each check maps to a shell command.
// This handler owns its step's terminal status writes: it marks succeeded or
// failed itself and declares OwnStatus so the runner does not repeat the
// transition.
type GateHandler struct {
	cfg    ShellConfig
	checks map[string]string // check name -> command
}

// NewGateHandler creates a GateHandler over the configured check commands.
func NewGateHandler(cfg ShellConfig, checks map[string]string) *GateHandler {
	return &GateHandler{cfg: cfg.withDefaults(), checks: checks}
}

func (h *GateHandler) Match(tool string) bool {
	return strings.HasPrefix(tool, "gate:")
}

func (h *GateHandler) Run(ctx context.Context, inv *Invocation) error {
	check := strings.TrimPrefix(inv.Step.Tool, "gate:")
	command := stringParam(inv.Inputs, "command", h.checks[check])
	if command == "" {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"gate: no command configured for check %q", check).WithStep(inv.Step.ID)
	}

	result, err := execShell(ctx, h.cfg, shellRequest{
		Command:   command,
		Cwd:       stringParam(inv.Inputs, "cwd", h.cfg.WorkDir),
		TimeoutMs: int64Param(inv.Inputs, "timeout_ms", inv.Step.TimeoutMs),
	})
	if err != nil {
		return err
	}

	outputs := result.toMap()
	outputs["check"] = check
	outputs["passed"] = result.ExitCode == 0
	inv.SetOutputs(outputs)

	now := time.Now().UTC()
	if result.ExitCode != 0 {
		status := schema.StepStatusFailed
		if uerr := inv.Store.UpdateStep(ctx, inv.Step.ID, store.StepUpdate{
			Status:  &status,
			Outputs: events.Sanitize(outputs),
			EndedAt: &now,
		}); uerr != nil {
			return uerr
		}
		inv.OwnStatus()
		return schema.NewErrorf(schema.ErrCodeExecution,
			"gate %s failed: exit code %d", check, result.ExitCode).WithStep(inv.Step.ID)
	}

	status := schema.StepStatusSucceeded
	if uerr := inv.Store.UpdateStep(ctx, inv.Step.ID, store.StepUpdate{
		Status:  &status,
		Outputs: events.Sanitize(outputs),
		EndedAt: &now,
	}); uerr != nil {
		return uerr
	}
	inv.OwnStatus()
	return nil
}
