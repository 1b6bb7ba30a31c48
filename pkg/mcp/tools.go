package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// handleSubmit validates and starts a run.
func (s *NofxServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	rawSteps, ok := args["steps"]
	if !ok {
		return mcp.NewToolResultError("steps is required"), nil
	}

	// Round-trip through JSON so loosely-typed tool arguments land in the
	// typed definition.
	var def schema.RunDefinition
	def.Goal = req.GetString("goal", "")
	stepsJSON, err := json.Marshal(rawSteps)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid steps: %v", err)), nil
	}
	if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid steps: %v", err)), nil
	}
	def.Metadata = mcp.ParseStringMap(req, "metadata", nil)

	run, err := s.controller.Submit(ctx, &def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"runId":  run.ID,
		"status": run.Status,
	})
}

// handleStatus returns the run record plus all of its steps.
func (s *NofxServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
	}
	steps, err := s.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("step listing failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"run":   run,
		"steps": steps,
	})
}

// handleRetry resets a terminal step and re-enqueues it. The typed retry
// errors map onto distinct, matchable messages for callers.
func (s *NofxServer) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}

	if err := s.controller.RetryStep(ctx, runID, stepID); err != nil {
		var nerr *schema.NofxError
		if errors.As(err, &nerr) {
			return mcp.NewToolResultError(nerr.Message), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("retry failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"ok":     true,
		"runId":  runID,
		"stepId": stepID,
	})
}

// handleApprove resolves an approval gate. The parked step notices on its
// next poll re-enqueue; no push is needed.
func (s *NofxServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	status := schema.GateStatus(decision)
	switch status {
	case schema.GateStatusPassed, schema.GateStatusFailed, schema.GateStatusWaived:
	default:
		return mcp.NewToolResultError("decision must be passed, failed, or waived"), nil
	}

	gateType := req.GetString("gate_type", "manual:db")
	approvedBy := req.GetString("approved_by", "")

	gate, err := s.store.GetGate(ctx, runID, stepID, gateType)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("gate lookup failed: %v", err)), nil
	}
	if err := s.store.ResolveGate(ctx, gate.ID, status, approvedBy); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("gate resolution failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"ok":       true,
		"gateId":   gate.ID,
		"decision": decision,
	})
}

// handleCancel stops a run.
func (s *NofxServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if err := s.controller.CancelRun(ctx, runID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"ok":    true,
		"runId": runID,
	})
}

// handleEvents reads the run's event stream.
func (s *NofxServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	since := req.GetFloat("since", 0)

	events, err := s.store.ListEvents(ctx, runID, int64(since))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event listing failed: %v", err)), nil
	}
	if events == nil {
		events = []*store.Event{}
	}

	return marshalResult(map[string]any{
		"runId":  runID,
		"events": events,
	})
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
