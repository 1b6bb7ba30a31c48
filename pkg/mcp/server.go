package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// RunController is the slice of the runner the control surface needs.
type RunController interface {
	Submit(ctx context.Context, def *schema.RunDefinition) (*store.Run, error)
	RetryStep(ctx context.Context, runID, stepID string) error
	CancelRun(ctx context.Context, runID string) error
}

// NofxServerDeps holds the dependencies for creating a NofxServer.
type NofxServerDeps struct {
	Controller RunController
	Store      store.Store
	Logger     *slog.Logger
}

// NofxServer wraps an MCP server with the run-orchestration tool handlers.
type NofxServer struct {
	controller RunController
	store      store.Store
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewNofxServer creates a NofxServer with all tools registered.
func NewNofxServer(deps NofxServerDeps) *NofxServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &NofxServer{
		controller: deps.Controller,
		store:      deps.Store,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"nofx",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("NOFX runs multi-step automated pipelines. Use nofx.submit to start a run, nofx.status to inspect it, nofx.retry to re-run a failed step, nofx.approve to resolve an approval gate, nofx.cancel to stop a run, and nofx.events to read the event stream."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *NofxServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *NofxServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *NofxServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: retryTool(), Handler: s.handleRetry},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: eventsTool(), Handler: s.handleEvents},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("nofx.submit",
		mcp.WithDescription("Submit a run: a goal plus an ordered set of tool steps"),
		mcp.WithString("goal", mcp.Description("Human-readable goal of the run")),
		mcp.WithArray("steps", mcp.Required(), mcp.Description("Step definitions: name, tool, inputs (may include _dependsOn, _policy, _select)")),
		mcp.WithObject("metadata", mcp.Description("Arbitrary run metadata")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("nofx.status",
		mcp.WithDescription("Get a run's status and its steps"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func retryTool() mcp.Tool {
	return mcp.NewTool("nofx.retry",
		mcp.WithDescription("Retry a failed, timed-out, or cancelled step"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run owning the step")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the step to retry")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("nofx.approve",
		mcp.WithDescription("Resolve a pending approval gate"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run owning the gate")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the gated step")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("passed", "failed", "waived"),
			mcp.Description("Gate resolution"),
		),
		mcp.WithString("gate_type", mcp.Description("Gate scope (default: manual:db)")),
		mcp.WithString("approved_by", mcp.Description("Identity of the approver")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("nofx.cancel",
		mcp.WithDescription("Cancel a run and all of its unfinished steps"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("nofx.events",
		mcp.WithDescription("Read a run's event stream in sequence order"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to read")),
		mcp.WithNumber("since", mcp.Description("Only events with sequence greater than this")),
	)
}
