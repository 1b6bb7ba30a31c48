package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// ShellConfig configures shell-backed handlers.
type ShellConfig struct {
	DefaultTimeout time.Duration
	MaxOutputSize  int64
	WorkDir        string
}

func (cfg ShellConfig) withDefaults() ShellConfig {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return cfg
}

// BashHandler runs a shell command step, capturing stdout, stderr, exit
// code, and duration. A non-zero exit fails the step.
type BashHandler struct {
	cfg ShellConfig
}

// NewBashHandler creates a BashHandler with defaults applied.
func NewBashHandler(cfg ShellConfig) *BashHandler {
	return &BashHandler{cfg: cfg.withDefaults()}
}

func (h *BashHandler) Match(tool string) bool {
	return tool == "bash" || tool == "shell"
}

func (h *BashHandler) Run(ctx context.Context, inv *Invocation) error {
	command := stringParam(inv.Inputs, "command", "")
	if command == "" {
		return schema.NewError(schema.ErrCodeValidation, "bash: missing required input 'command'").
			WithStep(inv.Step.ID)
	}

	result, err := execShell(ctx, h.cfg, shellRequest{
		Command:   command,
		Args:      stringSliceParam(inv.Inputs, "args"),
		Env:       stringMapParam(inv.Inputs, "env"),
		Cwd:       stringParam(inv.Inputs, "cwd", h.cfg.WorkDir),
		Stdin:     stringParam(inv.Inputs, "stdin", ""),
		TimeoutMs: int64Param(inv.Inputs, "timeout_ms", inv.Step.TimeoutMs),
	})
	if err != nil {
		return err
	}

	inv.SetOutputs(result.toMap())
	if result.ExitCode != 0 {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"bash: exit code %d: %s", result.ExitCode, firstLine(result.Stderr)).
			WithStep(inv.Step.ID)
	}
	return nil
}

type shellRequest struct {
	Command   string
	Args      []string
	Env       map[string]string
	Cwd       string
	Stdin     string
	TimeoutMs int64
}

type shellResult struct {
	Stdout     any
	StdoutRaw  string
	Stderr     string
	ExitCode   int
	DurationMs int64
	Killed     bool
}

func (r *shellResult) toMap() map[string]any {
	return map[string]any{
		"stdout":      r.Stdout,
		"stdout_raw":  r.StdoutRaw,
		"stderr":      r.Stderr,
		"exit_code":   r.ExitCode,
		"duration_ms": r.DurationMs,
		"killed":      r.Killed,
	}
}

func execShell(ctx context.Context, cfg ShellConfig, req shellRequest) (*shellResult, error) {
	timeout := cfg.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fullCmd := req.Command
	if len(req.Args) > 0 {
		fullCmd = req.Command + " " + strings.Join(req.Args, " ")
	}
	cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", fullCmd)

	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}
	if req.Env != nil {
		cmd.Env = os.Environ()
		for k, v := range req.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: cfg.MaxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	killed := false
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "bash: %v", runErr).WithCause(runErr)
		}
		if execCtx.Err() == context.DeadlineExceeded {
			killed = true
		}
	}

	// Auto-parse stdout when it is valid JSON so later steps can reference
	// fields through interpolation.
	stdoutStr := stdoutBuf.String()
	var parsedStdout any = stdoutStr
	if stdoutBuf.Len() > 0 && json.Valid(stdoutBuf.Bytes()) {
		var parsed any
		if err := json.Unmarshal(stdoutBuf.Bytes(), &parsed); err == nil {
			parsedStdout = parsed
		}
	}

	return &shellResult{
		Stdout:     parsedStdout,
		StdoutRaw:  stdoutStr,
		Stderr:     stderrBuf.String(),
		ExitCode:   exitCode,
		DurationMs: durationMs,
		Killed:     killed,
	}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		return s[:idx]
	}
	return s
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess
// from blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
