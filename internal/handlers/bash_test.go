package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
)

func bashInvocation(inputs map[string]any) *Invocation {
	return &Invocation{
		Run:    &store.Run{ID: "run-1"},
		Step:   &store.Step{ID: "step-1", RunID: "run-1", Name: "sh", Tool: "bash"},
		Inputs: inputs,
	}
}

func TestBashHandler_CapturesStdout(t *testing.T) {
	h := NewBashHandler(ShellConfig{})
	inv := bashInvocation(map[string]any{"command": "echo hello"})

	require.NoError(t, h.Run(context.Background(), inv))
	out := inv.Outputs()
	assert.Equal(t, "hello\n", out["stdout_raw"])
	assert.Equal(t, 0, out["exit_code"])
}

func TestBashHandler_AutoParsesJSONStdout(t *testing.T) {
	h := NewBashHandler(ShellConfig{})
	inv := bashInvocation(map[string]any{"command": `echo '{"ok":true,"n":3}'`})

	require.NoError(t, h.Run(context.Background(), inv))
	parsed := inv.Outputs()["stdout"].(map[string]any)
	assert.Equal(t, true, parsed["ok"])
	assert.Equal(t, float64(3), parsed["n"])
}

func TestBashHandler_NonZeroExitFails(t *testing.T) {
	h := NewBashHandler(ShellConfig{})
	inv := bashInvocation(map[string]any{"command": "echo oops >&2; exit 3"})

	err := h.Run(context.Background(), inv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 3")
	// Outputs are still recorded so the failure is diagnosable.
	assert.Equal(t, 3, inv.Outputs()["exit_code"])
	assert.Contains(t, inv.Outputs()["stderr"], "oops")
}

func TestBashHandler_MissingCommand(t *testing.T) {
	h := NewBashHandler(ShellConfig{})
	inv := bashInvocation(map[string]any{})

	err := h.Run(context.Background(), inv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command")
}

func TestBashHandler_TimeoutKills(t *testing.T) {
	h := NewBashHandler(ShellConfig{DefaultTimeout: 50 * time.Millisecond})
	inv := bashInvocation(map[string]any{"command": "sleep 5"})

	err := h.Run(context.Background(), inv)
	require.Error(t, err)
	assert.Equal(t, true, inv.Outputs()["killed"])
}

func TestBashHandler_EnvAndStdin(t *testing.T) {
	h := NewBashHandler(ShellConfig{})
	inv := bashInvocation(map[string]any{
		"command": "cat; echo $GREETING",
		"stdin":   "from-stdin\n",
		"env":     map[string]any{"GREETING": "from-env"},
	})

	require.NoError(t, h.Run(context.Background(), inv))
	assert.Equal(t, "from-stdin\nfrom-env\n", inv.Outputs()["stdout_raw"])
}
