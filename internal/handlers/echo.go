package handlers

import (
	"context"
	"strings"
)

// EchoHandler mirrors its inputs back as outputs. Used by smoke tests and
// as the simplest possible tool implementation.
type EchoHandler struct{}

func (h *EchoHandler) Match(tool string) bool {
	return tool == "test:echo" || tool == "echo"
}

func (h *EchoHandler) Run(ctx context.Context, inv *Invocation) error {
	echo := make(map[string]any, len(inv.Inputs))
	for k, v := range inv.Inputs {
		if strings.HasPrefix(k, "_") {
			continue
		}
		echo[k] = v
	}
	inv.SetOutputs(map[string]any{"echo": echo})
	return nil
}
