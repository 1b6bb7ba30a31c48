package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

type matchHandler struct {
	tool string
	ran  bool
}

func (h *matchHandler) Match(tool string) bool { return tool == h.tool }

func (h *matchHandler) Run(ctx context.Context, inv *Invocation) error {
	h.ran = true
	return nil
}

func TestRegistry_FirstMatchWins(t *testing.T) {
	first := &matchHandler{tool: "bash"}
	second := &matchHandler{tool: "bash"}
	r := NewRegistry(first, second)

	h, err := r.Resolve("bash")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if h != first {
		t.Fatal("expected the first registered handler to win")
	}
}

func TestRegistry_NoHandler(t *testing.T) {
	r := NewRegistry(&matchHandler{tool: "bash"})

	_, err := r.Resolve("unknown_tool")
	if err == nil {
		t.Fatal("expected an error for an unmatched tool")
	}
	var nerr *schema.NofxError
	if !errors.As(err, &nerr) || nerr.Code != schema.ErrCodeNoHandler {
		t.Fatalf("expected NO_HANDLER error, got %v", err)
	}
}

func TestRegistry_Count(t *testing.T) {
	r := NewRegistry(&matchHandler{tool: "a"}, &matchHandler{tool: "b"})
	if r.Count() != 2 {
		t.Fatalf("expected 2 handlers, got %d", r.Count())
	}
}
