package handlers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
)

func TestCodegenHandler_RendersToFile(t *testing.T) {
	root := t.TempDir()
	h := NewCodegenHandler(root)
	inv := &Invocation{
		Step: &store.Step{ID: "s1", Name: "gen", Tool: "codegen"},
		Inputs: map[string]any{
			"template": "package {{.pkg}}\n",
			"path":     "out/gen.go",
			"data":     map[string]any{"pkg": "widgets"},
		},
	}

	require.NoError(t, h.Run(context.Background(), inv))

	content, err := os.ReadFile(filepath.Join(root, "out", "gen.go"))
	require.NoError(t, err)
	assert.Equal(t, "package widgets\n", string(content))
	assert.Equal(t, len(content), inv.Outputs()["bytes"])
}

func TestCodegenHandler_PathEscapeConfined(t *testing.T) {
	root := t.TempDir()
	h := NewCodegenHandler(root)
	inv := &Invocation{
		Step: &store.Step{ID: "s1", Name: "gen", Tool: "codegen"},
		Inputs: map[string]any{
			"template": "x",
			"path":     "../../escape.txt",
		},
	}

	require.NoError(t, h.Run(context.Background(), inv))
	// The cleaned path stays under the workspace root.
	assert.Contains(t, inv.Outputs()["path"], root)
}

func TestCodegenHandler_MissingInputs(t *testing.T) {
	h := NewCodegenHandler(t.TempDir())

	err := h.Run(context.Background(), &Invocation{
		Step:   &store.Step{ID: "s1", Name: "gen"},
		Inputs: map[string]any{"path": "a.txt"},
	})
	require.Error(t, err)

	err = h.Run(context.Background(), &Invocation{
		Step:   &store.Step{ID: "s1", Name: "gen"},
		Inputs: map[string]any{"template": "x"},
	})
	require.Error(t, err)
}

func TestCodegenHandler_BadTemplate(t *testing.T) {
	h := NewCodegenHandler(t.TempDir())

	err := h.Run(context.Background(), &Invocation{
		Step:   &store.Step{ID: "s1", Name: "gen"},
		Inputs: map[string]any{"template": "{{.unclosed", "path": "a.txt"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse template")
}
