package handlers

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"text/template"

	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// CodegenHandler renders a text template with the step's data and writes
// the result to a file under the workspace root. Inputs:
//   - template: template body (required)
//   - path:     output path relative to the workspace root (required)
//   - data:     values available to the template as {{.key}}
type CodegenHandler struct {
	root string
}

// NewCodegenHandler creates a CodegenHandler writing under root.
func NewCodegenHandler(root string) *CodegenHandler {
	return &CodegenHandler{root: root}
}

func (h *CodegenHandler) Match(tool string) bool {
	return tool == "codegen"
}

func (h *CodegenHandler) Run(ctx context.Context, inv *Invocation) error {
	body := stringParam(inv.Inputs, "template", "")
	if body == "" {
		return schema.NewError(schema.ErrCodeValidation, "codegen: missing required input 'template'").
			WithStep(inv.Step.ID)
	}
	relPath := stringParam(inv.Inputs, "path", "")
	if relPath == "" {
		return schema.NewError(schema.ErrCodeValidation, "codegen: missing required input 'path'").
			WithStep(inv.Step.ID)
	}

	target := filepath.Join(h.root, filepath.Clean("/"+relPath))

	tmpl, err := template.New(inv.Step.Name).Parse(body)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "codegen: parse template: %v", err).
			WithStep(inv.Step.ID).WithCause(err)
	}

	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, mapParam(inv.Inputs, "data")); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "codegen: render template: %v", err).
			WithStep(inv.Step.ID).WithCause(err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "codegen: create directory: %v", err).WithCause(err)
	}
	if err := os.WriteFile(target, rendered.Bytes(), 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "codegen: write %s: %v", target, err).WithCause(err)
	}

	inv.SetOutputs(map[string]any{
		"path":  target,
		"bytes": rendered.Len(),
	})
	return nil
}
