package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// runSchemaJSON is the JSON Schema for RunDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const runSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://nofx.dev/schemas/run.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "goal": {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/step"}
    },
    "metadata": {"type": "object"}
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "tool"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "tool": {"type": "string", "minLength": 1},
        "inputs": {"type": "object"},
        "idempotency_key": {"type": "string"},
        "timeout_ms": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    }
  }
}`

var (
	runSchemaOnce sync.Once
	runSchema     *jsonschema.Schema
	runSchemaErr  error
)

func compiledRunSchema() (*jsonschema.Schema, error) {
	runSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(runSchemaJSON))
		if err != nil {
			runSchemaErr = fmt.Errorf("unmarshal run schema: %w", err)
			return
		}
		if err := c.AddResource("https://nofx.dev/schemas/run.json", doc); err != nil {
			runSchemaErr = fmt.Errorf("add run schema resource: %w", err)
			return
		}
		runSchema, runSchemaErr = c.Compile("https://nofx.dev/schemas/run.json")
	})
	return runSchema, runSchemaErr
}

// ValidateRunDefinition checks a submitted run definition against the run
// JSON Schema plus the structural rules the schema cannot express: step
// names must be unique within the run (dependency references resolve by
// name), and every _dependsOn entry must name an existing sibling step.
func ValidateRunDefinition(def *RunDefinition) error {
	if def == nil {
		return NewError(ErrCodeValidation, "run definition is nil")
	}

	compiled, err := compiledRunSchema()
	if err != nil {
		return NewError(ErrCodeValidation, "run schema unavailable").WithCause(err)
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return NewError(ErrCodeValidation, "failed to serialize run definition").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return NewError(ErrCodeValidation, err.Error()).WithCause(err)
	}

	names := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		if _, exists := names[step.Name]; exists {
			return NewErrorf(ErrCodeValidation, "duplicate step name %q", step.Name)
		}
		names[step.Name] = struct{}{}
	}
	edges := make(map[string][]string, len(def.Steps))
	for _, step := range def.Steps {
		for _, dep := range DependsOn(step.Inputs) {
			if dep == step.Name {
				return NewErrorf(ErrCodeValidation, "step %q depends on itself", step.Name)
			}
			if _, ok := names[dep]; !ok {
				return NewErrorf(ErrCodeValidation, "step %q depends on unknown step %q", step.Name, dep)
			}
			edges[step.Name] = append(edges[step.Name], dep)
		}
	}
	if cycle := findCycle(edges); len(cycle) > 0 {
		return NewErrorf(ErrCodeValidation, "dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return nil
}

// findCycle runs a DFS over the dependency edges and returns the first cycle
// found as an ordered name path, or nil. A cyclic run would otherwise poll
// its readiness checks forever.
func findCycle(edges map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(edges))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		stack = append(stack, name)
		for _, dep := range edges[name] {
			switch color[dep] {
			case gray:
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	for name := range edges {
		if color[name] == white && visit(name) {
			return cycle
		}
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
