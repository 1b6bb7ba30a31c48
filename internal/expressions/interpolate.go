package expressions

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// Scope holds the data available to ${{...}} references in step inputs.
type Scope struct {
	Steps map[string]any // step name -> outputs (unmarshalled)
	Run   map[string]any // run metadata (id, goal, ...)
}

// Interpolator resolves ${{...}} references in step input values before
// handler dispatch. Expressions are compiled with expr and cached.
type Interpolator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewInterpolator creates an Interpolator with an empty program cache.
func NewInterpolator() *Interpolator {
	return &Interpolator{cache: make(map[string]*vm.Program)}
}

// Resolve walks the inputs map and replaces every ${{...}} token with its
// evaluated value. A string consisting solely of one token takes the typed
// result; tokens embedded in larger strings are stringified in place.
// Reserved keys (leading underscore) are passed through untouched.
func (in *Interpolator) Resolve(inputs map[string]any, scope *Scope) (map[string]any, error) {
	if len(inputs) == 0 {
		return inputs, nil
	}
	out := make(map[string]any, len(inputs))
	for key, value := range inputs {
		if strings.HasPrefix(key, "_") {
			out[key] = value
			continue
		}
		resolved, err := in.resolveValue(value, scope)
		if err != nil {
			return nil, err
		}
		out[key] = resolved
	}
	return out, nil
}

func (in *Interpolator) resolveValue(value any, scope *Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return in.resolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := in.resolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := in.resolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func (in *Interpolator) resolveString(s string, scope *Scope) (any, error) {
	start := strings.Index(s, "${{")
	if start == -1 {
		return s, nil
	}

	// Whole-string token: return the typed evaluation result.
	if start == 0 && strings.HasSuffix(s, "}}") && strings.Index(s[3:], "${{") == -1 {
		expression := strings.TrimSpace(s[3 : len(s)-2])
		return in.eval(expression, scope)
	}

	var result strings.Builder
	rest := s
	for {
		idx := strings.Index(rest, "${{")
		if idx == -1 {
			result.WriteString(rest)
			break
		}
		result.WriteString(rest[:idx])
		end := strings.Index(rest[idx:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		expression := strings.TrimSpace(rest[idx+3 : idx+end])
		value, err := in.eval(expression, scope)
		if err != nil {
			return nil, err
		}
		result.WriteString(stringify(value))
		rest = rest[idx+end+2:]
	}
	return result.String(), nil
}

func (in *Interpolator) eval(expression string, scope *Scope) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "empty ${{ }} expression")
	}
	prg, err := in.getOrCompile(expression)
	if err != nil {
		return nil, err
	}
	env := map[string]any{
		"steps": scope.Steps,
		"run":   scope.Run,
	}
	if env["steps"] == nil {
		env["steps"] = map[string]any{}
	}
	if env["run"] == nil {
		env["run"] = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"evaluate %q: %s", expression, err.Error()).WithCause(err)
	}
	return out, nil
}

func (in *Interpolator) getOrCompile(expression string) (*vm.Program, error) {
	in.mu.RLock()
	if prg, ok := in.cache[expression]; ok {
		in.mu.RUnlock()
		return prg, nil
	}
	in.mu.RUnlock()

	in.mu.Lock()
	defer in.mu.Unlock()
	if prg, ok := in.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"compile %q: %s", expression, err.Error()).WithCause(err)
	}
	in.cache[expression] = prg
	return prg, nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
