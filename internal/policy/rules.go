package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// Rule is a named deny condition. The expression is CEL over four variables:
// table, op (strings) and run, step (maps). A rule that evaluates to true
// denies the operation.
type Rule struct {
	Name string `json:"name"`
	Deny string `json:"deny"`
}

// Decision is the outcome of a rule check.
type Decision struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Rules evaluates deny rules against database-write requests. Compiled
// programs are cached and reused across goroutines.
type Rules struct {
	env   *cel.Env
	rules []Rule

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewRules creates a rule engine over the given deny rules. The CEL
// environment exposes:
//   - table: string — target table name
//   - op:    string — operation (insert|update|delete|upsert)
//   - run:   map(string, dyn) — run metadata
//   - step:  map(string, dyn) — step metadata (name, tool, inputs)
func NewRules(rules []Rule) (*Rules, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("table", cel.StringType),
		cel.Variable("op", cel.StringType),
		cel.Variable("run", mapType),
		cel.Variable("step", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &Rules{
		env:   env,
		rules: rules,
		cache: make(map[string]cel.Program),
	}, nil
}

// Request describes one database write to check.
type Request struct {
	Table string
	Op    string
	Run   map[string]any
	Step  map[string]any
}

// IsAllowed evaluates every deny rule against the request. The first rule
// that evaluates to true denies the operation; rule compile or evaluation
// errors also deny (a broken rule must fail closed).
func (r *Rules) IsAllowed(ctx context.Context, req Request) Decision {
	activation := map[string]any{
		"table": req.Table,
		"op":    req.Op,
		"run":   orEmpty(req.Run),
		"step":  orEmpty(req.Step),
	}

	for _, rule := range r.rules {
		denied, err := r.evalBool(rule.Deny, activation)
		if err != nil {
			return Decision{OK: false, Reason: fmt.Sprintf("rule %q: %s", rule.Name, err.Error())}
		}
		if denied {
			return Decision{OK: false, Reason: fmt.Sprintf("denied by rule %q", rule.Name)}
		}
	}
	return Decision{OK: true}
}

func (r *Rules) evalBool(expression string, activation map[string]any) (bool, error) {
	if expression == "" {
		return false, nil
	}
	prg, err := r.getOrCompile(expression)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"evaluate %q: %s", expression, err.Error()).WithCause(err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"rule %q did not evaluate to bool", expression)
	}
	return b, nil
}

func (r *Rules) getOrCompile(expression string) (cel.Program, error) {
	r.mu.RLock()
	if prg, ok := r.cache[expression]; ok {
		r.mu.RUnlock()
		return prg, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if prg, ok := r.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := r.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile rule %q: %s", expression, issues.Err().Error()).WithCause(issues.Err())
	}
	prg, err := r.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"program for rule %q: %s", expression, err.Error()).WithCause(err)
	}
	r.cache[expression] = prg
	return prg, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
