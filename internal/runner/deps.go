package runner

import (
	"context"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// Readiness is the result of a dependency check.
type Readiness struct {
	Ready bool
	Unmet []string
}

// CheckReadiness resolves a step's _dependsOn names against its sibling
// steps. Ready iff every named dependency has succeeded. Names that match
// no sibling count as unmet so a typo surfaces as a visible wait instead of
// silently passing.
func CheckReadiness(ctx context.Context, s store.Store, step *store.Step) (Readiness, error) {
	deps := schema.DependsOn(step.Inputs)
	if len(deps) == 0 {
		return Readiness{Ready: true}, nil
	}

	siblings, err := s.ListStepsByRun(ctx, step.RunID)
	if err != nil {
		return Readiness{}, err
	}
	byName := make(map[string]*store.Step, len(siblings))
	for _, sib := range siblings {
		byName[sib.Name] = sib
	}

	var unmet []string
	for _, name := range deps {
		dep, ok := byName[name]
		if !ok || dep.Status != schema.StepStatusSucceeded {
			unmet = append(unmet, name)
		}
	}
	return Readiness{Ready: len(unmet) == 0, Unmet: unmet}, nil
}
