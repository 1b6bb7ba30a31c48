package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// Projector applies jq expressions to handler outputs. Steps opt in with a
// _select input; the projection result replaces the stored outputs.
type Projector struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewProjector creates a Projector with an empty compiled-query cache.
func NewProjector() *Projector {
	return &Projector{cache: make(map[string]*gojq.Code)}
}

// Project runs the jq query against the outputs document. A query yielding
// a single value returns that value; multiple values are collected into a
// slice; no values yields nil.
func (p *Projector) Project(ctx context.Context, query string, outputs any) (any, error) {
	code, err := p.getOrCompile(query)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, outputs)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"jq %q: %s", query, err.Error()).WithCause(err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (p *Projector) getOrCompile(query string) (*gojq.Code, error) {
	p.mu.RLock()
	if code, ok := p.cache[query]; ok {
		p.mu.RUnlock()
		return code, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if code, ok := p.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"parse jq %q: %s", query, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"compile jq %q: %s", query, err.Error()).WithCause(err)
	}
	p.cache[query] = code
	return code, nil
}
