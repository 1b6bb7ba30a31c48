package schema

// RunDefinition is the submitted shape of a run: the goal plus the steps to
// execute. It is validated before anything is persisted.
type RunDefinition struct {
	Goal     string           `json:"goal"`
	Steps    []StepDefinition `json:"steps"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition declares one tool invocation within a run.
//
// Inputs may carry reserved keys interpreted by the runner rather than the
// handler:
//
//	_dependsOn : []string — names of sibling steps that must succeed first
//	_policy    : string   — policy hint forwarded to the gate adapter
//	_select    : string   — jq expression projecting handler outputs
type StepDefinition struct {
	Name           string         `json:"name"`
	Tool           string         `json:"tool"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TimeoutMs      int64          `json:"timeout_ms,omitempty"`
}

// DependsOn extracts the _dependsOn names from a step inputs map.
// Missing, empty, or malformed entries yield nil (always ready).
func DependsOn(inputs map[string]any) []string {
	if inputs == nil {
		return nil
	}
	raw, ok := inputs["_dependsOn"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		names := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				names = append(names, s)
			}
		}
		return names
	}
	return nil
}

// PolicyHint extracts the _policy hint from a step inputs map, or "".
func PolicyHint(inputs map[string]any) string {
	if inputs == nil {
		return ""
	}
	s, _ := inputs["_policy"].(string)
	return s
}

// SelectExpr extracts the _select jq projection from a step inputs map, or "".
func SelectExpr(inputs map[string]any) string {
	if inputs == nil {
		return ""
	}
	s, _ := inputs["_select"].(string)
	return s
}
