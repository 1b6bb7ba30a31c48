package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
)

// AttemptKey is the per-step execution claim. Holding it means a delivered
// message for this step is (or was) being processed.
func AttemptKey(stepID string) string {
	return "step-exec:" + stepID
}

// NaturalKey is the idempotency fingerprint for a step's side effects:
// run id, step name, and a digest of the inputs. A step with an explicit
// idempotency key uses it in place of the digest.
func NaturalKey(step *store.Step) string {
	fingerprint := step.IdempotencyKey
	if fingerprint == "" {
		fingerprint = inputsDigest(step.Inputs)
	}
	return fmt.Sprintf("%s:%s:%s", step.RunID, step.Name, fingerprint)
}

// inputsDigest hashes a canonical (sorted-key) JSON rendering of the inputs
// so that key order never changes the fingerprint.
func inputsDigest(inputs map[string]any) string {
	h := sha256.New()
	h.Write([]byte(canonicalJSON(inputs)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func canonicalJSON(v any) string {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			kb, _ := json.Marshal(k)
			parts[i] = string(kb) + ":" + canonicalJSON(val[k])
		}
		return "{" + strings.Join(parts, ",") + "}"
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = canonicalJSON(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "null"
		}
		return string(b)
	}
}
