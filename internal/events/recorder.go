package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
)

// Envelope is the outbox payload staged for external delivery.
type Envelope struct {
	RunID   string          `json:"runId"`
	StepID  *string         `json:"stepId"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Recorder appends immutable events and stages outbox copies for
// at-least-once external delivery. When the backend supports transactions
// the event insert and the outbox insert are one atomic unit; otherwise the
// event insert is mandatory and the outbox insert is best-effort.
type Recorder struct {
	store  store.Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(s store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, logger: logger}
}

// Record appends one event for a run (and optionally a step) and stages an
// outbox envelope under the events topic. stepID may be empty for run-level
// events. A failure of the primary event insert always propagates.
func (r *Recorder) Record(ctx context.Context, runID, eventType string, payload any, stepID string) error {
	raw := Sanitize(payload)

	event := &store.Event{
		RunID:   runID,
		StepID:  stepID,
		Type:    eventType,
		Payload: raw,
	}

	var sid *string
	if stepID != "" {
		sid = &stepID
	}
	envelope, err := json.Marshal(Envelope{RunID: runID, StepID: sid, Type: eventType, Payload: raw})
	if err != nil {
		// Sanitize already produced valid JSON; this cannot fail in practice.
		envelope = []byte("{}")
	}
	entry := &store.OutboxEntry{Topic: "events", Payload: envelope}

	if r.store.SupportsTransactions() {
		return r.store.Atomically(ctx, func(ctx context.Context) error {
			if err := r.store.AppendEvent(ctx, event); err != nil {
				return err
			}
			return r.store.OutboxAdd(ctx, entry)
		})
	}

	if err := r.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	// Best-effort on non-transactional backends: a delivery-queue failure
	// must never block the primary event record.
	if err := r.store.OutboxAdd(ctx, entry); err != nil {
		r.logger.WarnContext(ctx, "outbox insert failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Sanitize converts an arbitrary payload into a JSON-safe raw message.
// nil defaults to {}; values that cannot be marshaled (cyclic structures,
// channels, funcs) also collapse to {} rather than failing the record.
// Primitives, arrays, and explicit JSON null pass through unchanged.
func Sanitize(payload any) json.RawMessage {
	if payload == nil {
		return json.RawMessage("{}")
	}
	if raw, ok := payload.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("{}")
		}
		return raw
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
