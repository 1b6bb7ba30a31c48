package queue

import (
	"context"
	"time"
)

// Known topics.
const (
	// TopicStepReady carries step execution messages consumed by the worker.
	TopicStepReady = "step.ready"
	// TopicEvents carries outbox envelopes mirrored to external consumers.
	TopicEvents = "events"
)

// Message is the unit delivered on the step-ready topic. Attempt counts
// deliveries of the same step, restarting at 1 after a retry reset.
type Message struct {
	RunID   string `json:"runId"`
	StepID  string `json:"stepId"`
	Attempt int    `json:"__attempt,omitempty"`
}

// Options holds per-enqueue settings.
type Options struct {
	// Delay defers visibility of the message. Advisory backoff, not a hard
	// guarantee.
	Delay time.Duration
}

// Option mutates enqueue Options.
type Option func(*Options)

// WithDelay defers delivery of the message by d.
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

// Queue is the delay-capable message queue the runner produces to and the
// worker consumes from. Delivery is at-least-once; the inbox dedup claim is
// what prevents duplicate handler execution.
type Queue interface {
	Enqueue(ctx context.Context, topic string, msg Message, opts ...Option) error
	// Subscribe returns the delivery channel for a topic. The channel is
	// closed when the queue shuts down.
	Subscribe(topic string) <-chan Message
	Close()
}
