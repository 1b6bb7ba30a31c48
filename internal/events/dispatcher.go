package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
)

// Sink receives outbox envelopes for external delivery. Implementations get
// at-least-once semantics: a failed delivery leaves the entry pending and it
// is retried on the next poll.
type Sink interface {
	Deliver(ctx context.Context, topic string, envelope Envelope) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, topic string, envelope Envelope) error

func (f SinkFunc) Deliver(ctx context.Context, topic string, envelope Envelope) error {
	return f(ctx, topic, envelope)
}

// Dispatcher polls the outbox table and delivers staged envelopes to a Sink,
// marking them sent on success.
type Dispatcher struct {
	store        store.Store
	sink         Sink
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	mu         sync.Mutex
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(s store.Store, sink Sink, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Dispatcher{
		store:        s,
		sink:         sink,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
	}
}

// Start begins the background poll loop. Safe to call only once; subsequent
// calls are no-ops and log a warning.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		d.logger.Warn("outbox dispatcher: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancelLoop = cancel
	d.mu.Unlock()
	go d.pollLoop(loopCtx)
}

// Stop signals the poll loop to finish and blocks until it does or the
// context expires.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	cancel := d.cancelLoop
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	select {
	case <-d.done:
	case <-ctx.Done():
		d.logger.Warn("outbox dispatcher: stop timed out")
	}
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.processBatch(ctx)
		}
	}
}

// processBatch delivers one batch of pending entries. Delivery failures are
// logged and left pending for the next poll.
func (d *Dispatcher) processBatch(ctx context.Context) {
	entries, err := d.store.OutboxPending(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("outbox dispatcher: list pending", slog.String("error", err.Error()))
		return
	}
	if len(entries) == 0 {
		return
	}

	var sent []int64
	for _, entry := range entries {
		var envelope Envelope
		if err := json.Unmarshal(entry.Payload, &envelope); err != nil {
			// Malformed payloads cannot be delivered; mark them sent so they
			// don't wedge the queue.
			d.logger.Error("outbox dispatcher: malformed envelope",
				slog.Int64("id", entry.ID),
				slog.String("error", err.Error()),
			)
			sent = append(sent, entry.ID)
			continue
		}
		if err := d.sink.Deliver(ctx, entry.Topic, envelope); err != nil {
			d.logger.Warn("outbox dispatcher: delivery failed",
				slog.Int64("id", entry.ID),
				slog.String("topic", entry.Topic),
				slog.String("error", err.Error()),
			)
			continue
		}
		sent = append(sent, entry.ID)
	}

	if len(sent) > 0 {
		if err := d.store.OutboxMarkSent(ctx, sent); err != nil {
			d.logger.Error("outbox dispatcher: mark sent", slog.String("error", err.Error()))
		}
	}
}
