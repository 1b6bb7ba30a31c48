package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

const defaultTopicBuffer = 256

// ErrQueueClosed is returned when a message is enqueued after Close.
var ErrQueueClosed = errors.New("queue is closed")

// MemoryQueue is an in-memory delay-capable Queue backed by channels.
// Delayed enqueues are scheduled with timers; Close stops pending timers so
// deferred messages are dropped rather than delivered to a closed channel.
type MemoryQueue struct {
	mu      sync.Mutex
	topics  map[string]chan Message
	timers  map[*time.Timer]struct{}
	pending sync.WaitGroup
	done    chan struct{}
	closed  bool
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		topics: make(map[string]chan Message),
		timers: make(map[*time.Timer]struct{}),
		done:   make(chan struct{}),
	}
}

func (q *MemoryQueue) topic(name string) chan Message {
	if ch, ok := q.topics[name]; ok {
		return ch
	}
	ch := make(chan Message, defaultTopicBuffer)
	q.topics[name] = ch
	return ch
}

// Enqueue publishes a message, optionally after a delay.
func (q *MemoryQueue) Enqueue(ctx context.Context, topic string, msg Message, opts ...Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var options Options
	for _, opt := range opts {
		opt(&options)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	ch := q.topic(topic)

	if options.Delay <= 0 {
		q.mu.Unlock()
		select {
		case ch <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return ErrQueueClosed
		}
	}

	var timer *time.Timer
	timer = time.AfterFunc(options.Delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		if q.closed {
			q.mu.Unlock()
			return
		}
		q.pending.Add(1)
		q.mu.Unlock()
		defer q.pending.Done()
		// Block until the topic has room. Dropping here would strand a
		// deps-waiting step forever: it is still queued, so the timeout
		// sweep over running steps never sees it.
		select {
		case ch <- msg:
		case <-q.done:
		}
	})
	q.timers[timer] = struct{}{}
	q.mu.Unlock()
	return nil
}

// Subscribe returns the delivery channel for a topic.
func (q *MemoryQueue) Subscribe(topic string) <-chan Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.topic(topic)
}

// Close stops pending timers, unblocks in-flight delayed sends, and closes
// all topic channels.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
	close(q.done)
	q.mu.Unlock()

	// Delayed senders must be out before the channels close under them.
	q.pending.Wait()

	q.mu.Lock()
	for _, ch := range q.topics {
		close(ch)
	}
	q.mu.Unlock()
}
