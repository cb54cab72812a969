package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/campus-transit/internal/observability"
)

var (
	ErrOutboxFull   = errors.New("event outbox full")
	ErrOutboxClosed = errors.New("event outbox closed")
)

// DefaultOutboxSize bounds how many events may wait for the broker.
const DefaultOutboxSize = 1024

// Outbox hands events to a Publisher from one background goroutine so
// callers never wait on the broker. Events leave in the order they were
// queued. When the queue is full new events are dropped.
type Outbox struct {
	next   Publisher
	logger *slog.Logger
	limit  int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	busy   bool
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

func NewOutbox(next Publisher, limit int, logger *slog.Logger) *Outbox {
	if limit <= 0 {
		limit = DefaultOutboxSize
	}
	o := &Outbox{next: next, logger: logger, limit: limit, done: make(chan struct{})}
	o.cond = sync.NewCond(&o.mu)
	go o.run()
	return o
}

// Publish queues e and returns immediately.
func (o *Outbox) Publish(_ context.Context, e Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutboxClosed
	}
	if len(o.queue) >= o.limit {
		observability.EventsPublished.WithLabelValues(string(e.Type), "dropped").Inc()
		return ErrOutboxFull
	}
	o.queue = append(o.queue, e)
	o.cond.Broadcast()
	return nil
}

// Flush blocks until every queued event has been handed to the publisher.
func (o *Outbox) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.queue) > 0 || o.busy {
		o.cond.Wait()
	}
}

// Close drains the queue and stops the worker. Later publishes fail.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.cond.Broadcast()
		o.mu.Unlock()
	})
	<-o.done
}

func (o *Outbox) run() {
	defer close(o.done)
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		e := o.queue[0]
		o.queue[0] = Event{}
		o.queue = o.queue[1:]
		o.busy = true
		o.mu.Unlock()

		if err := o.next.Publish(context.Background(), e); err != nil {
			o.logger.Warn("publish lifecycle event", "type", e.Type, "request_id", e.RequestID, "error", err)
		}

		o.mu.Lock()
		o.busy = false
		o.cond.Broadcast()
		o.mu.Unlock()
	}
}
