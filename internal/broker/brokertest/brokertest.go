// Package brokertest provides an in-memory implementation of
// broker.Endpoint for package tests. Endpoints created from the same Hub
// with the same name share one unbounded FIFO queue, so a producer
// endpoint and a consumer endpoint wired to the same name behave like a
// broker queue.
package brokertest

import (
	"context"
	"sync"

	"github.com/brewflow/brewflow/internal/broker"
)

// Hub owns the named in-memory queues of one test.
type Hub struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{queues: make(map[string]*memoryQueue)}
}

// Endpoint returns an endpoint bound to the named queue, creating the
// queue on first use.
func (h *Hub) Endpoint(name string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	q, ok := h.queues[name]
	if !ok {
		q = newMemoryQueue()
		h.queues[name] = q
	}
	return &Endpoint{name: name, q: q}
}

// Queues returns the names of every queue that has been touched.
func (h *Hub) Queues() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.queues))
	for name := range h.queues {
		names = append(names, name)
	}
	return names
}

type memoryQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  [][]byte
	closed bool
}

func newMemoryQueue() *memoryQueue {
	q := &memoryQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *memoryQueue) push(body []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, body)
	q.cond.Broadcast()
}

// pop blocks until an item is available or stop reports true.
func (q *memoryQueue) pop(stop func() bool) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if stop() {
			return nil, false
		}
		q.cond.Wait()
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *memoryQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *memoryQueue) wake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cond.Broadcast()
}

// Endpoint is an in-memory broker.Endpoint.
type Endpoint struct {
	name string
	q    *memoryQueue

	mu      sync.Mutex
	stopped bool
	deleted bool
}

var _ broker.Endpoint = (*Endpoint)(nil)

// Name returns the queue name the endpoint is bound to.
func (e *Endpoint) Name() string { return e.name }

// Send appends one frame to the shared queue.
func (e *Endpoint) Send(body []byte) error {
	e.q.push(body)
	return nil
}

// Consume delivers queued frames to handler until Stop, ctx cancellation
// or a fatal handler error. Non-fatal handler errors drop the frame, as
// the broker adapter's nack-without-requeue does.
func (e *Endpoint) Consume(ctx context.Context, handler broker.Handler) error {
	e.mu.Lock()
	e.stopped = false
	e.mu.Unlock()

	watchdog := make(chan struct{})
	defer close(watchdog)
	go func() {
		select {
		case <-ctx.Done():
			_ = e.Stop()
		case <-watchdog:
		}
	}()

	stop := func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.stopped || ctx.Err() != nil
	}

	for {
		body, ok := e.q.pop(stop)
		if !ok {
			return nil
		}
		if err := handler(body); err != nil {
			if broker.IsFatal(err) {
				return err
			}
		}
	}
}

// Stop unblocks a pending Consume.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.q.wake()
	return nil
}

// Delete marks the endpoint's queue as deleted.
func (e *Endpoint) Delete() error {
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	return nil
}

// Deleted reports whether Delete was called.
func (e *Endpoint) Deleted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deleted
}

// Close is a no-op for the in-memory endpoint.
func (e *Endpoint) Close() error { return nil }

// Drain removes and returns every frame currently queued. Useful for
// asserting on a stage's output after synchronous calls.
func (e *Endpoint) Drain() [][]byte {
	return e.q.drain()
}
