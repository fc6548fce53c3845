package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrSettled is returned when a delivery is acknowledged twice.
var ErrSettled = errors.New("transport: delivery already settled")

type memMessage struct {
	body        []byte
	redelivered bool
}

// memQueue is a FIFO with a signal channel for context-aware waiting.
type memQueue struct {
	items  []memMessage
	dead   [][]byte
	signal chan struct{}
}

func newMemQueue() *memQueue {
	return &memQueue{signal: make(chan struct{}, 1)}
}

func (q *memQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// MemoryBroker is an in-process Broker.
type MemoryBroker struct {
	mu        sync.Mutex
	queues    map[string]*memQueue
	closed    bool
	done      chan struct{}
	dupEvery  int
	published int
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithDuplicates makes every nth publish enqueue the body twice, simulating
// a broker that redelivers after a lost acknowledgement.
func WithDuplicates(n int) MemoryOption {
	return func(b *MemoryBroker) {
		b.dupEvery = n
	}
}

// NewMemoryBroker returns an empty in-process broker.
func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		queues: make(map[string]*memQueue),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBroker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = newMemQueue()
		b.queues[name] = q
	}
	return q
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(_ context.Context, queue string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	q := b.queue(queue)
	msg := memMessage{body: append([]byte(nil), body...)}
	q.items = append(q.items, msg)

	b.published++
	if b.dupEvery > 0 && b.published%b.dupEvery == 0 {
		q.items = append(q.items, memMessage{body: msg.body, redelivered: true})
	}
	q.notify()
	return nil
}

// Receive implements Broker.
func (b *MemoryBroker) Receive(ctx context.Context, queue string) (Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		q := b.queue(queue)
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.notify()
			}
			b.mu.Unlock()
			return &memDelivery{broker: b, queue: queue, msg: msg}, nil
		}
		signal := q.signal
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, ErrClosed
		case <-signal:
		}
	}
}

// Len returns the number of messages waiting on queue.
func (b *MemoryBroker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queue).items)
}

// Drain removes and returns every waiting body on queue.
func (b *MemoryBroker) Drain(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	out := make([][]byte, len(q.items))
	for i, m := range q.items {
		out[i] = m.body
	}
	q.items = nil
	return out
}

// DeadLetters returns the bodies rejected from queue.
func (b *MemoryBroker) DeadLetters(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.queue(queue).dead...)
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

type memDelivery struct {
	broker  *MemoryBroker
	queue   string
	msg     memMessage
	settled bool
}

func (d *memDelivery) Body() []byte      { return d.msg.body }
func (d *memDelivery) Redelivered() bool { return d.msg.redelivered }

func (d *memDelivery) Ack() error {
	if d.settled {
		return ErrSettled
	}
	d.settled = true
	return nil
}

func (d *memDelivery) Nack(requeue bool) error {
	if d.settled {
		return ErrSettled
	}
	d.settled = true

	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	q := b.queue(d.queue)
	if requeue {
		q.items = append(q.items, memMessage{body: d.msg.body, redelivered: true})
		q.notify()
		return nil
	}
	q.dead = append(q.dead, d.msg.body)
	return nil
}
