// Package transport carries encoded messages between stages.
//
// A Broker offers named queues with at-least-once delivery: a received
// message stays owned by the consumer until it is acknowledged, and is
// delivered again if it is requeued or the consumer dies first. Requeued
// messages go to the tail, so consumers see reordering as well as
// duplicates. The engine is written to tolerate both.
//
// Two brokers are provided. MemoryBroker keeps queues in process and is used
// by tests and single-process pipelines. SQLiteBroker keeps queues in a
// SQLite database so that stages in separate processes can share them and
// unacknowledged messages survive a crash.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("transport: broker closed")

// Broker is a set of named at-least-once queues.
type Broker interface {
	// Publish appends body to queue.
	Publish(ctx context.Context, queue string, body []byte) error
	// Receive blocks until a message is available on queue or ctx is done.
	Receive(ctx context.Context, queue string) (Delivery, error)
	// Close releases the broker. Blocked receivers return ErrClosed.
	Close() error
}

// Delivery is one received message awaiting settlement.
type Delivery interface {
	Body() []byte
	// Redelivered reports whether the message was delivered before.
	Redelivered() bool
	// Ack removes the message for good.
	Ack() error
	// Nack gives the message back. With requeue it is delivered again later,
	// otherwise it is moved to the dead letters.
	Nack(requeue bool) error
}
