// Package listener connects a broker queue to an engine.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/bookflow/internal/engine"
	"github.com/roach88/bookflow/internal/message"
	"github.com/roach88/bookflow/internal/transport"
)

// Dispatcher handles one decoded message. engine.Worker and
// engine.Synchronizer implement it.
type Dispatcher interface {
	Handle(ctx context.Context, msg message.Message) (engine.Decision, error)
}

// Stats counts how deliveries were settled.
type Stats struct {
	Acked    int64
	Requeued int64
	Rejected int64
}

// Listener consumes one queue and feeds a Dispatcher, one message at a time.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine
//   - Stop(), Stats(): safe from any goroutine
type Listener struct {
	broker  transport.Broker
	queue   string
	handler Dispatcher

	stop     chan struct{}
	stopOnce sync.Once

	acked, requeued, rejected atomic.Int64
}

// New creates a listener for queue.
func New(b transport.Broker, queue string, h Dispatcher) *Listener {
	return &Listener{
		broker:  b,
		queue:   queue,
		handler: h,
		stop:    make(chan struct{}),
	}
}

// Run consumes until ctx is cancelled, Stop is called or the broker closes,
// and then returns nil. A message being handled when that happens is
// finished and settled first.
//
// Run returns an error, leaving the current delivery unsettled, when the
// dispatcher reports a storage failure. The process should exit and recover
// on restart.
func (l *Listener) Run(ctx context.Context) error {
	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stop:
			cancel()
		case <-recvCtx.Done():
		}
	}()

	slog.Info("listener starting", "queue", l.queue)
	for {
		d, err := l.broker.Receive(recvCtx, l.queue)
		if err != nil {
			if recvCtx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				slog.Info("listener stopping", "queue", l.queue)
				return nil
			}
			return fmt.Errorf("receive from %s: %w", l.queue, err)
		}

		if err := l.dispatch(context.WithoutCancel(ctx), d); err != nil {
			return err
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, d transport.Delivery) error {
	msg, err := message.Decode(d.Body())
	if err != nil {
		slog.Error("rejecting undecodable message", "queue", l.queue, "bytes", len(d.Body()), "error", err)
		return l.settle(d, engine.Reject)
	}

	decision, err := l.handler.Handle(ctx, msg)
	if err != nil {
		attrs := []any{"queue", l.queue, "tenant", msg.Tenant, "message_id", msg.ID, "error", err}
		switch {
		case engine.IsMalformed(err):
			slog.Error("rejecting malformed message", attrs...)
			return l.settle(d, engine.Reject)
		case engine.IsTransient(err):
			slog.Warn("requeueing after transient failure", attrs...)
			return l.settle(d, engine.Requeue)
		default:
			slog.Error("handler failed, stopping", attrs...)
			return fmt.Errorf("handle message %s: %w", msg.ID, err)
		}
	}

	if d.Redelivered() {
		slog.Debug("redelivered message handled", "queue", l.queue, "message_id", msg.ID, "decision", decision.String())
	}
	return l.settle(d, decision)
}

func (l *Listener) settle(d transport.Delivery, decision engine.Decision) error {
	var err error
	switch decision {
	case engine.Ack:
		err = d.Ack()
		l.acked.Add(1)
	case engine.Requeue:
		err = d.Nack(true)
		l.requeued.Add(1)
	default:
		err = d.Nack(false)
		l.rejected.Add(1)
	}
	if err != nil {
		return fmt.Errorf("settle delivery (%s): %w", decision, err)
	}
	return nil
}

// Stop asks Run to return after the in-flight message.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Stats returns the settlement counters so far.
func (l *Listener) Stats() Stats {
	return Stats{
		Acked:    l.acked.Load(),
		Requeued: l.requeued.Load(),
		Rejected: l.rejected.Load(),
	}
}
