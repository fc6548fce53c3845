package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/bookflow/internal/message"
	"github.com/roach88/bookflow/internal/tracker"
)

// KeyRingSent holds the ring-wide SENT total once this instance closes the
// ring. It stays -1 on instances that forward.
const KeyRingSent = "RING_SENT"

func (c *RingConfig) validate() error {
	if c.Ring.Size < 1 {
		return fmt.Errorf("ring size must be positive, got %d", c.Ring.Size)
	}
	if !c.Ring.Valid(c.Self) {
		return fmt.Errorf("ring position %d outside ring of %d", c.Self, c.Ring.Size)
	}
	if len(c.Queues) != c.Ring.Size {
		return fmt.Errorf("ring of %d needs %d queues, got %d", c.Ring.Size, c.Ring.Size, len(c.Queues))
	}
	if c.Emitter == nil {
		return fmt.Errorf("ring needs an emitter")
	}
	return nil
}

type ringState struct {
	total, remaining, sent, hops int64
}

func ringStateOf(msg message.Message) (ringState, error) {
	total, ok := msg.Meta.Get(message.KeyTotal)
	if !ok {
		return ringState{}, fmt.Errorf("EOF without total")
	}
	remaining, hasRemaining := msg.Meta.Get(message.KeyRemaining)
	sent, hasSent := msg.Meta.Get(message.KeySent)
	hops, hasHops := msg.Meta.Get(message.KeyHops)

	switch {
	case !hasRemaining && !hasSent && !hasHops:
		// First hop: the upstream EOF.
		return ringState{total: total, remaining: total}, nil
	case hasRemaining && hasSent && hasHops:
		return ringState{total: total, remaining: remaining, sent: sent, hops: hops}, nil
	default:
		return ringState{}, fmt.Errorf("ring EOF needs remaining, sent and hops together")
	}
}

// handleRingEOF folds this instance's counters into a ring EOF. The instance
// whose visit closes the ring terminates once nothing remains; every other
// instance forwards the reduced EOF to its successor and finishes.
func (w *Worker) handleRingEOF(ctx context.Context, t *tracker.Tracker, msg message.Message, log *slog.Logger) (Decision, error) {
	rc := w.settings.ring

	st, err := ringStateOf(msg)
	if err != nil {
		return Reject, newError(ErrCodeMalformed, msg.Tenant, msg.ID, "ring EOF", err)
	}

	next := ringState{
		total:     st.total,
		remaining: st.remaining - t.Worked(),
		sent:      st.sent + t.Sent(),
		hops:      st.hops + 1,
	}
	if next.remaining < 0 {
		return Reject, newError(ErrCodeMalformed, msg.Tenant, msg.ID,
			fmt.Sprintf("ring EOF remaining %d below worked %d", st.remaining, t.Worked()), nil)
	}

	if rc.Ring.ClosesRing(int(next.hops)) {
		if next.remaining != 0 {
			log.Warn("ring closed with items outstanding, requeueing", "remaining", next.remaining, "hops", next.hops)
			return Requeue, nil
		}
		err := t.Persist(msg.ID, false,
			tracker.Set(tracker.KeyExpected, t.Worked()),
			tracker.Set(KeyRingSent, next.sent),
		)
		if err != nil {
			return persistFailed(msg.Tenant, msg.ID, "persist ring close", err)
		}
		log.Debug("ring closed", "total", next.total, "sent", next.sent)
		return Ack, nil
	}

	successor := rc.Ring.Next(rc.Self)
	fwd := message.NewEOF(DerivedID(msg.ID, "ring"), msg.Tenant, next.total, message.Metadata{
		message.KeyRemaining: next.remaining,
		message.KeySent:      next.sent,
		message.KeyHops:      next.hops,
	})
	if err := rc.Emitter.Emit(ctx, rc.Queues[successor], fwd); err != nil {
		return Requeue, classify(msg.Tenant, msg.ID, "forward ring EOF", err)
	}
	if err := t.Persist(msg.ID, false, tracker.Set(tracker.KeyExpected, t.Worked())); err != nil {
		return persistFailed(msg.Tenant, msg.ID, "persist ring forward", err)
	}
	log.Debug("ring EOF forwarded", "successor", successor, "remaining", next.remaining, "hops", next.hops)
	return Ack, nil
}
