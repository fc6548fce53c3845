package transport

import (
	"context"
	"fmt"

	"github.com/roach88/bookflow/internal/message"
)

// Emitter encodes messages and publishes them on a Broker.
type Emitter struct {
	broker Broker
}

// NewEmitter returns an Emitter publishing on b.
func NewEmitter(b Broker) *Emitter {
	return &Emitter{broker: b}
}

// Emit encodes msg and publishes it to dest.
func (e *Emitter) Emit(ctx context.Context, dest string, msg message.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s message %s: %w", msg.Kind, msg.ID, err)
	}
	if err := e.broker.Publish(ctx, dest, body); err != nil {
		return fmt.Errorf("emit to %s: %w", dest, err)
	}
	return nil
}
