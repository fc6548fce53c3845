package engine

import "fmt"

// Decision tells the listener what to do with a delivery.
type Decision int

const (
	// Ack removes the message from the queue.
	Ack Decision = iota
	// Requeue returns the message to the queue for a later attempt.
	Requeue
	// Reject drops the message without requeueing it.
	Reject
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}
