package queue

import (
	"context"
)

type EventName string

type Event struct {
	sqsReceiptHandle string

	ID   string
	Name EventName
	Data []byte

	// ReceiveCount is how many times the underlying message has been
	// delivered, including this delivery. Redeliveries happen when a
	// previous invocation failed before calling Remove.
	ReceiveCount int
}

// Queue is an at-least-once message channel. Delivery order is not
// guaranteed and consumers must tolerate duplicates.
type Queue interface {
	// Pop blocks up to the queue's poll interval and returns at most
	// size events. A popped event stays invisible to other consumers
	// until its visibility timeout elapses or Remove is called.
	Pop(ctx context.Context, size int64) ([]*Event, error)

	// Push publishes an event. delay is in seconds; the event stays
	// invisible to consumers until the delay elapses.
	Push(ctx context.Context, event *Event, delay int64) error

	// Remove acknowledges a popped event so it is never redelivered.
	Remove(ctx context.Context, event *Event) error
}
