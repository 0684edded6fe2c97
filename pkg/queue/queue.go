package queue

import (
	"context"
)

// Broker opens sessions against a message transport.
type Broker interface {
	// Name identifies the transport in logs and metrics.
	Name() string
	// Connect dials the transport and returns a ready session.
	Connect(ctx context.Context) (Session, error)
}

// Session is a live connection to the transport. A session that fails
// returns errors wrapping errors.ErrSessionClosed; the caller is expected to
// Close it and connect again.
type Session interface {
	// Declare makes sure the named queues exist.
	Declare(ctx context.Context, queues ...string) error

	// Receive blocks until a message is available on queue. At most one
	// unsettled delivery is handed out per session.
	Receive(ctx context.Context, queue string) (*Delivery, error)

	// Ack settles d as processed.
	Ack(ctx context.Context, d *Delivery) error

	// Reject settles d as failed. With requeue false the message is dropped.
	Reject(ctx context.Context, d *Delivery, requeue bool) error

	// DeadLetter copies d to its dead-letter queue with reason and rejects it
	// without requeue.
	DeadLetter(ctx context.Context, d *Delivery, reason string) error

	// Publish sends msg to queue.
	Publish(ctx context.Context, queue string, msg Publishing) error

	// Close releases the session.
	Close() error
}
