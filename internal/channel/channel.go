package channel

import (
	"context"
	"errors"
	"time"
)

// Base channel names.
const (
	Pending           = "pending"
	Completed         = "completed"
	HeartbeatRequest  = "heartbeat-request"
	HeartbeatResponse = "heartbeat-response"
	Sync              = "sync"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("channel broker closed")
	// ErrUnknownChannel is returned for channels that were never declared or
	// have been deleted.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrUnknownDelivery is returned when acking a delivery the broker no
	// longer tracks.
	ErrUnknownDelivery = errors.New("unknown delivery")
)

// Delivery is one claimed message. It stays invisible to other receivers
// until acknowledged, negatively acknowledged, or its visibility lapses.
type Delivery struct {
	ID      string
	Channel string
	Body    []byte
	// Attempt counts deliveries of this message, starting at 1.
	Attempt int
}

// Broker is a set of named at-least-once queues.
type Broker interface {
	Declare(ctx context.Context, name string) error
	Publish(ctx context.Context, name string, body []byte) error
	// Get claims the oldest visible message without blocking. The boolean is
	// false when the channel is empty.
	Get(ctx context.Context, name string) (Delivery, bool, error)
	Ack(ctx context.Context, d Delivery) error
	// Nack makes the delivery visible again immediately.
	Nack(ctx context.Context, d Delivery) error
	Purge(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Close() error
}

// Names are the concrete channel names of one run.
type Names struct {
	Pending           string
	Completed         string
	HeartbeatRequest  string
	HeartbeatResponse string
	Sync              string
}

// NewNames prefixes the base names so concurrent runs sharing a backend do
// not collide. An empty prefix yields the bare names.
func NewNames(prefix string) Names {
	join := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	}
	return Names{
		Pending:           join(Pending),
		Completed:         join(Completed),
		HeartbeatRequest:  join(HeartbeatRequest),
		HeartbeatResponse: join(HeartbeatResponse),
		Sync:              join(Sync),
	}
}

// All lists the names in declaration order.
func (n Names) All() []string {
	return []string{n.Pending, n.Completed, n.HeartbeatRequest, n.HeartbeatResponse, n.Sync}
}

// DeclareAll declares every channel of n.
func DeclareAll(ctx context.Context, b Broker, n Names) error {
	for _, name := range n.All() {
		if err := b.Declare(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Receive polls name until a message arrives or ctx is done. Polling keeps
// termination responsive on backends without a blocking receive.
func Receive(ctx context.Context, b Broker, name string, poll time.Duration) (Delivery, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	var timer *time.Timer
	for {
		d, ok, err := b.Get(ctx, name)
		if err != nil {
			return Delivery{}, err
		}
		if ok {
			return d, nil
		}
		if timer == nil {
			timer = time.NewTimer(poll)
			defer timer.Stop()
		} else {
			timer.Reset(poll)
		}
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-timer.C:
		}
	}
}
