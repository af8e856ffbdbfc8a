package channel

import (
	"context"

	"loom/internal/metrics"
	"loom/internal/services"
)

// instrumented counts operations and tags failures as channel errors.
type instrumented struct {
	next Broker
}

// Instrument wraps b so every operation is counted and every failure carries
// the services.ErrChannel marker.
func Instrument(b Broker) Broker {
	if _, ok := b.(instrumented); ok {
		return b
	}
	return instrumented{next: b}
}

func wrap(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return services.Wrap(services.ErrChannel, name, op, "", err)
}

func (i instrumented) Declare(ctx context.Context, name string) error {
	return wrap("declare", name, i.next.Declare(ctx, name))
}

func (i instrumented) Publish(ctx context.Context, name string, body []byte) error {
	err := i.next.Publish(ctx, name, body)
	if err == nil {
		metrics.RecordChannelOp(name, "publish")
	}
	return wrap("publish", name, err)
}

func (i instrumented) Get(ctx context.Context, name string) (Delivery, bool, error) {
	d, ok, err := i.next.Get(ctx, name)
	if ok {
		metrics.RecordChannelOp(name, "get")
	}
	return d, ok, wrap("get", name, err)
}

func (i instrumented) Ack(ctx context.Context, d Delivery) error {
	err := i.next.Ack(ctx, d)
	if err == nil {
		metrics.RecordChannelOp(d.Channel, "ack")
	}
	return wrap("ack", d.Channel, err)
}

func (i instrumented) Nack(ctx context.Context, d Delivery) error {
	err := i.next.Nack(ctx, d)
	if err == nil {
		metrics.RecordChannelOp(d.Channel, "nack")
	}
	return wrap("nack", d.Channel, err)
}

func (i instrumented) Purge(ctx context.Context, name string) error {
	return wrap("purge", name, i.next.Purge(ctx, name))
}

func (i instrumented) Delete(ctx context.Context, name string) error {
	return wrap("delete", name, i.next.Delete(ctx, name))
}

func (i instrumented) Close() error {
	return i.next.Close()
}
