package natsjs_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"loom/internal/channel"
	"loom/internal/channel/natsjs"
)

func connect(t *testing.T) *natsjs.Broker {
	t.Helper()
	url := os.Getenv("LOOM_TEST_NATS_URL")
	if url == "" {
		t.Skip("LOOM_TEST_NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := natsjs.Connect(ctx, natsjs.Options{URL: url, Stream: "LOOMTEST", AckWait: time.Second})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestJetStreamRoundTrip(t *testing.T) {
	b := connect(t)
	ctx := context.Background()
	name := "t" + uuid.NewString()[:8] + ".pending"
	if err := b.Declare(ctx, name); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	t.Cleanup(func() { _ = b.Delete(context.Background(), name) })

	if err := b.Publish(ctx, name, []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d, err := channel.Receive(ctx, b, name, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(d.Body) != "hello" || d.Attempt != 1 {
		t.Fatalf("unexpected delivery %+v", d)
	}
	if err := b.Nack(ctx, d); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	again, err := channel.Receive(ctx, b, name, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive again: %v", err)
	}
	if again.Attempt != 2 {
		t.Fatalf("expected redelivery attempt 2, got %d", again.Attempt)
	}
	if err := b.Ack(ctx, again); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := b.Ack(ctx, again); !errors.Is(err, channel.ErrUnknownDelivery) {
		t.Fatalf("expected ErrUnknownDelivery, got %v", err)
	}
}

func TestJetStreamUnknownChannel(t *testing.T) {
	b := connect(t)
	if err := b.Publish(context.Background(), "never-declared", []byte("x")); !errors.Is(err, channel.ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}
