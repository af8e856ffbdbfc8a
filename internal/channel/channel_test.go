package channel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"loom/internal/channel"
	"loom/internal/services"
)

func TestNamesPrefix(t *testing.T) {
	bare := channel.NewNames("")
	if bare.Pending != "pending" || bare.Sync != "sync" {
		t.Fatalf("unexpected bare names: %+v", bare)
	}
	run := channel.NewNames("run-1")
	if run.HeartbeatRequest != "run-1.heartbeat-request" {
		t.Fatalf("unexpected prefixed name %q", run.HeartbeatRequest)
	}
	if len(run.All()) != 5 {
		t.Fatalf("expected five channels, got %v", run.All())
	}
}

func TestMemoryFIFOAndRedelivery(t *testing.T) {
	ctx := context.Background()
	b := channel.NewMemory()
	if err := b.Declare(ctx, "pending"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	for _, body := range []string{"one", "two"} {
		if err := b.Publish(ctx, "pending", []byte(body)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	first, ok, err := b.Get(ctx, "pending")
	if err != nil || !ok || string(first.Body) != "one" || first.Attempt != 1 {
		t.Fatalf("unexpected first delivery %+v ok=%v err=%v", first, ok, err)
	}
	if err := b.Nack(ctx, first); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	again, ok, _ := b.Get(ctx, "pending")
	if !ok || string(again.Body) != "one" || again.Attempt != 2 {
		t.Fatalf("expected redelivery of first message, got %+v", again)
	}
	if err := b.Ack(ctx, again); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := b.Ack(ctx, again); !errors.Is(err, channel.ErrUnknownDelivery) {
		t.Fatalf("double ack should fail with ErrUnknownDelivery, got %v", err)
	}
	second, ok, _ := b.Get(ctx, "pending")
	if !ok || string(second.Body) != "two" {
		t.Fatalf("expected second message, got %+v", second)
	}
	if _, ok, _ := b.Get(ctx, "pending"); ok {
		t.Fatal("expected empty channel")
	}
	if b.Len("pending") != 1 {
		t.Fatalf("expected one in-flight message, got %d", b.Len("pending"))
	}
}

func TestMemoryUnknownAndClosed(t *testing.T) {
	ctx := context.Background()
	b := channel.NewMemory()
	if err := b.Publish(ctx, "nope", nil); !errors.Is(err, channel.ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
	_ = b.Declare(ctx, "sync")
	if err := b.Delete(ctx, "sync"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Publish(ctx, "sync", nil); !errors.Is(err, channel.ErrUnknownChannel) {
		t.Fatalf("deleted channel should be unknown, got %v", err)
	}
	_ = b.Close()
	if err := b.Declare(ctx, "sync"); !errors.Is(err, channel.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReceivePollsUntilMessage(t *testing.T) {
	ctx := context.Background()
	b := channel.NewMemory()
	_ = b.Declare(ctx, "completed")

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = b.Publish(ctx, "completed", []byte("late"))
	}()

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, err := channel.Receive(recvCtx, b, "completed", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(d.Body) != "late" {
		t.Fatalf("unexpected body %q", d.Body)
	}
}

func TestReceiveHonoursCancellation(t *testing.T) {
	b := channel.NewMemory()
	_ = b.Declare(context.Background(), "completed")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := channel.Receive(ctx, b, "completed", 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestInstrumentMarksChannelErrors(t *testing.T) {
	b := channel.Instrument(channel.NewMemory())
	err := b.Publish(context.Background(), "missing", []byte("x"))
	if !errors.Is(err, services.ErrChannel) || !errors.Is(err, channel.ErrUnknownChannel) {
		t.Fatalf("expected channel marker and cause, got %v", err)
	}
	if channel.Instrument(b) != b {
		t.Fatal("instrumenting twice should be a no-op")
	}
}
