// Package natsjs is a channel.Broker backed by a NATS JetStream work-queue
// stream. Every channel is one subject of the stream with its own durable
// pull consumer; unacknowledged messages are redelivered after the consumer's
// ack wait.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"loom/internal/channel"
	"loom/internal/logging"
)

const subjectRoot = "loom.ch"

// Options configure a Broker.
type Options struct {
	URL    string
	Stream string
	// AckWait is the visibility timeout of a claimed message.
	AckWait time.Duration
	Logger  *slog.Logger
}

// Broker implements channel.Broker on JetStream.
type Broker struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  jetstream.Stream
	ackWait time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	closed    bool
	consumers map[string]jetstream.Consumer
	inflight  map[string]jetstream.Msg
}

// Connect dials the server and ensures the work-queue stream exists.
func Connect(ctx context.Context, opts Options) (*Broker, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("natsjs: url is required")
	}
	if opts.Stream == "" {
		opts.Stream = "LOOM"
	}
	if opts.AckWait <= 0 {
		opts.AckWait = 5 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	nc, err := nats.Connect(opts.URL, nats.Name("loom"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      opts.Stream,
		Subjects:  []string{subjectRoot + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", opts.Stream, err)
	}

	logger.Info("jetstream broker connected",
		logging.String("url", opts.URL),
		logging.String("stream", opts.Stream),
		logging.String(logging.FieldEventType, "broker_connected"),
	)
	return &Broker{
		nc:        nc,
		js:        js,
		stream:    stream,
		ackWait:   opts.AckWait,
		logger:    logger,
		consumers: make(map[string]jetstream.Consumer),
		inflight:  make(map[string]jetstream.Msg),
	}, nil
}

func subject(name string) string { return subjectRoot + "." + name }

func durable(name string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(name)
}

// Declare implements channel.Broker.
func (b *Broker) Declare(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return channel.ErrClosed
	}
	if _, ok := b.consumers[name]; ok {
		return nil
	}
	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable(name),
		FilterSubject: subject(name),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.ackWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("declare %s: %w", name, err)
	}
	b.consumers[name] = consumer
	return nil
}

func (b *Broker) consumer(name string) (jetstream.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, channel.ErrClosed
	}
	c, ok := b.consumers[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, channel.ErrUnknownChannel)
	}
	return c, nil
}

// Publish implements channel.Broker.
func (b *Broker) Publish(ctx context.Context, name string, body []byte) error {
	if _, err := b.consumer(name); err != nil {
		return err
	}
	if _, err := b.js.Publish(ctx, subject(name), body); err != nil {
		return fmt.Errorf("publish to %s: %w", name, err)
	}
	return nil
}

// Get implements channel.Broker.
func (b *Broker) Get(_ context.Context, name string) (channel.Delivery, bool, error) {
	c, err := b.consumer(name)
	if err != nil {
		return channel.Delivery{}, false, err
	}
	batch, err := c.FetchNoWait(1)
	if err != nil {
		return channel.Delivery{}, false, fmt.Errorf("fetch from %s: %w", name, err)
	}
	var msg jetstream.Msg
	for m := range batch.Messages() {
		msg = m
	}
	if batchErr := batch.Error(); batchErr != nil && !errors.Is(batchErr, nats.ErrTimeout) {
		return channel.Delivery{}, false, fmt.Errorf("fetch from %s: %w", name, batchErr)
	}
	if msg == nil {
		return channel.Delivery{}, false, nil
	}

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}
	id := uuid.NewString()
	b.mu.Lock()
	b.inflight[id] = msg
	b.mu.Unlock()
	return channel.Delivery{ID: id, Channel: name, Body: msg.Data(), Attempt: attempt}, true, nil
}

func (b *Broker) take(d channel.Delivery) (jetstream.Msg, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.inflight[d.ID]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", d.Channel, d.ID, channel.ErrUnknownDelivery)
	}
	delete(b.inflight, d.ID)
	return msg, nil
}

// Ack implements channel.Broker. The server confirms the ack so a lapsed
// claim surfaces as an error.
func (b *Broker) Ack(ctx context.Context, d channel.Delivery) error {
	msg, err := b.take(d)
	if err != nil {
		return err
	}
	if err := msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("ack %s/%s: %w", d.Channel, d.ID, err)
	}
	return nil
}

// Nack implements channel.Broker.
func (b *Broker) Nack(_ context.Context, d channel.Delivery) error {
	msg, err := b.take(d)
	if err != nil {
		return err
	}
	if err := msg.Nak(); err != nil {
		return fmt.Errorf("nack %s/%s: %w", d.Channel, d.ID, err)
	}
	return nil
}

// Purge implements channel.Broker.
func (b *Broker) Purge(ctx context.Context, name string) error {
	if err := b.stream.Purge(ctx, jetstream.WithPurgeSubject(subject(name))); err != nil {
		return fmt.Errorf("purge %s: %w", name, err)
	}
	return nil
}

// Delete implements channel.Broker. The channel's messages are purged and
// its consumer removed.
func (b *Broker) Delete(ctx context.Context, name string) error {
	if err := b.Purge(ctx, name); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.consumers, name)
	b.mu.Unlock()
	if err := b.stream.DeleteConsumer(ctx, durable(name)); err != nil && !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// Close implements channel.Broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.inflight = map[string]jetstream.Msg{}
	b.mu.Unlock()
	return b.nc.Drain()
}
