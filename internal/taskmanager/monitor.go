package taskmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/channel"
	"loom/internal/logging"
	"loom/internal/services"
)

// ErrManagerDead is reported when a heartbeat goes unanswered.
var ErrManagerDead = errors.New("task manager did not answer heartbeat")

// MonitorOptions configure a HeartbeatMonitor.
type MonitorOptions struct {
	Names channel.Names
	// Interval is the pause after a successful probe.
	Interval time.Duration
	// Timeout is how long one probe waits for its reply.
	Timeout      time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
	// OnDead runs once, from the monitor's goroutine, when a probe times out.
	OnDead func(error)
}

// HeartbeatMonitor probes a task manager over the heartbeat channels.
type HeartbeatMonitor struct {
	broker   channel.Broker
	names    channel.Names
	interval time.Duration
	timeout  time.Duration
	poll     time.Duration
	logger   *slog.Logger
	onDead   func(error)

	errs chan error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	beats   int
	last    time.Time
}

// NewHeartbeatMonitor builds a monitor; Start begins probing.
func NewHeartbeatMonitor(broker channel.Broker, opts MonitorOptions) *HeartbeatMonitor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	names := opts.Names
	if names.Pending == "" {
		names = channel.NewNames("")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	return &HeartbeatMonitor{
		broker:   broker,
		names:    names,
		interval: interval,
		timeout:  timeout,
		poll:     poll,
		logger:   logging.NewComponentLogger(logger, "heartbeat"),
		onDead:   opts.OnDead,
		errs:     make(chan error, 1),
	}
}

// Err delivers the death report, or a channel failure that stopped probing.
func (h *HeartbeatMonitor) Err() <-chan error { return h.errs }

// Beats reports how many probes were answered and when the last one was.
func (h *HeartbeatMonitor) Beats() (int, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.beats, h.last
}

// Start launches the probe loop.
func (h *HeartbeatMonitor) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return errors.New("heartbeat monitor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.running = true
	h.wg.Add(1)
	go h.run(runCtx)
	return nil
}

// Stop ends probing and waits for the loop.
func (h *HeartbeatMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	cancel := h.cancel
	h.running = false
	h.cancel = nil
	h.mu.Unlock()

	cancel()
	h.wg.Wait()
}

func (h *HeartbeatMonitor) run(ctx context.Context) {
	defer h.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		id := uuid.NewString()
		err := h.probe(ctx, id)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, ErrManagerDead) {
				logging.ErrorWithContext(h.logger, "task manager presumed dead", "heartbeat_timeout",
					logging.String(logging.FieldCorrelationID, id),
					logging.Duration("timeout", h.timeout),
					logging.String(logging.FieldErrorHint, services.Hint(err)),
				)
				if h.onDead != nil {
					h.onDead(err)
				}
			}
			select {
			case h.errs <- err:
			default:
			}
			return
		}

		h.mu.Lock()
		h.beats++
		h.last = time.Now()
		h.mu.Unlock()
		h.logger.Debug("heartbeat ok", logging.String(logging.FieldCorrelationID, id))

		select {
		case <-ctx.Done():
			return
		case <-time.After(h.interval):
		}
	}
}

// probe sends one request and waits for the reply carrying the same id.
// Replies to earlier probes are discarded.
func (h *HeartbeatMonitor) probe(ctx context.Context, id string) error {
	body, err := json.Marshal(HeartbeatRequest{CorrelationID: id, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := h.broker.Publish(ctx, h.names.HeartbeatRequest, body); err != nil {
		return services.Wrap(services.ErrChannel, "heartbeat", "publish", id, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	for {
		d, err := channel.Receive(waitCtx, h.broker, h.names.HeartbeatResponse, h.poll)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return services.Wrap(services.ErrLiveness, "heartbeat", "wait", fmt.Sprintf("no reply to %s within %s", id, h.timeout), ErrManagerDead)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return services.Wrap(services.ErrChannel, "heartbeat", "receive", h.names.HeartbeatResponse, err)
		}
		if err := h.broker.Ack(ctx, d); err != nil {
			return services.Wrap(services.ErrChannel, "heartbeat", "ack", d.ID, err)
		}
		resp, err := decodeResponse(d.Body)
		if err != nil {
			logging.WarnWithContext(h.logger, "discarding malformed heartbeat reply", "heartbeat_malformed", logging.Error(err))
			continue
		}
		if resp.CorrelationID != id {
			h.logger.Debug("discarding stale heartbeat reply", logging.String(logging.FieldCorrelationID, resp.CorrelationID))
			continue
		}
		return nil
	}
}
