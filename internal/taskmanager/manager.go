package taskmanager

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"loom/internal/channel"
	"loom/internal/logging"
	"loom/internal/placeholder"
	"loom/internal/profiler"
	"loom/internal/rts"
	"loom/internal/services"
	"loom/internal/state"
)

const component = "taskmanager"

// Options configure a Manager.
type Options struct {
	Names        channel.Names
	Logger       *slog.Logger
	Profiler     profiler.Recorder
	PollInterval time.Duration
	// SubmitRate caps pool submissions per second; zero disables the limit.
	SubmitRate  float64
	SubmitBurst int
	// Registry is shared with earlier and later managers of the same run.
	Registry *Registry
}

// Manager submits pending tasks to a pool and answers heartbeats.
type Manager struct {
	id           string
	broker       channel.Broker
	pool         rts.Pool
	placeholders *placeholder.Map
	names        channel.Names
	trans        *state.Transitioner
	limiter      *rate.Limiter
	registry     *Registry
	logger       *slog.Logger
	profiler     profiler.Recorder
	pollInterval time.Duration

	errs chan error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a manager. The placeholder map and registry are shared state of
// the run and survive the manager.
func New(broker channel.Broker, pool rts.Pool, placeholders *placeholder.Map, opts Options) (*Manager, error) {
	if broker == nil {
		return nil, errors.New("task manager: broker is required")
	}
	if pool == nil {
		return nil, errors.New("task manager: pool is required")
	}
	if placeholders == nil {
		placeholders = placeholder.New(placeholder.PolicyLatest, pool.SharedDir())
	}
	id := "tmgr." + uuid.NewString()[:8]
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, component).With(logging.String("manager_id", id))
	rec := opts.Profiler
	if rec == nil {
		rec = profiler.Nop{}
	}
	names := opts.Names
	if names.Pending == "" {
		names = channel.NewNames("")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	return &Manager{
		id:           id,
		broker:       broker,
		pool:         pool,
		placeholders: placeholders,
		names:        names,
		trans: state.NewTransitioner(broker, state.TransitionerOptions{
			Channel:  names.Sync,
			Source:   component,
			Profiler: rec,
			Logger:   logger,
		}),
		limiter:      newLimiter(opts.SubmitRate, opts.SubmitBurst),
		registry:     registry,
		logger:       logger,
		profiler:     rec,
		pollInterval: poll,
		errs:         make(chan error, 4),
	}, nil
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if perSecond <= 0 || math.IsInf(perSecond, 1) {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// ID identifies this manager instance in logs and heartbeat replies.
func (m *Manager) ID() string { return m.id }

// Err delivers failures of the submission loop and of completion callbacks.
func (m *Manager) Err() <-chan error { return m.errs }

// Start launches the manager loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("task manager already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	go m.loop(runCtx)

	m.profiler.Record("start", m.id, "")
	m.logger.Info("task manager started",
		logging.String("pending", m.names.Pending),
		logging.Int("parked_completions", m.registry.Parked()),
		logging.String(logging.FieldEventType, "manager_started"),
	)
	return nil
}

// Stop ends the loop after its current iteration. Units already handed to
// the pool keep running and still report through their callbacks.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.profiler.Record("stop", m.id, "")
	m.logger.Info("task manager stopped", logging.String(logging.FieldEventType, "manager_stopped"))
}

func (m *Manager) report(err error) {
	logging.ErrorWithContext(m.logger, "task manager failure", "manager_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, services.Hint(err)),
	)
	select {
	case m.errs <- err:
	default:
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		work := context.WithoutCancel(ctx)
		m.flushParked(work)

		busy, err := m.pollPending(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.report(err)
			}
			return
		}
		answered, err := m.pollHeartbeat(work)
		if err != nil {
			m.report(err)
			return
		}
		if busy || answered {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.pollInterval):
		}
	}
}

func (m *Manager) pollPending(ctx context.Context) (bool, error) {
	work := context.WithoutCancel(ctx)
	d, ok, err := m.broker.Get(work, m.names.Pending)
	if err != nil {
		return false, services.Wrap(services.ErrChannel, component, "get", m.names.Pending, err)
	}
	if !ok {
		return false, nil
	}
	if err := m.submit(ctx, d); err != nil {
		if nackErr := m.broker.Nack(work, d); nackErr != nil {
			err = errors.Join(err, nackErr)
		}
		return true, err
	}
	if err := m.broker.Ack(work, d); err != nil {
		return true, services.Wrap(services.ErrChannel, component, "ack", d.ID, err)
	}
	return true, nil
}

func (m *Manager) pollHeartbeat(ctx context.Context) (bool, error) {
	d, ok, err := m.broker.Get(ctx, m.names.HeartbeatRequest)
	if err != nil {
		return false, services.Wrap(services.ErrChannel, component, "get", m.names.HeartbeatRequest, err)
	}
	if !ok {
		return false, nil
	}
	req, err := decodeRequest(d.Body)
	if err != nil {
		logging.WarnWithContext(m.logger, "dropping malformed heartbeat request", "heartbeat_malformed", logging.Error(err))
		return true, m.ackHeartbeat(ctx, d)
	}
	body, err := json.Marshal(HeartbeatResponse{
		CorrelationID: req.CorrelationID,
		ManagerID:     m.id,
		RepliedAt:     time.Now().UTC(),
	})
	if err != nil {
		return true, err
	}
	if err := m.broker.Publish(ctx, m.names.HeartbeatResponse, body); err != nil {
		return true, services.Wrap(services.ErrChannel, component, "heartbeat reply", req.CorrelationID, err)
	}
	m.logger.Debug("heartbeat answered", logging.String(logging.FieldCorrelationID, req.CorrelationID))
	return true, m.ackHeartbeat(ctx, d)
}

func (m *Manager) ackHeartbeat(ctx context.Context, d channel.Delivery) error {
	if err := m.broker.Ack(ctx, d); err != nil {
		return services.Wrap(services.ErrChannel, component, "ack", d.ID, err)
	}
	return nil
}
