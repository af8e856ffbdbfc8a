package appmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"loom/internal/channel"
	"loom/internal/channel/natsjs"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/pipeline"
	"loom/internal/placeholder"
	"loom/internal/profiler"
	"loom/internal/queue"
	"loom/internal/rts"
	"loom/internal/services"
	"loom/internal/taskmanager"
	"loom/internal/workflow"
)

const shutdownTimeout = 30 * time.Second

// run holds everything one Run owns.
type run struct {
	id      string
	name    string
	cfg     *config.Config
	logger  *slog.Logger
	started time.Time

	lock   *flock.Flock
	store  *queue.Store
	broker channel.Broker
	// durable is set when the broker is the store itself, which lets the
	// coordinator release claims a dead task manager still holds.
	durable bool
	names   channel.Names
	pool    rts.Pool
	places  *placeholder.Map

	wf        *pipeline.Workflow
	proc      *workflow.Processor
	registry  *taskmanager.Registry
	mgr       *taskmanager.Manager
	mon       *taskmanager.HeartbeatMonitor
	restarts  int
	profilers []*profiler.Profiler
	self      profiler.Recorder
}

// newRun acquires the lock and every resource. On error, whatever was
// acquired is released.
func newRun(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger, wf *pipeline.Workflow) (r *run, err error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, component, "directories", "", err)
	}

	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", cfg.LockPath(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", cfg.LockPath(), ErrLocked)
	}

	id := opts.RunID
	if id == "" {
		id = "run." + uuid.NewString()
	}
	r = &run{
		id:       id,
		name:     opts.Name,
		cfg:      cfg,
		logger:   logging.WithContext(services.WithRunID(ctx, id), logger),
		started:  time.Now(),
		lock:     lock,
		names:    channel.NewNames(cfg.Channels.Prefix),
		wf:       wf,
		registry: taskmanager.NewRegistry(),
		self:     profiler.Nop{},
	}
	defer func() {
		if err != nil {
			r.release(context.Background())
			r = nil
		}
	}()

	if r.store, err = queue.Open(cfg); err != nil {
		return r, fmt.Errorf("open run store: %w", err)
	}
	if err = r.openBroker(ctx, opts.Broker); err != nil {
		return r, err
	}
	if err = r.declareChannels(ctx); err != nil {
		return r, err
	}

	desc := rts.FromConfig(cfg.Resource)
	if opts.Resource != nil {
		desc = opts.Resource.Merge(desc)
	}
	if opts.Pool != nil {
		r.pool = opts.Pool
	} else if r.pool, err = rts.NewPool(desc, rts.LocalOptions{
		RunID:  id,
		Logger: logging.ForComponent(logger, "rts", cfg.Logging.ComponentOverrides),
	}); err != nil {
		return r, services.Wrap(services.ErrConfiguration, component, "build pool", desc.Resource, err)
	}

	r.places = placeholder.New(placeholder.Policy(cfg.Engine.PlaceholderPolicy), r.pool.SharedDir())
	r.registerNames()

	if err = r.openProfilers(); err != nil {
		return r, err
	}

	resource, _ := json.Marshal(desc)
	if err = r.store.CreateRun(ctx, queue.Run{
		ID:           id,
		Workflow:     opts.Name,
		Status:       queue.RunRunning,
		ResourceJSON: string(resource),
		StartedAt:    r.started,
	}); err != nil {
		return r, err
	}
	if err = r.mirrorAll(ctx); err != nil {
		return r, err
	}
	return r, nil
}

func (r *run) openBroker(ctx context.Context, injected channel.Broker) error {
	if injected != nil {
		r.broker = channel.Instrument(injected)
		return nil
	}
	switch r.cfg.Channels.Backend {
	case "sqlite":
		r.broker = channel.Instrument(r.store)
		r.durable = true
	case "memory":
		r.broker = channel.Instrument(channel.NewMemory())
	case "nats":
		js, err := natsjs.Connect(ctx, natsjs.Options{
			URL:     r.cfg.Channels.NATSURL,
			Stream:  r.cfg.Channels.NATSStream,
			AckWait: r.cfg.VisibilityTimeout(),
			Logger:  logging.ForComponent(r.logger, "natsjs", r.cfg.Logging.ComponentOverrides),
		})
		if err != nil {
			return services.Wrap(services.ErrChannel, component, "connect", r.cfg.Channels.NATSURL, err)
		}
		r.broker = channel.Instrument(js)
	default:
		return services.Wrap(services.ErrConfiguration, component, "broker", r.cfg.Channels.Backend, errors.New("unsupported backend"))
	}
	return nil
}

// declareChannels creates the run's channels and drops anything a crashed
// earlier run left behind.
func (r *run) declareChannels(ctx context.Context) error {
	if err := channel.DeclareAll(ctx, r.broker, r.names); err != nil {
		return err
	}
	for _, name := range r.names.All() {
		if err := r.broker.Purge(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) registerNames() {
	for _, pl := range r.wf.Pipelines {
		r.places.Name("", pl.Name, pl.UID())
		for _, stg := range pl.Stages {
			r.places.Name(pl.UID(), stg.Name, stg.UID())
			for _, t := range stg.Tasks {
				r.places.Name(stg.UID(), t.Name, t.UID())
			}
		}
	}
}

func (r *run) openProfilers() error {
	dir := filepath.Join(r.cfg.Paths.LogDir, "profiles", r.id)
	for _, name := range []string{component, "wfprocessor", "taskmanager"} {
		p, err := profiler.New(dir, name)
		if err != nil {
			return err
		}
		r.profilers = append(r.profilers, p)
	}
	r.self = r.profilers[0]
	return nil
}

func (r *run) recorder(i int) profiler.Recorder {
	if i < len(r.profilers) {
		return r.profilers[i]
	}
	return profiler.Nop{}
}

func (r *run) componentLogger(name string) *slog.Logger {
	return logging.WithComponentLevel(r.logger, name, r.cfg.Logging.ComponentOverrides)
}

func (r *run) startProcessor(ctx context.Context) error {
	classifier, err := workflow.NewClassifier(r.cfg.Engine.SuccessExpr)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, component, "success_expr", "", err)
	}
	r.proc, err = workflow.NewProcessor(r.wf.Clone(), r.broker, workflow.Options{
		Names:          r.names,
		Logger:         r.componentLogger("wfprocessor"),
		Profiler:       r.recorder(1),
		PollInterval:   r.cfg.PollInterval(),
		ResubmitFailed: r.cfg.Engine.ResubmitFailed,
		MaxResubmits:   r.cfg.Engine.MaxResubmits,
		Classifier:     classifier,
	})
	if err != nil {
		return err
	}
	return r.proc.Start(ctx)
}

// release closes everything newRun acquired, in reverse order.
func (r *run) release(ctx context.Context) {
	if r.pool != nil {
		closeCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := r.pool.Close(closeCtx); err != nil {
			r.logger.Warn("pool close failed", logging.Error(err))
		}
		cancel()
	}
	if r.broker != nil && !r.durable {
		if err := r.broker.Close(); err != nil {
			r.logger.Warn("broker close failed", logging.Error(err))
		}
	}
	for _, p := range r.profilers {
		if err := p.Close(); err != nil {
			r.logger.Warn("profile close failed", logging.Error(err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("store close failed", logging.Error(err))
		}
	}
	if err := r.lock.Unlock(); err != nil {
		r.logger.Warn("failed to release run lock", logging.Error(err))
	}
}
