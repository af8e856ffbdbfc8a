package appmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/services"
	"loom/internal/taskmanager"
)

func (r *run) startManager(ctx context.Context) error {
	mgr, err := taskmanager.New(r.broker, r.pool, r.places, taskmanager.Options{
		Names:        r.names,
		Logger:       r.componentLogger("taskmanager"),
		Profiler:     r.recorder(2),
		PollInterval: r.cfg.PollInterval(),
		SubmitRate:   r.cfg.Engine.SubmitRate,
		SubmitBurst:  r.cfg.Engine.SubmitBurst,
		Registry:     r.registry,
	})
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	mon := taskmanager.NewHeartbeatMonitor(r.broker, taskmanager.MonitorOptions{
		Names:        r.names,
		Interval:     r.cfg.HeartbeatInterval(),
		Timeout:      r.cfg.HeartbeatTimeout(),
		PollInterval: r.cfg.PollInterval(),
		Logger:       r.componentLogger("heartbeat"),
	})
	if err := mon.Start(ctx); err != nil {
		mgr.Stop()
		return err
	}
	r.mgr, r.mon = mgr, mon
	r.self.Record("manager_start", mgr.ID(), "")
	return nil
}

// stopManager stops the task manager and its monitor together.
func (r *run) stopManager() {
	var g errgroup.Group
	if r.mgr != nil {
		mgr := r.mgr
		g.Go(func() error {
			mgr.Stop()
			return nil
		})
	}
	if r.mon != nil {
		mon := r.mon
		g.Go(func() error {
			mon.Stop()
			return nil
		})
	}
	_ = g.Wait()
	if r.mon != nil {
		beats, last := r.mon.Beats()
		r.logger.Debug("heartbeat monitor stopped",
			logging.Int("beats", beats),
			logging.String("last_beat", last.Format(time.RFC3339)),
		)
	}
	r.mgr, r.mon = nil, nil
}

// restartManager replaces a failed task manager. The pool, placeholder map,
// and registry carry over, so units already running keep reporting.
func (r *run) restartManager(ctx context.Context, cause error) error {
	if !services.Restartable(cause) {
		return cause
	}
	r.restarts++
	if r.restarts > r.cfg.Engine.MaxManagerRestarts {
		return fmt.Errorf("task manager failed %d times: %w", r.restarts, cause)
	}
	label := restartCause(cause)
	metrics.RecordManagerRestart(label)
	logging.WarnWithContext(r.logger, "restarting task manager", "manager_restart",
		logging.String("cause", label),
		logging.Int("restart", r.restarts),
		logging.Int("max_restarts", r.cfg.Engine.MaxManagerRestarts),
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, services.Hint(cause)),
	)

	r.stopManager()
	work := context.WithoutCancel(ctx)
	for _, name := range []string{r.names.HeartbeatRequest, r.names.HeartbeatResponse} {
		if err := r.broker.Purge(work, name); err != nil {
			return err
		}
	}
	if r.durable {
		released, err := r.store.ReleaseClaims(work, r.names.Pending)
		if err != nil {
			return err
		}
		if released > 0 {
			r.logger.Info("released pending claims", logging.Int64("released", released))
		}
	}
	return r.startManager(ctx)
}

func restartCause(err error) string {
	switch {
	case errors.Is(err, taskmanager.ErrManagerDead), errors.Is(err, services.ErrLiveness):
		return "heartbeat"
	case errors.Is(err, services.ErrSubmission):
		return "submission"
	default:
		return "channel"
	}
}
