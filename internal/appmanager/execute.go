package appmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services"
	"loom/internal/state"
)

// execute drives the run to completion and always releases its resources.
func (r *run) execute(ctx context.Context) (Summary, error) {
	ctx = services.WithRunID(ctx, r.id)
	counts := r.wf.Count()
	r.logger.Info("workflow run starting",
		logging.String("workflow", r.name),
		logging.Int("pipelines", counts.Pipelines),
		logging.Int("stages", counts.Stages),
		logging.Int("tasks", counts.Tasks),
		logging.String("backend", r.cfg.Channels.Backend),
		logging.String(logging.FieldEventType, "run_started"),
	)
	r.self.Record("run_start", r.id, "")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cause := r.start(runCtx)
	if cause == nil {
		cause = r.supervise(runCtx)
	}
	return r.finish(ctx, cause)
}

func (r *run) start(ctx context.Context) error {
	if err := r.startProcessor(ctx); err != nil {
		return err
	}
	return r.startManager(ctx)
}

// supervise applies sync events until the workflow is done and handles
// failures of the processor and the task manager.
func (r *run) supervise(ctx context.Context) error {
	poll := r.cfg.PollInterval()
	for {
		applied, err := r.drainSync(context.WithoutCancel(ctx))
		if err != nil {
			return err
		}
		if r.done() {
			return nil
		}

		// Restarts swap r.mgr and r.mon, so the channels are read fresh.
		var mgrErrs, monErrs <-chan error
		if r.mgr != nil {
			mgrErrs = r.mgr.Err()
		}
		if r.mon != nil {
			monErrs = r.mon.Err()
		}
		wait := poll
		if applied > 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-r.proc.Err():
			return fmt.Errorf("workflow processor: %w", err)
		case err := <-mgrErrs:
			if err := r.restartManager(ctx, err); err != nil {
				return err
			}
		case err := <-monErrs:
			if err := r.restartManager(ctx, err); err != nil {
				return err
			}
		case <-time.After(wait):
		}
	}
}

// done reports whether every canonical pipeline reached DONE.
func (r *run) done() bool {
	for _, pl := range r.wf.Pipelines {
		pl.Lock()
		st := pl.State()
		pl.Unlock()
		if st != state.Done {
			return false
		}
	}
	return true
}

// finish tears the run down in order and records the outcome.
func (r *run) finish(ctx context.Context, cause error) (Summary, error) {
	work := context.WithoutCancel(ctx)

	if r.proc != nil {
		r.proc.Stop()
	}
	if _, err := r.drainSync(work); err != nil && cause == nil {
		cause = err
	}
	r.stopManager()

	closeCtx, cancel := context.WithTimeout(work, shutdownTimeout)
	if err := r.pool.Close(closeCtx); err != nil {
		r.logger.Warn("pool did not stop cleanly", logging.Error(err))
	}
	cancel()
	r.pool = nil
	// Completions published while the pool wound down.
	if _, err := r.drainSync(work); err != nil && cause == nil {
		cause = err
	}

	status := queue.RunDone
	message := ""
	if cause != nil {
		status = queue.RunFailed
		if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
			status = queue.RunCanceled
		}
		message = cause.Error()
		r.cancelUnfinished(work)
	}

	for _, name := range r.names.All() {
		if err := r.broker.Delete(work, name); err != nil {
			r.logger.Debug("channel delete failed", logging.String(logging.FieldChannel, name), logging.Error(err))
		}
	}
	if err := r.store.FinishRun(work, r.id, status, message); err != nil {
		r.logger.Warn("failed to record run outcome", logging.Error(err))
	}

	summary := r.summary()
	r.self.Record("run_stop", r.id, string(status))
	r.release(work)

	if cause != nil {
		logging.ErrorWithContext(r.logger, "workflow run failed", "run_failed",
			logging.Error(cause),
			logging.String("status", string(status)),
			logging.String(logging.FieldErrorHint, services.Hint(cause)),
		)
		return summary, fmt.Errorf("%w: %w", ErrRunFailed, cause)
	}
	r.logger.Info("workflow run finished",
		logging.Duration("elapsed", summary.Duration),
		logging.Int("tasks_done", summary.Tasks[state.Done]),
		logging.Int("tasks_failed", summary.Tasks[state.Failed]),
		logging.Int("manager_restarts", summary.Restarts),
		logging.Int("submissions", r.registry.Submitted()),
		logging.String(logging.FieldEventType, "run_finished"),
	)
	return summary, nil
}

// cancelUnfinished marks every non-terminal canonical entity CANCELED.
func (r *run) cancelUnfinished(ctx context.Context) {
	cancelEntity := func(e state.Entity) bool {
		if state.Terminal(e.Kind(), e.State()) {
			return false
		}
		e.SetState(state.Canceled)
		r.self.Record("cancel", e.UID(), string(state.Canceled))
		return true
	}
	for _, pl := range r.wf.Pipelines {
		pl.Lock()
		var recs []queue.EntityRecord
		if cancelEntity(pl) {
			recs = append(recs, pipelineRecord(r.id, pl))
		}
		for _, stg := range pl.Stages {
			if cancelEntity(stg) {
				recs = append(recs, stageRecord(r.id, stg))
			}
			for _, t := range stg.Tasks {
				if cancelEntity(t) {
					recs = append(recs, taskRecord(r.id, t))
				}
			}
		}
		pl.Unlock()
		for _, rec := range recs {
			if err := r.store.UpsertEntity(ctx, rec); err != nil {
				r.logger.Warn("failed to mirror cancellation", logging.String("uid", rec.UID), logging.Error(err))
			}
		}
	}
}
