package workflow

import (
	"context"
	"errors"
	"fmt"

	"loom/internal/channel"
	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/pipeline"
	"loom/internal/services"
	"loom/internal/state"
)

func (p *Processor) runDequeue(ctx context.Context) {
	defer p.wg.Done()
	defer p.markExited("dequeue")

	for {
		d, err := channel.Receive(ctx, p.broker, p.names.Completed, p.pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.fail("dequeue", services.Wrap(services.ErrChannel, component, "receive", p.names.Completed, err))
			return
		}
		if err := p.handleCompleted(context.WithoutCancel(ctx), d); err != nil {
			if nackErr := p.broker.Nack(context.WithoutCancel(ctx), d); nackErr != nil {
				err = errors.Join(err, nackErr)
			}
			p.fail("dequeue", err)
			return
		}
		if err := p.broker.Ack(context.WithoutCancel(ctx), d); err != nil {
			p.fail("dequeue", services.Wrap(services.ErrChannel, component, "ack", d.ID, err))
			return
		}
	}
}

func (p *Processor) handleCompleted(ctx context.Context, d channel.Delivery) error {
	done, err := pipeline.DecodeTask(d.Body)
	if err != nil {
		logging.WarnWithContext(p.logger, "dropping malformed completion", "completion_malformed",
			logging.String(logging.FieldChannel, d.Channel),
			logging.Error(err),
		)
		return nil
	}
	logger := p.logger.With(
		logging.String(logging.FieldPipelineID, done.PipelineID),
		logging.String(logging.FieldStageID, done.StageID),
		logging.String(logging.FieldTaskID, done.UID()),
	)

	pl, ok := p.wf.Pipeline(done.PipelineID)
	if !ok {
		logging.WarnWithContext(logger, "completion for unknown pipeline", "completion_unknown")
		return nil
	}

	pl.Lock()
	defer pl.Unlock()

	stg, ok := pl.Stage(done.StageID)
	if !ok {
		logging.WarnWithContext(logger, "completion for unknown stage", "completion_unknown")
		return nil
	}
	task, ok := stg.Task(done.UID())
	if !ok {
		logging.WarnWithContext(logger, "completion for unknown task", "completion_unknown")
		return nil
	}
	if task.Terminal() {
		logger.Debug("duplicate completion ignored",
			logging.String(logging.FieldState, string(task.State())),
			logging.Int("delivery_attempt", d.Attempt),
		)
		// An earlier delivery may have failed between the task and the
		// stage update.
		return p.settleStage(ctx, pl, stg)
	}
	if done.State() != state.Completed {
		logging.WarnWithContext(logger, "completion carries unexpected state", "completion_unexpected_state",
			logging.String(logging.FieldState, string(done.State())),
		)
		return nil
	}

	final, err := p.classify(ctx, done)
	if err != nil {
		return err
	}
	task.ExitCode = done.ExitCode
	task.Path = done.Path
	task.SetState(final)

	attrs := []logging.Attr{
		logging.String("task", task.Label()),
		logging.String(logging.FieldState, string(final)),
		logging.Int("attempt", task.Attempt),
		logging.String(logging.FieldEventType, "task_finished"),
	}
	if task.ExitCode != nil {
		attrs = append(attrs, logging.Int("exit_code", *task.ExitCode))
	}
	if final == state.Failed {
		logger.Warn("task failed", logging.Args(attrs...)...)
	} else {
		logger.Info("task done", logging.Args(attrs...)...)
	}

	if final == state.Failed && p.shouldResubmit(stg, task) {
		clone := task.Replicate()
		stg.AddTask(clone)
		metrics.RecordResubmission()
		logger.Info("task resubmitted",
			logging.String("clone_id", clone.UID()),
			logging.Int("attempt", clone.Attempt),
			logging.String(logging.FieldEventType, "task_resubmitted"),
		)
		return nil
	}
	return p.settleStage(ctx, pl, stg)
}

// classify walks the completed copy through DEQUEUEING and DEQUEUED to its
// final state, publishing every step.
func (p *Processor) classify(ctx context.Context, t *pipeline.Task) (state.State, error) {
	if err := p.trans.Transition(ctx, t, state.Dequeueing); err != nil {
		return "", err
	}
	if err := p.trans.Transition(ctx, t, state.Dequeued); err != nil {
		return "", err
	}
	ok, err := p.classifier.Succeeded(t)
	if err != nil {
		// A broken expression is a configuration problem, not a task outcome.
		return "", services.Wrap(services.ErrConfiguration, component, "classify", t.UID(), err)
	}
	final := state.Failed
	if ok {
		final = state.Done
	}
	if err := p.trans.Transition(ctx, t, final); err != nil {
		return "", err
	}
	return final, nil
}

func (p *Processor) shouldResubmit(stg *pipeline.Stage, t *pipeline.Task) bool {
	if !p.resubmit || stg.Superseded(t.UID()) {
		return false
	}
	return p.maxResubmits == 0 || t.Attempt < p.maxResubmits
}

// settleStage marks stg DONE and advances the cursor once every task in it is
// terminal. The caller holds the pipeline lock.
func (p *Processor) settleStage(ctx context.Context, pl *pipeline.Pipeline, stg *pipeline.Stage) error {
	cur, ok := pl.CurrentStage()
	if !ok || cur != stg || !stg.Complete() {
		return nil
	}
	if stg.State() != state.Done {
		if !state.Allowed(state.KindStage, stg.State(), state.Done) {
			return nil
		}
		if err := p.trans.Transition(ctx, stg, state.Done); err != nil {
			return err
		}
	}
	if err := pl.AdvanceStage(); err != nil {
		return fmt.Errorf("advance pipeline %s: %w", pl.UID(), err)
	}
	p.logger.Info("stage done",
		logging.String(logging.FieldPipelineID, pl.UID()),
		logging.String(logging.FieldStageID, stg.UID()),
		logging.String("stage", fmt.Sprintf("%d/%d", stg.Index, len(pl.Stages))),
		logging.Int("tasks", len(stg.Tasks)),
		logging.String(logging.FieldEventType, "stage_done"),
	)
	if !pl.Completed() {
		return nil
	}
	if err := p.trans.Transition(ctx, pl, state.Done); err != nil {
		if rerr := pl.RetreatStage(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return err
	}
	p.logger.Info("pipeline done",
		logging.String(logging.FieldPipelineID, pl.UID()),
		logging.String("pipeline", pl.Label()),
		logging.String(logging.FieldEventType, "pipeline_done"),
	)
	return nil
}
