package workflow

import (
	"context"
	"fmt"

	"loom/internal/logging"
	"loom/internal/pipeline"
	"loom/internal/services"
	"loom/internal/state"
)

func (p *Processor) runEnqueue(ctx context.Context) {
	defer p.wg.Done()
	defer p.markExited("enqueue")

	for {
		if ctx.Err() != nil {
			return
		}
		// A pass that started finishes even if Stop arrives mid-way, so no
		// stage is left half scheduled.
		if err := p.enqueuePass(context.WithoutCancel(ctx)); err != nil {
			p.fail("enqueue", err)
			return
		}
		p.wait(ctx)
	}
}

func (p *Processor) enqueuePass(ctx context.Context) error {
	for _, pl := range p.wf.Pipelines {
		if err := p.enqueuePipeline(ctx, pl); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) enqueuePipeline(ctx context.Context, pl *pipeline.Pipeline) error {
	pl.Lock()
	defer pl.Unlock()

	if pl.Completed() || state.Terminal(state.KindPipeline, pl.State()) {
		return nil
	}
	stg, ok := pl.CurrentStage()
	if !ok {
		return nil
	}

	switch stg.State() {
	case state.Initial:
		if pl.State() == state.Initial {
			if err := p.trans.Transition(ctx, pl, state.Scheduling); err != nil {
				return err
			}
			p.logger.Info("pipeline scheduling",
				logging.String(logging.FieldPipelineID, pl.UID()),
				logging.String("pipeline", pl.Label()),
				logging.Int("stages", len(pl.Stages)),
				logging.String(logging.FieldEventType, "pipeline_scheduling"),
			)
		}
		return p.scheduleStage(ctx, pl, stg)
	case state.Scheduled:
		// Resubmission clones join a stage that is already running, and
		// tasks whose publish failed wait in SCHEDULING.
		for _, t := range stg.Tasks {
			if !unpublished(t) {
				continue
			}
			if err := p.scheduleTask(ctx, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Processor) scheduleStage(ctx context.Context, pl *pipeline.Pipeline, stg *pipeline.Stage) error {
	if err := p.trans.Transition(ctx, stg, state.Scheduling); err != nil {
		return err
	}

	scheduled := 0
	for _, t := range stg.Tasks {
		if !unpublished(t) {
			continue
		}
		if err := p.scheduleTask(ctx, t); err != nil {
			p.rollbackStage(ctx, stg)
			return err
		}
		scheduled++
	}

	if err := p.trans.Transition(ctx, stg, state.Scheduled); err != nil {
		p.rollbackStage(ctx, stg)
		return err
	}
	p.logger.Info("stage scheduled",
		logging.String(logging.FieldPipelineID, pl.UID()),
		logging.String(logging.FieldStageID, stg.UID()),
		logging.String("stage", fmt.Sprintf("%d/%d", stg.Index, len(pl.Stages))),
		logging.Int("tasks", scheduled),
		logging.String(logging.FieldEventType, "stage_scheduled"),
	)
	return nil
}

// rollbackStage returns a partly scheduled stage to INITIAL. Tasks already
// published stay SCHEDULED and are not republished on the next pass; the
// others are picked up again from INITIAL or SCHEDULING.
func (p *Processor) rollbackStage(ctx context.Context, stg *pipeline.Stage) {
	if err := p.trans.Rollback(ctx, stg, state.Initial); err != nil {
		p.logger.Warn("stage rollback failed",
			logging.String(logging.FieldStageID, stg.UID()),
			logging.Error(err),
			logging.String(logging.FieldEventType, "stage_rollback_failed"),
			logging.String(logging.FieldErrorHint, services.Hint(err)),
		)
	}
}

// unpublished reports whether t still has to be put on the pending channel.
func unpublished(t *pipeline.Task) bool {
	return t.State() == state.Initial || t.State() == state.Scheduling
}

// scheduleTask moves t to SCHEDULED and publishes it. A task never returns
// to INITIAL: on failure it is held in SCHEDULING for the next pass.
func (p *Processor) scheduleTask(ctx context.Context, t *pipeline.Task) error {
	if t.State() == state.Initial {
		if err := p.trans.Transition(ctx, t, state.Scheduling); err != nil {
			return err
		}
	}
	if err := p.trans.Transition(ctx, t, state.Scheduled); err != nil {
		p.rollbackTask(ctx, t)
		return err
	}
	body, err := pipeline.EncodeTask(t)
	if err != nil {
		p.rollbackTask(ctx, t)
		return fmt.Errorf("encode task %s: %w", t.UID(), err)
	}
	if err := p.broker.Publish(ctx, p.names.Pending, body); err != nil {
		p.rollbackTask(ctx, t)
		return services.Wrap(services.ErrChannel, component, "publish pending", t.UID(), err)
	}
	p.logger.Debug("task published",
		logging.String(logging.FieldTaskID, t.UID()),
		logging.String("task", t.Label()),
		logging.String(logging.FieldChannel, p.names.Pending),
	)
	return nil
}

func (p *Processor) rollbackTask(ctx context.Context, t *pipeline.Task) {
	if err := p.trans.Rollback(ctx, t, state.Scheduling); err != nil {
		p.logger.Warn("task rollback failed",
			logging.String(logging.FieldTaskID, t.UID()),
			logging.Error(err),
			logging.String(logging.FieldEventType, "task_rollback_failed"),
			logging.String(logging.FieldErrorHint, services.Hint(err)),
		)
	}
}
