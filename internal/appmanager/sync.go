package appmanager

import (
	"context"
	"fmt"

	"loom/internal/logging"
	"loom/internal/pipeline"
	"loom/internal/queue"
	"loom/internal/services"
	"loom/internal/state"
)

// drainSync applies every queued sync event. It returns the number applied.
func (r *run) drainSync(ctx context.Context) (int, error) {
	applied := 0
	for {
		d, ok, err := r.broker.Get(ctx, r.names.Sync)
		if err != nil {
			return applied, err
		}
		if !ok {
			return applied, nil
		}
		e, err := state.DecodeEvent(d.Body)
		if err != nil {
			logging.WarnWithContext(r.logger, "dropping malformed sync event", "sync_malformed", logging.Error(err))
		} else if err := r.apply(ctx, e); err != nil {
			_ = r.broker.Nack(ctx, d)
			return applied, err
		}
		if err := r.broker.Ack(ctx, d); err != nil {
			return applied, err
		}
		applied++
	}
}

// apply mirrors one event into the canonical workflow. Forward events never
// move an entity backwards, so redelivered or reordered events are harmless;
// rollback events apply only when they undo the entity's current state.
func (r *run) apply(ctx context.Context, e state.Event) error {
	var pl *pipeline.Pipeline
	var ok bool
	if e.Kind == state.KindPipeline {
		pl, ok = r.wf.Pipeline(e.UID)
	} else {
		pl, ok = r.wf.Pipeline(e.PipelineID)
	}
	if !ok {
		logging.WarnWithContext(r.logger, "sync event for unknown pipeline", "sync_unknown",
			logging.String("uid", e.UID),
			logging.String(logging.FieldPipelineID, e.PipelineID),
		)
		return nil
	}

	pl.Lock()
	defer pl.Unlock()

	var (
		entity state.Entity
		rec    queue.EntityRecord
	)
	switch e.Kind {
	case state.KindPipeline:
		entity = pl
	case state.KindStage:
		stg, ok := pl.Stage(e.UID)
		if !ok {
			return nil
		}
		entity = stg
	case state.KindTask:
		task, err := r.canonicalTask(pl, e)
		if err != nil || task == nil {
			return err
		}
		entity = task
	default:
		return nil
	}

	if !advance(entity, e) {
		return nil
	}

	switch v := entity.(type) {
	case *pipeline.Stage:
		// The processor advances its cursor right after a stage finishes.
		if v.State() == state.Done && pl.CurrentIndex() < v.Index {
			if err := pl.SetCursor(v.Index); err != nil {
				return err
			}
		}
		rec = stageRecord(r.id, v)
	case *pipeline.Pipeline:
		rec = pipelineRecord(r.id, v)
	case *pipeline.Task:
		rec = taskRecord(r.id, v)
	}
	r.self.Record("sync", e.UID, string(e.To))
	if err := r.store.UpsertEntity(ctx, rec); err != nil {
		return services.Wrap(services.ErrChannel, component, "mirror", e.UID, err)
	}
	return nil
}

// canonicalTask finds the event's task, adding resubmission clones the
// coordinator has not seen yet. A nil task means the event is ignored.
func (r *run) canonicalTask(pl *pipeline.Pipeline, e state.Event) (*pipeline.Task, error) {
	stg, ok := pl.Stage(e.StageID)
	if !ok {
		return nil, nil
	}
	snap := func() (*pipeline.Task, error) {
		if len(e.Snapshot) == 0 {
			return nil, nil
		}
		t, err := pipeline.DecodeTask(e.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("sync snapshot %s: %w", e.UID, err)
		}
		return t, nil
	}

	if task, ok := stg.Task(e.UID); ok {
		if s, err := snap(); err == nil && s != nil && !task.Terminal() {
			if s.ExitCode != nil {
				task.ExitCode = s.ExitCode
			}
			if s.Path != "" {
				task.Path = s.Path
			}
		}
		return task, nil
	}

	clone, err := snap()
	if err != nil || clone == nil {
		return nil, err
	}
	if clone.ResubmitOf == "" {
		logging.WarnWithContext(r.logger, "sync event for unknown task", "sync_unknown", logging.String(logging.FieldTaskID, e.UID))
		return nil, nil
	}
	// Clones start INITIAL; the event then moves them like any other task.
	clone.SetState(state.Initial)
	stg.AddTask(clone)
	r.logger.Info("resubmitted task joined stage",
		logging.String(logging.FieldTaskID, clone.UID()),
		logging.String("resubmit_of", clone.ResubmitOf),
		logging.Int("attempt", clone.Attempt),
		logging.String(logging.FieldEventType, "task_resubmitted"),
	)
	return clone, nil
}

// advance applies e to entity and reports whether anything changed.
func advance(entity state.Entity, e state.Event) bool {
	kind := entity.Kind()
	cur := entity.State()
	if cur == e.To || state.Terminal(kind, cur) {
		return false
	}
	if e.Rollback {
		if cur != e.From {
			return false
		}
	} else if state.Rank(kind, e.To) <= state.Rank(kind, cur) {
		return false
	}
	entity.SetState(e.To)
	return true
}

func taskRecord(runID string, t *pipeline.Task) queue.EntityRecord {
	return queue.EntityRecord{
		RunID:      runID,
		UID:        t.UID(),
		Kind:       string(state.KindTask),
		Name:       t.Name,
		PipelineID: t.PipelineID,
		StageID:    t.StageID,
		State:      string(t.State()),
		ExitCode:   t.ExitCode,
		Path:       t.Path,
		StageIndex: t.StageIndex,
		TaskIndex:  t.TaskIndex,
		ResubmitOf: t.ResubmitOf,
	}
}

func stageRecord(runID string, s *pipeline.Stage) queue.EntityRecord {
	return queue.EntityRecord{
		RunID:      runID,
		UID:        s.UID(),
		Kind:       string(state.KindStage),
		Name:       s.Name,
		PipelineID: s.PipelineID,
		State:      string(s.State()),
		StageIndex: s.Index,
	}
}

func pipelineRecord(runID string, p *pipeline.Pipeline) queue.EntityRecord {
	return queue.EntityRecord{
		RunID:      runID,
		UID:        p.UID(),
		Kind:       string(state.KindPipeline),
		Name:       p.Name,
		PipelineID: p.UID(),
		State:      string(p.State()),
	}
}

// mirrorAll writes every canonical entity to the run store.
func (r *run) mirrorAll(ctx context.Context) error {
	for _, pl := range r.wf.Pipelines {
		pl.Lock()
		recs := []queue.EntityRecord{pipelineRecord(r.id, pl)}
		for _, stg := range pl.Stages {
			recs = append(recs, stageRecord(r.id, stg))
			for _, t := range stg.Tasks {
				recs = append(recs, taskRecord(r.id, t))
			}
		}
		pl.Unlock()
		for _, rec := range recs {
			if err := r.store.UpsertEntity(ctx, rec); err != nil {
				return err
			}
		}
	}
	return nil
}
