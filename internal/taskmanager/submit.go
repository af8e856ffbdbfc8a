package taskmanager

import (
	"context"
	"errors"
	"fmt"

	"loom/internal/channel"
	"loom/internal/logging"
	"loom/internal/pipeline"
	"loom/internal/placeholder"
	"loom/internal/rts"
	"loom/internal/services"
	"loom/internal/staging"
	"loom/internal/state"
)

// submit hands one pending task to the pool. A returned error means the task
// was rolled back to SCHEDULED and the message should be redelivered.
func (m *Manager) submit(ctx context.Context, d channel.Delivery) error {
	work := context.WithoutCancel(ctx)

	task, err := pipeline.DecodeTask(d.Body)
	if err != nil {
		logging.WarnWithContext(m.logger, "dropping malformed pending task", "pending_malformed", logging.Error(err))
		return nil
	}
	logger := m.logger.With(
		logging.String(logging.FieldPipelineID, task.PipelineID),
		logging.String(logging.FieldStageID, task.StageID),
		logging.String(logging.FieldTaskID, task.UID()),
	)
	if task.State() != state.Scheduled {
		logging.WarnWithContext(logger, "pending task carries unexpected state", "pending_unexpected_state",
			logging.String(logging.FieldState, string(task.State())),
		)
		return nil
	}
	if !m.registry.Claim(task.UID()) {
		logger.Debug("task already submitted", logging.Int("delivery_attempt", d.Attempt))
		return nil
	}

	if err := m.trans.Transition(work, task, state.Submitting); err != nil {
		m.registry.Release(task.UID())
		return err
	}

	unit, err := m.translate(task)
	if err != nil {
		m.abandon(work, task)
		return services.Wrap(services.ErrSubmission, component, "translate", task.UID(), err)
	}
	if err := m.limiter.Wait(ctx); err != nil {
		m.abandon(work, task)
		return services.Wrap(services.ErrSubmission, component, "rate limit", task.UID(), err)
	}

	gate := make(chan struct{})
	callback := func(res rts.Result) {
		<-gate
		m.complete(task, res)
	}
	if err := m.pool.Submit(work, unit, callback); err != nil {
		m.abandon(work, task)
		return services.Wrap(services.ErrSubmission, component, "submit", task.UID(), err)
	}

	err = m.trans.Transition(work, task, state.Submitted)
	logger.Info("task submitted",
		logging.String("task", task.Label()),
		logging.String("executable", task.Executable),
		logging.Int("cores", unit.Cores),
		logging.Int("attempt", task.Attempt),
		logging.String(logging.FieldEventType, "task_submitted"),
	)
	// The callback owns the task from here on.
	close(gate)
	if err != nil {
		// The unit is already running; its callback catches the task up.
		m.report(err)
	}
	return nil
}

// abandon rolls a task back to SCHEDULED after a failed submission.
func (m *Manager) abandon(ctx context.Context, task *pipeline.Task) {
	m.registry.Release(task.UID())
	if err := m.trans.Rollback(ctx, task, state.Scheduled); err != nil {
		logging.WarnWithContext(m.logger, "submission rollback failed", "submission_rollback_failed",
			logging.String(logging.FieldTaskID, task.UID()),
			logging.Error(err),
		)
	}
}

// translate builds the pool's unit for task, expanding placeholders in every
// staging directive.
func (m *Manager) translate(task *pipeline.Task) (rts.Unit, error) {
	unit := rts.Unit{
		UID:        task.UID(),
		Name:       task.Label(),
		Executable: task.Executable,
		Arguments:  append([]string{}, task.Arguments...),
		Cores:      task.Cores,
		PreExec:    append([]string{}, task.PreExec...),
	}
	inputs := []struct {
		mode  staging.Mode
		lines []string
	}{
		{staging.ModeUpload, task.UploadInput},
		{staging.ModeCopy, task.CopyInput},
		{staging.ModeLink, task.LinkInput},
	}
	for _, group := range inputs {
		transfers, err := m.resolveAll(task.PipelineID, group.mode, group.lines)
		if err != nil {
			return rts.Unit{}, err
		}
		unit.Inputs = append(unit.Inputs, transfers...)
	}
	outputs := []struct {
		mode  staging.Mode
		lines []string
	}{
		{staging.ModeCopy, task.CopyOutput},
		{staging.ModeDownload, task.DownloadOutput},
	}
	for _, group := range outputs {
		transfers, err := m.resolveAll(task.PipelineID, group.mode, group.lines)
		if err != nil {
			return rts.Unit{}, err
		}
		unit.Outputs = append(unit.Outputs, transfers...)
	}
	return unit, nil
}

func (m *Manager) resolveAll(pipelineID string, mode staging.Mode, lines []string) ([]staging.Transfer, error) {
	out := make([]staging.Transfer, 0, len(lines))
	for _, line := range lines {
		d, err := m.placeholders.Resolve(pipelineID, line)
		if err != nil {
			return nil, fmt.Errorf("%s directive %q: %w", mode, line, err)
		}
		out = append(out, staging.Transfer{Mode: mode, Source: d.Source, Target: d.Target})
	}
	return out, nil
}

// complete runs once per submitted unit, on the pool's goroutine.
func (m *Manager) complete(task *pipeline.Task, res rts.Result) {
	task.ExitCode = res.ExitCode
	task.Path = res.Path

	ctx := services.WithTask(context.Background(), task.PipelineID, task.StageID, task.UID())
	logger := logging.WithContext(ctx, m.logger)
	attrs := []logging.Attr{
		logging.String("unit_state", string(res.State)),
	}
	if res.ExitCode != nil {
		attrs = append(attrs, logging.Int("exit_code", *res.ExitCode))
	}
	if res.Err != nil {
		attrs = append(attrs, logging.Error(res.Err))
		logger.Warn("unit ended abnormally", logging.Args(attrs...)...)
	} else {
		logger.Debug("unit finished", logging.Args(attrs...)...)
	}

	if res.ExitCode != nil && res.Path != "" {
		m.placeholders.Record(placeholder.Entry{
			PipelineID: task.PipelineID,
			StageID:    task.StageID,
			TaskID:     task.UID(),
			StageIndex: task.StageIndex,
			TaskIndex:  task.TaskIndex,
			ResubmitOf: task.ResubmitOf,
			Path:       res.Path,
		})
	}

	if err := m.deliver(ctx, task); err != nil {
		m.registry.park(task)
		m.report(services.Wrap(services.ErrChannel, component, "completion", task.UID(), err))
	}
}

// deliver moves task to COMPLETED and publishes it on the completed channel.
// It is safe to call again after a partial failure.
func (m *Manager) deliver(ctx context.Context, task *pipeline.Task) error {
	if task.State() == state.Submitting {
		if err := m.trans.Transition(ctx, task, state.Submitted); err != nil {
			return err
		}
	}
	if task.State() != state.Completed {
		if err := m.trans.Transition(ctx, task, state.Completed); err != nil {
			return err
		}
	}
	body, err := pipeline.EncodeTask(task)
	if err != nil {
		return err
	}
	return m.broker.Publish(ctx, m.names.Completed, body)
}

// flushParked retries completions an earlier callback could not publish.
func (m *Manager) flushParked(ctx context.Context) {
	parked := m.registry.takeParked()
	var failed error
	for _, task := range parked {
		if failed != nil {
			m.registry.park(task)
			continue
		}
		if err := m.deliver(ctx, task); err != nil {
			failed = err
			m.registry.park(task)
			continue
		}
		m.logger.Info("parked completion delivered",
			logging.String(logging.FieldTaskID, task.UID()),
			logging.String(logging.FieldEventType, "completion_redelivered"),
		)
	}
	if failed != nil && !errors.Is(failed, context.Canceled) {
		m.logger.Debug("parked completions still pending", logging.Int("count", m.registry.Parked()), logging.Error(failed))
	}
}
