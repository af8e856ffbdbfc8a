package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrRunNotFound is returned when no run matches the lookup.
var ErrRunNotFound = errors.New("run not found")

const runColumns = "id, workflow, status, resource_json, error_message, started_at, finished_at"

// CreateRun records the start of a run.
func (s *Store) CreateRun(ctx context.Context, run Run) error {
	started := run.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	status := run.Status
	if status == "" {
		status = RunRunning
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO runs (id, workflow, status, resource_json, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Workflow, string(status), nullableString(run.ResourceJSON), formatTime(started),
	); err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun stamps the final status of a run.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, errMessage string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE runs SET status = ?, error_message = ?, finished_at = ? WHERE id = ?`,
		string(status), nullableString(errMessage), formatTime(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	return run, err
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (*Run, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT 1`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		run        Run
		status     string
		resource   sql.NullString
		errMessage sql.NullString
		startedRaw string
		finished   sql.NullString
	)
	if err := scanner.Scan(&run.ID, &run.Workflow, &status, &resource, &errMessage, &startedRaw, &finished); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.ResourceJSON = resource.String
	run.ErrorMessage = errMessage.String
	if started, err := parseTimeString(startedRaw); err == nil {
		run.StartedAt = started
	}
	run.FinishedAt = parseNullTime(finished)
	return &run, nil
}

// UpsertEntity writes the latest known state of an entity.
func (s *Store) UpsertEntity(ctx context.Context, rec EntityRecord) error {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO entity_states
            (run_id, uid, kind, name, pipeline_id, stage_id, state, exit_code, path, stage_index, task_index, resubmit_of, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (run_id, uid) DO UPDATE SET
            state = excluded.state,
            exit_code = COALESCE(excluded.exit_code, entity_states.exit_code),
            path = COALESCE(excluded.path, entity_states.path),
            updated_at = excluded.updated_at`,
		rec.RunID, rec.UID, rec.Kind, nullableString(rec.Name), nullableString(rec.PipelineID),
		nullableString(rec.StageID), rec.State, nullableInt(rec.ExitCode), nullableString(rec.Path),
		rec.StageIndex, rec.TaskIndex, nullableString(rec.ResubmitOf), formatTime(updated),
	); err != nil {
		return fmt.Errorf("upsert %s %s: %w", rec.Kind, rec.UID, err)
	}
	return nil
}

// ListEntities returns every mirrored entity of a run, pipelines first,
// then stages and tasks in position order.
func (s *Store) ListEntities(ctx context.Context, runID string) ([]EntityRecord, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT run_id, uid, kind, name, pipeline_id, stage_id, state, exit_code, path, stage_index, task_index, resubmit_of, updated_at
         FROM entity_states WHERE run_id = ?
         ORDER BY CASE kind WHEN 'pipeline' THEN 0 WHEN 'stage' THEN 1 ELSE 2 END,
                  pipeline_id, stage_index, task_index, updated_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []EntityRecord
	for rows.Next() {
		var (
			rec                            EntityRecord
			name, pipelineID, stageID, pth sql.NullString
			resubmitOf                     sql.NullString
			exitCode                       sql.NullInt64
			updatedRaw                     string
		)
		if err := rows.Scan(&rec.RunID, &rec.UID, &rec.Kind, &name, &pipelineID, &stageID, &rec.State,
			&exitCode, &pth, &rec.StageIndex, &rec.TaskIndex, &resubmitOf, &updatedRaw); err != nil {
			return nil, err
		}
		rec.Name = name.String
		rec.PipelineID = pipelineID.String
		rec.StageID = stageID.String
		rec.Path = pth.String
		rec.ResubmitOf = resubmitOf.String
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		if updated, err := parseTimeString(updatedRaw); err == nil {
			rec.UpdatedAt = updated
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats counts a run's entities of one kind grouped by state.
func (s *Store) Stats(ctx context.Context, runID, kind string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT state, COUNT(1) FROM entity_states WHERE run_id = ? AND kind = ? GROUP BY state`, runID, kind)
	if err != nil {
		return nil, fmt.Errorf("entity stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var st string
		var count int
		if err := rows.Scan(&st, &count); err != nil {
			return nil, err
		}
		stats[st] = count
	}
	return stats, rows.Err()
}
