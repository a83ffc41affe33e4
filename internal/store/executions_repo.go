package store

import (
	"context"
	"database/sql"
	"fmt"

	"fieldtask/internal/core"
)

func (s *Store) InsertExecution(ctx context.Context, exec *core.StepExecution) error {
	result, err := encodeJSON(exec.Result, "{}")
	if err != nil {
		return err
	}
	photos, err := encodeJSON(exec.Photos, "[]")
	if err != nil {
		return err
	}
	location, err := encodeLocation(exec.GPSLocation)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO step_executions (id, step_id, checklist_id, task_id, executed_by, result, note, photos,
			gps_location, status, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.StepID, exec.ChecklistID, exec.TaskID, exec.ExecutedBy, result, exec.Note, photos,
		location, exec.Status, formatTime(exec.StartedAt), nullableTime(exec.CompletedAt), formatTime(exec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// ListExecutions returns the executions of a step, newest first.
func (s *Store) ListExecutions(ctx context.Context, stepID string) ([]*core.StepExecution, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, step_id, checklist_id, task_id, executed_by, result, note, photos, gps_location, status,
			started_at, completed_at, created_at
		FROM step_executions
		WHERE step_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, stepID)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()
	var out []*core.StepExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*core.StepExecution, error) {
	var (
		exec        core.StepExecution
		result      string
		photos      string
		location    sql.NullString
		status      string
		startedAt   string
		completedAt sql.NullString
		createdAt   string
	)
	if err := scanner.Scan(&exec.ID, &exec.StepID, &exec.ChecklistID, &exec.TaskID, &exec.ExecutedBy, &result,
		&exec.Note, &photos, &location, &status, &startedAt, &completedAt, &createdAt); err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	exec.Status = core.StepStatus(status)
	exec.StartedAt = parseTime(startedAt)
	exec.CompletedAt = parseNullTime(completedAt)
	exec.CreatedAt = parseTime(createdAt)
	exec.Result = map[string]any{}
	if err := decodeJSON(result, &exec.Result); err != nil {
		return nil, err
	}
	exec.Photos = []string{}
	if err := decodeJSON(photos, &exec.Photos); err != nil {
		return nil, err
	}
	loc, err := decodeLocation(location)
	if err != nil {
		return nil, err
	}
	exec.GPSLocation = loc
	return &exec, nil
}
