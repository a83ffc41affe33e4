package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fieldtask/internal/core"
)

var (
	ErrChecklistNotFound = fmt.Errorf("checklist %w", core.ErrNotFound)
	ErrStepNotFound      = fmt.Errorf("step %w", core.ErrNotFound)
)

const checklistColumns = `id, task_id, name, position, is_required, status, completed_at, version, created_at, updated_at`

func (s *Store) InsertChecklist(ctx context.Context, c *core.Checklist) error {
	c.Version = 1
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO checklists (id, task_id, name, position, is_required, status, completed_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.TaskID, c.Name, c.Position, c.IsRequired, c.Status, nullableTime(c.CompletedAt), c.Version,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert checklist: %w", err)
	}
	return nil
}

func (s *Store) UpdateChecklist(ctx context.Context, c *core.Checklist, expectedVersion int64) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE checklists
		SET name = ?, position = ?, is_required = ?, status = ?, completed_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, c.Name, c.Position, c.IsRequired, c.Status, nullableTime(c.CompletedAt), formatTime(c.UpdatedAt),
		c.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update checklist: %w", err)
	}
	if err := s.versionedUpdate(ctx, res, "checklists", c.ID, ErrChecklistNotFound); err != nil {
		return err
	}
	c.Version = expectedVersion + 1
	return nil
}

func (s *Store) GetChecklist(ctx context.Context, id string) (*core.Checklist, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+checklistColumns+` FROM checklists WHERE id = ?`, id)
	c, err := scanChecklist(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChecklistNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *Store) ListChecklists(ctx context.Context, taskID string) ([]*core.Checklist, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+checklistColumns+`
		FROM checklists
		WHERE task_id = ?
		ORDER BY position ASC, created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query checklists: %w", err)
	}
	defer rows.Close()
	var out []*core.Checklist
	for rows.Next() {
		c, err := scanChecklist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanChecklist(scanner interface {
	Scan(dest ...any) error
}) (*core.Checklist, error) {
	var (
		c           core.Checklist
		status      string
		completedAt sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := scanner.Scan(&c.ID, &c.TaskID, &c.Name, &c.Position, &c.IsRequired, &status, &completedAt,
		&c.Version, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan checklist: %w", err)
	}
	c.Status = core.ChecklistStatus(status)
	c.CompletedAt = parseNullTime(completedAt)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

const stepColumns = `id, checklist_id, title, description, position, is_required, requires_photo, requires_note,
	status, version, created_at, updated_at`

func (s *Store) InsertStep(ctx context.Context, step *core.ChecklistStep) error {
	step.Version = 1
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO checklist_steps (id, checklist_id, title, description, position, is_required, requires_photo,
			requires_note, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, step.ID, step.ChecklistID, step.Title, step.Description, step.Position, step.IsRequired, step.RequiresPhoto,
		step.RequiresNote, step.Status, step.Version, formatTime(step.CreatedAt), formatTime(step.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func (s *Store) UpdateStep(ctx context.Context, step *core.ChecklistStep, expectedVersion int64) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE checklist_steps
		SET title = ?, description = ?, position = ?, is_required = ?, requires_photo = ?, requires_note = ?,
			status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, step.Title, step.Description, step.Position, step.IsRequired, step.RequiresPhoto, step.RequiresNote,
		step.Status, formatTime(step.UpdatedAt), step.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if err := s.versionedUpdate(ctx, res, "checklist_steps", step.ID, ErrStepNotFound); err != nil {
		return err
	}
	step.Version = expectedVersion + 1
	return nil
}

func (s *Store) GetStep(ctx context.Context, id string) (*core.ChecklistStep, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM checklist_steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStepNotFound
		}
		return nil, err
	}
	return step, nil
}

func (s *Store) ListSteps(ctx context.Context, checklistID string) ([]*core.ChecklistStep, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+stepColumns+`
		FROM checklist_steps
		WHERE checklist_id = ?
		ORDER BY position ASC, created_at ASC
	`, checklistID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()
	var out []*core.ChecklistStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanStep(scanner interface {
	Scan(dest ...any) error
}) (*core.ChecklistStep, error) {
	var (
		step      core.ChecklistStep
		status    string
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&step.ID, &step.ChecklistID, &step.Title, &step.Description, &step.Position,
		&step.IsRequired, &step.RequiresPhoto, &step.RequiresNote, &status, &step.Version,
		&createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan step: %w", err)
	}
	step.Status = core.StepStatus(status)
	step.CreatedAt = parseTime(createdAt)
	step.UpdatedAt = parseTime(updatedAt)
	return &step, nil
}
