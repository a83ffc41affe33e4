package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fieldtask/internal/core"
)

var ErrTaskNotFound = fmt.Errorf("task %w", core.ErrNotFound)

const taskColumns = `id, title, description, type, priority, status, assigned_to, created_by, machine_id,
	due_date, started_at, completed_at, actual_duration, metadata, photos, version, created_at, updated_at`

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	metadata, err := encodeJSON(task.Metadata, "{}")
	if err != nil {
		return err
	}
	photos, err := encodeJSON(task.Photos, "[]")
	if err != nil {
		return err
	}
	task.Version = 1
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, type, priority, priority_rank, status, assigned_to, created_by,
			machine_id, due_date, started_at, completed_at, actual_duration, metadata, photos, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Title, task.Description, task.Type, task.Priority, task.Priority.Rank(), task.Status,
		nullableString(task.AssignedTo), task.CreatedBy, task.MachineID, nullableTime(task.DueDate),
		nullableTime(task.StartedAt), nullableTime(task.CompletedAt), nullableInt(task.ActualDuration),
		metadata, photos, task.Version, formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, task *core.Task, expectedVersion int64) error {
	metadata, err := encodeJSON(task.Metadata, "{}")
	if err != nil {
		return err
	}
	photos, err := encodeJSON(task.Photos, "[]")
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET title = ?, description = ?, type = ?, priority = ?, priority_rank = ?, status = ?, assigned_to = ?,
			machine_id = ?, due_date = ?, started_at = ?, completed_at = ?, actual_duration = ?, metadata = ?,
			photos = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, task.Title, task.Description, task.Type, task.Priority, task.Priority.Rank(), task.Status,
		nullableString(task.AssignedTo), task.MachineID, nullableTime(task.DueDate), nullableTime(task.StartedAt),
		nullableTime(task.CompletedAt), nullableInt(task.ActualDuration), metadata, photos,
		formatTime(task.UpdatedAt), task.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := s.versionedUpdate(ctx, res, "tasks", task.ID, ErrTaskNotFound); err != nil {
		return err
	}
	task.Version = expectedVersion + 1
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// QueryTasks returns the matching tasks ordered by priority rank, creation
// time and id, all descending, together with the unpaged total.
func (s *Store) QueryTasks(ctx context.Context, filter core.TaskFilter, page core.Page) ([]*core.Task, int, error) {
	where, args := taskWhere(filter)

	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY priority_rank DESC, created_at DESC, id DESC`
	if page.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, page.Limit, page.Offset)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	tasks := []*core.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func taskWhere(f core.TaskFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(f.Status) > 0 {
		marks := make([]string, len(f.Status))
		for i, st := range f.Status {
			marks[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	add := func(clause string, value any) {
		clauses = append(clauses, clause)
		args = append(args, value)
	}
	if f.Type != "" {
		add("type = ?", f.Type)
	}
	if f.Priority != "" {
		add("priority = ?", string(f.Priority))
	}
	if f.AssignedTo != "" {
		add("assigned_to = ?", f.AssignedTo)
	}
	if f.MachineID != "" {
		add("machine_id = ?", f.MachineID)
	}
	if f.CreatedBy != "" {
		add("created_by = ?", f.CreatedBy)
	}
	if f.Search != "" {
		pattern := "%" + escapeLike(f.Search) + "%"
		clauses = append(clauses, `(title LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	if f.DueFrom != nil {
		add("due_date >= ?", formatTime(*f.DueFrom))
	}
	if f.DueTo != nil {
		add("due_date <= ?", formatTime(*f.DueTo))
	}
	if f.CreatedFrom != nil {
		add("created_at >= ?", formatTime(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		add("created_at <= ?", formatTime(*f.CreatedTo))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(value string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(value)
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		task        core.Task
		priority    string
		status      string
		assignedTo  sql.NullString
		dueDate     sql.NullString
		startedAt   sql.NullString
		completedAt sql.NullString
		duration    sql.NullInt64
		metadata    string
		photos      string
		createdAt   string
		updatedAt   string
	)
	if err := scanner.Scan(&task.ID, &task.Title, &task.Description, &task.Type, &priority, &status, &assignedTo,
		&task.CreatedBy, &task.MachineID, &dueDate, &startedAt, &completedAt, &duration, &metadata, &photos,
		&task.Version, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Priority = core.Priority(priority)
	task.Status = core.TaskStatus(status)
	if assignedTo.Valid {
		task.AssignedTo = &assignedTo.String
	}
	if duration.Valid {
		val := int(duration.Int64)
		task.ActualDuration = &val
	}
	task.DueDate = parseNullTime(dueDate)
	task.StartedAt = parseNullTime(startedAt)
	task.CompletedAt = parseNullTime(completedAt)
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
	task.Metadata = map[string]any{}
	if err := decodeJSON(metadata, &task.Metadata); err != nil {
		return nil, err
	}
	task.Photos = []string{}
	if err := decodeJSON(photos, &task.Photos); err != nil {
		return nil, err
	}
	return &task, nil
}
