package store

import (
	"context"
	"database/sql"
	"fmt"

	"fieldtask/internal/core"
)

func (s *Store) InsertAction(ctx context.Context, entry *core.ActionLogEntry) error {
	metadata, err := encodeJSON(entry.Metadata, "{}")
	if err != nil {
		return err
	}
	photos, err := encodeJSON(entry.Photos, "[]")
	if err != nil {
		return err
	}
	location, err := encodeLocation(entry.Location)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO task_actions (id, task_id, actor_id, action, from_status, to_status, comment, location, photos,
			metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.TaskID, entry.ActorID, entry.Action, entry.FromStatus, entry.ToStatus, entry.Comment,
		location, photos, metadata, formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// ListActions returns the audit trail of a task, oldest first.
func (s *Store) ListActions(ctx context.Context, taskID string) ([]*core.ActionLogEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, task_id, actor_id, action, from_status, to_status, comment, location, photos, metadata, created_at
		FROM task_actions
		WHERE task_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()
	var out []*core.ActionLogEntry
	for rows.Next() {
		var (
			entry     core.ActionLogEntry
			action    string
			from      string
			to        string
			location  sql.NullString
			photos    string
			metadata  string
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.ActorID, &action, &from, &to, &entry.Comment,
			&location, &photos, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		entry.Action = core.ActionKind(action)
		entry.FromStatus = core.TaskStatus(from)
		entry.ToStatus = core.TaskStatus(to)
		entry.CreatedAt = parseTime(createdAt)
		if entry.Location, err = decodeLocation(location); err != nil {
			return nil, err
		}
		entry.Photos = []string{}
		if err := decodeJSON(photos, &entry.Photos); err != nil {
			return nil, err
		}
		entry.Metadata = map[string]any{}
		if err := decodeJSON(metadata, &entry.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
