package core

import (
	"context"
	"log/slog"
)

// ActionLog appends immutable audit entries for task state changes.
type ActionLog struct {
	store  Store
	clock  Clock
	logger *slog.Logger
}

// NewActionLog creates an action log writing through store.
func NewActionLog(store Store, clock Clock, logger *slog.Logger) *ActionLog {
	return &ActionLog{store: store, clock: clock, logger: logger}
}

// Append stamps the entry with an id and timestamp and persists it.
func (l *ActionLog) Append(ctx context.Context, entry *ActionLogEntry) error {
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.clock.Now()
	}
	if err := l.store.InsertAction(ctx, entry); err != nil {
		l.logger.Error("append action", "task_id", entry.TaskID, "action", entry.Action, "err", err)
		return storeError("append action", err)
	}
	l.logger.Debug("action appended", "task_id", entry.TaskID, "action", entry.Action, "actor", entry.ActorID)
	return nil
}

// List returns the audit trail of a task, oldest first.
func (l *ActionLog) List(ctx context.Context, taskID string) ([]*ActionLogEntry, error) {
	if _, err := l.store.GetTask(ctx, taskID); err != nil {
		return nil, storeError("list actions", err)
	}
	entries, err := l.store.ListActions(ctx, taskID)
	if err != nil {
		return nil, storeError("list actions", err)
	}
	return entries, nil
}

func transitionEntry(task *Task, actorID string, kind ActionKind, from TaskStatus) *ActionLogEntry {
	return &ActionLogEntry{
		TaskID:     task.ID,
		ActorID:    actorID,
		Action:     kind,
		FromStatus: from,
		ToStatus:   task.Status,
		Metadata:   map[string]any{},
	}
}
