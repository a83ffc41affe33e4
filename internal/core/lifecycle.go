package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// CompletionPolicy decides whether a manual completion may bypass
// incomplete required checklists.
type CompletionPolicy string

const (
	// CompletionOverride lets the assignee complete regardless of checklists.
	CompletionOverride CompletionPolicy = "override"
	// CompletionElevated requires a supervisor or admin role to complete a
	// task whose required checklists are incomplete.
	CompletionElevated CompletionPolicy = "elevated"
	// CompletionStrict rejects manual completion until required checklists
	// are complete.
	CompletionStrict CompletionPolicy = "strict"
)

// ParseCompletionPolicy parses a textual policy. Empty input selects
// CompletionOverride.
func ParseCompletionPolicy(value string) (CompletionPolicy, error) {
	switch p := CompletionPolicy(strings.ToLower(strings.TrimSpace(value))); p {
	case "":
		return CompletionOverride, nil
	case CompletionOverride, CompletionElevated, CompletionStrict:
		return p, nil
	default:
		return "", fmt.Errorf("unknown completion policy %q", value)
	}
}

// CompleteInput carries the evidence submitted with a manual completion.
type CompleteInput struct {
	Photos   []string
	Notes    string
	Location *Location
}

// TaskPage is one window of a task query.
type TaskPage struct {
	Tasks  []*Task
	Total  int
	Offset int
	Limit  int
}

// Lifecycle owns the task state machine.
type Lifecycle struct {
	store   Store
	actions *ActionLog
	clock   Clock
	logger  *slog.Logger
	policy  CompletionPolicy
	retries int
}

// NewLifecycle creates a lifecycle manager.
func NewLifecycle(store Store, actions *ActionLog, clock Clock, logger *slog.Logger, policy CompletionPolicy, retries int) *Lifecycle {
	if policy == "" {
		policy = CompletionOverride
	}
	if retries <= 0 {
		retries = defaultConflictRetries
	}
	return &Lifecycle{
		store:   store,
		actions: actions,
		clock:   clock,
		logger:  logger,
		policy:  policy,
		retries: retries,
	}
}

const defaultConflictRetries = 8

// mutateTask reads the task, applies fn and writes it back with the version
// that was read. On a version conflict the task is re-read and fn re-applied,
// so every decision fn makes is based on the latest persisted state.
func (m *Lifecycle) mutateTask(ctx context.Context, op, taskID string, fn func(task *Task) error) (*Task, TaskStatus, error) {
	for attempt := 0; attempt < m.retries; attempt++ {
		task, err := m.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, "", storeError(op, err)
		}
		from := task.Status
		expected := task.Version
		if err := fn(task); err != nil {
			return nil, "", err
		}
		task.UpdatedAt = m.clock.Now()
		err = m.store.UpdateTask(ctx, task, expected)
		if errors.Is(err, ErrVersionConflict) {
			m.logger.Debug("task version conflict, retrying", "op", op, "task_id", taskID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, "", storeError(op, err)
		}
		return task, from, nil
	}
	return nil, "", &Error{Kind: ErrPersistence, Op: op, Msg: "too many concurrent updates", Err: ErrVersionConflict}
}

// AssignTask sets the assignee of a task that has not been started yet.
// Only CREATED and ASSIGNED tasks accept an assignment; an IN_PROGRESS task
// keeps its assignee and terminal tasks are never reopened, so both fail
// with InvalidState.
func (m *Lifecycle) AssignTask(ctx context.Context, taskID, assigneeID string, by Actor) (*Task, error) {
	const op = "assign task"
	assigneeID = strings.TrimSpace(assigneeID)
	if assigneeID == "" {
		return nil, invalidInputf(op, "assignee is required")
	}
	var previous string
	task, from, err := m.mutateTask(ctx, op, taskID, func(task *Task) error {
		if task.Status != TaskStatusCreated && task.Status != TaskStatusAssigned {
			return invalidStatef(op, "task %s is %s", task.ID, task.Status)
		}
		previous = ""
		if task.AssignedTo != nil {
			previous = *task.AssignedTo
		}
		task.AssignedTo = &assigneeID
		task.Status = TaskStatusAssigned
		return nil
	})
	if err != nil {
		return nil, err
	}
	entry := transitionEntry(task, by.ID, ActionAssigned, from)
	entry.Metadata[MetaAssignedTo] = assigneeID
	if previous != "" {
		entry.Metadata[MetaPreviousAssignee] = previous
	}
	if err := m.actions.Append(ctx, entry); err != nil {
		return nil, err
	}
	m.logger.Info("task assigned", "task_id", task.ID, "assigned_to", assigneeID, "by", by.ID)
	return task, nil
}

// StartTask moves a task to IN_PROGRESS. An unassigned task is claimed by
// the caller; the claim is a compare-and-set, so of two concurrent claimers
// only one succeeds.
func (m *Lifecycle) StartTask(ctx context.Context, taskID string, actor Actor, location *Location) (*Task, error) {
	const op = "start task"
	claimed := false
	task, from, err := m.mutateTask(ctx, op, taskID, func(task *Task) error {
		if task.AssignedTo != nil && *task.AssignedTo != actor.ID {
			return forbiddenf(op, "task %s is assigned to %s", task.ID, *task.AssignedTo)
		}
		if task.Status != TaskStatusCreated && task.Status != TaskStatusAssigned {
			return invalidStatef(op, "task %s is %s", task.ID, task.Status)
		}
		claimed = task.AssignedTo == nil
		if claimed {
			userID := actor.ID
			task.AssignedTo = &userID
		}
		now := m.clock.Now()
		task.StartedAt = &now
		task.Status = TaskStatusInProgress
		return nil
	})
	if err != nil {
		return nil, err
	}
	entry := transitionEntry(task, actor.ID, ActionStarted, from)
	entry.Location = location
	if claimed {
		entry.Metadata[MetaAssignedTo] = actor.ID
	}
	if err := m.actions.Append(ctx, entry); err != nil {
		return nil, err
	}
	m.logger.Info("task started", "task_id", task.ID, "user_id", actor.ID, "claimed", claimed)
	return task, nil
}

// CompleteTask is the manual completion of an in-progress task by its
// assignee. Whether incomplete required checklists block it depends on the
// configured CompletionPolicy.
func (m *Lifecycle) CompleteTask(ctx context.Context, taskID string, actor Actor, in CompleteInput) (*Task, error) {
	const op = "complete task"
	requiredDone := false
	task, from, err := m.mutateTask(ctx, op, taskID, func(task *Task) error {
		if !task.IsAssignedTo(actor.ID) {
			return forbiddenf(op, "user %s is not the assignee of task %s", actor.ID, task.ID)
		}
		if task.Status != TaskStatusInProgress {
			return invalidStatef(op, "task %s is %s", task.ID, task.Status)
		}
		checklists, err := m.store.ListChecklists(ctx, task.ID)
		if err != nil {
			return storeError(op, err)
		}
		requiredDone = requiredChecklistsComplete(checklists)
		if !requiredDone {
			switch m.policy {
			case CompletionStrict:
				return invalidStatef(op, "task %s has incomplete required checklists", task.ID)
			case CompletionElevated:
				if !actor.Role.Elevated() {
					return forbiddenf(op, "completing task %s with incomplete required checklists needs an elevated role", task.ID)
				}
			}
		}
		task.Photos = append(task.Photos, nonEmpty(in.Photos)...)
		applyCompletion(task, m.clock.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	entry := transitionEntry(task, actor.ID, ActionCompleted, from)
	entry.Comment = in.Notes
	entry.Location = in.Location
	entry.Photos = nonEmpty(in.Photos)
	entry.Metadata[MetaManuallyCompleted] = true
	entry.Metadata[MetaRequiredChecklistsComplete] = requiredDone
	if in.Notes != "" {
		entry.Metadata[MetaNotes] = in.Notes
	}
	if err := m.actions.Append(ctx, entry); err != nil {
		return nil, err
	}
	m.logger.Info("task completed manually", "task_id", task.ID, "user_id", actor.ID, "duration_min", *task.ActualDuration, "required_complete", requiredDone)
	return task, nil
}

// CancelTask moves any non-terminal task to CANCELLED. While the task is in
// progress only its assignee may cancel it.
func (m *Lifecycle) CancelTask(ctx context.Context, taskID string, actor Actor, reason string) (*Task, error) {
	const op = "cancel task"
	task, from, err := m.mutateTask(ctx, op, taskID, func(task *Task) error {
		if task.Status.IsTerminal() {
			return invalidStatef(op, "task %s is %s", task.ID, task.Status)
		}
		if task.Status == TaskStatusInProgress && !task.IsAssignedTo(actor.ID) {
			return forbiddenf(op, "user %s is not the assignee of task %s", actor.ID, task.ID)
		}
		task.Status = TaskStatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	entry := transitionEntry(task, actor.ID, ActionCancelled, from)
	entry.Comment = reason
	if reason != "" {
		entry.Metadata[MetaReason] = reason
	}
	if err := m.actions.Append(ctx, entry); err != nil {
		return nil, err
	}
	m.logger.Info("task cancelled", "task_id", task.ID, "user_id", actor.ID)
	return task, nil
}

// GetTask returns a single task.
func (m *Lifecycle) GetTask(ctx context.Context, taskID string) (*Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, storeError("get task", err)
	}
	return task, nil
}

// ListTasks returns one page of tasks ordered by priority, newest first.
func (m *Lifecycle) ListTasks(ctx context.Context, filter TaskFilter, page Page) (*TaskPage, error) {
	const op = "list tasks"
	for _, s := range filter.Status {
		if !s.Valid() {
			return nil, invalidInputf(op, "unknown status %q", s)
		}
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		return nil, invalidInputf(op, "unknown priority %q", filter.Priority)
	}
	page = page.Normalize()
	tasks, total, err := m.store.QueryTasks(ctx, filter, page)
	if err != nil {
		return nil, storeError(op, err)
	}
	return &TaskPage{Tasks: tasks, Total: total, Offset: page.Offset, Limit: page.Limit}, nil
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
