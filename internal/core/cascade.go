package core

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// systemActor is recorded on cascade entries of unassigned tasks, which can
// only happen when Reconcile runs on damaged data.
const systemActor = "system"

// Cascade maintains derived completion state. Every check re-reads the
// entities it needs and writes only when the persisted state differs from
// the derived one, so redundant or concurrent invocations are harmless.
type Cascade struct {
	store   Store
	actions *ActionLog
	clock   Clock
	logger  *slog.Logger
	retries int
}

// NewCascade creates a completion cascade.
func NewCascade(store Store, actions *ActionLog, clock Clock, logger *slog.Logger, retries int) *Cascade {
	if retries <= 0 {
		retries = defaultConflictRetries
	}
	return &Cascade{store: store, actions: actions, clock: clock, logger: logger, retries: retries}
}

// OnStepExecuted re-evaluates a checklist and then its task.
func (c *Cascade) OnStepExecuted(ctx context.Context, checklistID string) error {
	taskID, err := c.checkChecklist(ctx, checklistID)
	if err != nil || taskID == "" {
		return err
	}
	return c.OnChecklistChecked(ctx, taskID)
}

// OnChecklistChecked auto-completes an in-progress task once all of its
// required checklists are complete.
func (c *Cascade) OnChecklistChecked(ctx context.Context, taskID string) error {
	const op = "check task completion"
	for attempt := 0; attempt < c.retries; attempt++ {
		task, err := c.store.GetTask(ctx, taskID)
		if errors.Is(err, ErrNotFound) {
			c.logger.Debug("cascade task vanished", "task_id", taskID)
			return nil
		}
		if err != nil {
			return storeError(op, err)
		}
		if task.Status != TaskStatusInProgress {
			return nil
		}
		checklists, err := c.store.ListChecklists(ctx, taskID)
		if err != nil {
			return storeError(op, err)
		}
		if !requiredChecklistsComplete(checklists) {
			return nil
		}

		from := task.Status
		expected := task.Version
		applyCompletion(task, c.clock.Now())
		err = c.store.UpdateTask(ctx, task, expected)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return storeError(op, err)
		}

		entry := transitionEntry(task, assigneeOf(task), ActionCompleted, from)
		entry.Comment = "all required checklists completed"
		entry.Metadata[MetaAutoCompleted] = true
		if err := c.actions.Append(ctx, entry); err != nil {
			return err
		}
		c.logger.Info("task auto-completed", "task_id", task.ID, "duration_min", *task.ActualDuration)
		return nil
	}
	return &Error{Kind: ErrPersistence, Op: op, Msg: "too many concurrent task updates", Err: ErrVersionConflict}
}

// Reconcile repairs derived state of a task, for example after a crash
// between a step write and its cascade. Unlike the cascade hooks it reports
// a missing task.
func (c *Cascade) Reconcile(ctx context.Context, taskID string) error {
	const op = "reconcile task"
	if _, err := c.store.GetTask(ctx, taskID); err != nil {
		return storeError(op, err)
	}
	checklists, err := c.store.ListChecklists(ctx, taskID)
	if err != nil {
		return storeError(op, err)
	}
	for _, cl := range checklists {
		if _, err := c.checkChecklist(ctx, cl.ID); err != nil {
			return err
		}
	}
	return c.OnChecklistChecked(ctx, taskID)
}

// checkChecklist brings the checklist status in line with its required
// steps and returns the owning task id. A missing checklist yields "".
func (c *Cascade) checkChecklist(ctx context.Context, checklistID string) (string, error) {
	const op = "check checklist completion"
	for attempt := 0; attempt < c.retries; attempt++ {
		checklist, err := c.store.GetChecklist(ctx, checklistID)
		if errors.Is(err, ErrNotFound) {
			c.logger.Debug("cascade checklist vanished", "checklist_id", checklistID)
			return "", nil
		}
		if err != nil {
			return "", storeError(op, err)
		}
		steps, err := c.store.ListSteps(ctx, checklistID)
		if err != nil {
			return "", storeError(op, err)
		}

		expected := checklist.Version
		kind, changed := nextChecklistState(checklist, steps, c.clock.Now())
		if !changed {
			return checklist.TaskID, nil
		}
		err = c.store.UpdateChecklist(ctx, checklist, expected)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", storeError(op, err)
		}

		if err := c.recordChecklist(ctx, checklist, kind); err != nil {
			return "", err
		}
		return checklist.TaskID, nil
	}
	return "", &Error{Kind: ErrPersistence, Op: op, Msg: "too many concurrent checklist updates", Err: ErrVersionConflict}
}

func (c *Cascade) recordChecklist(ctx context.Context, checklist *Checklist, kind ActionKind) error {
	task, err := c.store.GetTask(ctx, checklist.TaskID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeError("check checklist completion", err)
	}
	entry := transitionEntry(task, assigneeOf(task), kind, task.Status)
	entry.Metadata[MetaChecklistID] = checklist.ID
	if err := c.actions.Append(ctx, entry); err != nil {
		return err
	}
	c.logger.Info("checklist status changed", "task_id", task.ID, "checklist_id", checklist.ID, "status", checklist.Status)
	return nil
}

// nextChecklistState derives the checklist status from its steps and
// applies it to checklist. It reports the audit action and whether anything
// changed.
func nextChecklistState(checklist *Checklist, steps []*ChecklistStep, now time.Time) (ActionKind, bool) {
	complete := requiredStepsComplete(steps)
	switch {
	case complete && checklist.Status != ChecklistStatusCompleted:
		checklist.Status = ChecklistStatusCompleted
		checklist.CompletedAt = &now
		checklist.UpdatedAt = now
		return ActionChecklistCompleted, true
	case !complete && checklist.Status == ChecklistStatusCompleted:
		checklist.Status = ChecklistStatusPending
		checklist.CompletedAt = nil
		checklist.UpdatedAt = now
		return ActionChecklistReopened, true
	default:
		return "", false
	}
}

// requiredStepsComplete is vacuously true for a checklist without required
// steps.
func requiredStepsComplete(steps []*ChecklistStep) bool {
	for _, s := range steps {
		if s.IsRequired && s.Status != StepStatusCompleted {
			return false
		}
	}
	return true
}

func requiredChecklistsComplete(checklists []*Checklist) bool {
	for _, c := range checklists {
		if c.IsRequired && c.Status != ChecklistStatusCompleted {
			return false
		}
	}
	return true
}

// applyCompletion moves task to COMPLETED at now and fixes its duration.
func applyCompletion(task *Task, now time.Time) {
	d := durationMinutes(task.StartedAt, now)
	task.CompletedAt = &now
	task.ActualDuration = &d
	task.Status = TaskStatusCompleted
	task.UpdatedAt = now
}

func assigneeOf(task *Task) string {
	if task.AssignedTo != nil {
		return *task.AssignedTo
	}
	return systemActor
}
