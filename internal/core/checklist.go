package core

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// ExecuteStepInput is one submission against a checklist step.
type ExecuteStepInput struct {
	Result      map[string]any
	Note        string
	Photos      []string
	GPSLocation *Location
	// Status defaults to COMPLETED.
	Status StepStatus
	// StartedAt defaults to the submission time.
	StartedAt *time.Time
}

// ChecklistEngine executes checklist steps and hands off to the cascade.
type ChecklistEngine struct {
	store   Store
	actions *ActionLog
	cascade *Cascade
	clock   Clock
	logger  *slog.Logger
	retries int
}

// NewChecklistEngine creates a checklist engine.
func NewChecklistEngine(store Store, actions *ActionLog, cascade *Cascade, clock Clock, logger *slog.Logger, retries int) *ChecklistEngine {
	if retries <= 0 {
		retries = defaultConflictRetries
	}
	return &ChecklistEngine{
		store:   store,
		actions: actions,
		cascade: cascade,
		clock:   clock,
		logger:  logger,
		retries: retries,
	}
}

// ExecuteStep records an execution of stepID by actor, moves the step to the
// execution's status and re-evaluates the checklist and task. The returned
// execution reflects what was persisted; cascade failures other than
// NotFound are returned to the caller.
func (e *ChecklistEngine) ExecuteStep(ctx context.Context, stepID string, actor Actor, in ExecuteStepInput) (*StepExecution, error) {
	const op = "execute step"

	status := in.Status
	if status == "" {
		status = StepStatusCompleted
	}
	if !status.Valid() {
		return nil, invalidInputf(op, "unknown step status %q", in.Status)
	}

	step, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, storeError(op, err)
	}
	checklist, err := e.store.GetChecklist(ctx, step.ChecklistID)
	if err != nil {
		return nil, storeError(op, err)
	}
	task, err := e.store.GetTask(ctx, checklist.TaskID)
	if err != nil {
		return nil, storeError(op, err)
	}

	if !task.IsAssignedTo(actor.ID) {
		return nil, forbiddenf(op, "user %s is not the assignee of task %s", actor.ID, task.ID)
	}
	if task.Status != TaskStatusInProgress {
		return nil, invalidStatef(op, "task %s is %s", task.ID, task.Status)
	}

	photos := nonEmpty(in.Photos)
	if status == StepStatusCompleted {
		if err := checkEvidence(op, step, in.Note, photos); err != nil {
			return nil, err
		}
	}

	now := e.clock.Now()
	exec := &StepExecution{
		ID:          NewID(),
		StepID:      step.ID,
		ChecklistID: checklist.ID,
		TaskID:      task.ID,
		ExecutedBy:  actor.ID,
		Result:      in.Result,
		Note:        in.Note,
		Photos:      photos,
		GPSLocation: in.GPSLocation,
		Status:      status,
		StartedAt:   now,
		CreatedAt:   now,
	}
	if in.StartedAt != nil {
		exec.StartedAt = *in.StartedAt
	}
	if status == StepStatusCompleted || status == StepStatusFailed || status == StepStatusSkipped {
		exec.CompletedAt = &now
	}
	if exec.Result == nil {
		exec.Result = map[string]any{}
	}
	if err := e.store.InsertExecution(ctx, exec); err != nil {
		return nil, storeError(op, err)
	}

	if err := e.applyStepStatus(ctx, op, step, exec); err != nil {
		return nil, err
	}

	entry := &ActionLogEntry{
		TaskID:     task.ID,
		ActorID:    actor.ID,
		Action:     ActionStepExecuted,
		FromStatus: task.Status,
		ToStatus:   task.Status,
		Comment:    in.Note,
		Location:   in.GPSLocation,
		Photos:     photos,
		Metadata: map[string]any{
			MetaStepID:      step.ID,
			MetaChecklistID: checklist.ID,
			MetaExecutionID: exec.ID,
			MetaStepStatus:  string(status),
		},
	}
	if err := e.actions.Append(ctx, entry); err != nil {
		return nil, err
	}
	e.logger.Info("step executed", "task_id", task.ID, "step_id", step.ID, "status", status, "user_id", actor.ID)

	if err := e.cascade.OnStepExecuted(ctx, checklist.ID); err != nil {
		return nil, err
	}
	return exec, nil
}

// applyStepStatus writes the execution's status onto the step. After a
// version conflict the step is re-read and the write is abandoned when a
// newer execution has already superseded this one.
func (e *ChecklistEngine) applyStepStatus(ctx context.Context, op string, step *ChecklistStep, exec *StepExecution) error {
	for attempt := 0; attempt < e.retries; attempt++ {
		if attempt > 0 {
			latest, err := e.latestExecution(ctx, step.ID)
			if err != nil {
				return storeError(op, err)
			}
			if latest != nil && latest.ID != exec.ID {
				e.logger.Debug("step superseded by newer execution", "step_id", step.ID, "execution_id", exec.ID)
				return nil
			}
			if step, err = e.store.GetStep(ctx, step.ID); err != nil {
				return storeError(op, err)
			}
		}
		if step.Status == exec.Status {
			return nil
		}
		expected := step.Version
		step.Status = exec.Status
		step.UpdatedAt = e.clock.Now()
		err := e.store.UpdateStep(ctx, step, expected)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return storeError(op, err)
		}
		return nil
	}
	return &Error{Kind: ErrPersistence, Op: op, Msg: "too many concurrent step updates", Err: ErrVersionConflict}
}

func (e *ChecklistEngine) latestExecution(ctx context.Context, stepID string) (*StepExecution, error) {
	execs, err := e.store.ListExecutions(ctx, stepID)
	if err != nil || len(execs) == 0 {
		return nil, err
	}
	return execs[0], nil
}

// ListStepExecutions returns the executions of a step, newest first.
func (e *ChecklistEngine) ListStepExecutions(ctx context.Context, stepID string) ([]*StepExecution, error) {
	const op = "list step executions"
	if _, err := e.store.GetStep(ctx, stepID); err != nil {
		return nil, storeError(op, err)
	}
	execs, err := e.store.ListExecutions(ctx, stepID)
	if err != nil {
		return nil, storeError(op, err)
	}
	return execs, nil
}

// ChecklistView is a checklist together with its ordered steps.
type ChecklistView struct {
	*Checklist
	Steps []*ChecklistStep
}

// GetChecklists returns the checklists of a task with their steps.
func (e *ChecklistEngine) GetChecklists(ctx context.Context, taskID string) ([]ChecklistView, error) {
	const op = "get checklists"
	if _, err := e.store.GetTask(ctx, taskID); err != nil {
		return nil, storeError(op, err)
	}
	checklists, err := e.store.ListChecklists(ctx, taskID)
	if err != nil {
		return nil, storeError(op, err)
	}
	views := make([]ChecklistView, 0, len(checklists))
	for _, c := range checklists {
		steps, err := e.store.ListSteps(ctx, c.ID)
		if err != nil {
			return nil, storeError(op, err)
		}
		views = append(views, ChecklistView{Checklist: c, Steps: steps})
	}
	return views, nil
}

func checkEvidence(op string, step *ChecklistStep, note string, photos []string) error {
	var missing []string
	if step.RequiresPhoto && len(photos) == 0 {
		missing = append(missing, "photo")
	}
	if step.RequiresNote && strings.TrimSpace(note) == "" {
		missing = append(missing, "note")
	}
	if len(missing) > 0 {
		return missingEvidencef(op, "step %s requires %s", step.ID, strings.Join(missing, " and "))
	}
	return nil
}
