package core

import (
	"context"
	"strings"
	"time"
)

// NewTask describes a task to create together with its checklist template.
type NewTask struct {
	Title       string
	Description string
	Type        string
	Priority    Priority
	MachineID   string
	DueDate     *time.Time
	AssignedTo  string
	Metadata    map[string]any
	Checklists  []NewChecklist
}

// NewChecklist is one checklist of a NewTask.
type NewChecklist struct {
	Name       string
	IsRequired bool
	Steps      []NewStep
}

// NewStep is one step of a NewChecklist.
type NewStep struct {
	Title         string
	Description   string
	IsRequired    bool
	RequiresPhoto bool
	RequiresNote  bool
}

// CreateTask instantiates a task with its checklists and steps. The task
// starts CREATED, or ASSIGNED when an assignee is given.
func (m *Lifecycle) CreateTask(ctx context.Context, actor Actor, in NewTask) (*Task, error) {
	const op = "create task"
	if err := validateNewTask(op, &in); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	task := &Task{
		ID:          NewID(),
		Title:       in.Title,
		Description: in.Description,
		Type:        in.Type,
		Priority:    in.Priority,
		Status:      TaskStatusCreated,
		CreatedBy:   actor.ID,
		MachineID:   in.MachineID,
		DueDate:     in.DueDate,
		Metadata:    in.Metadata,
		Photos:      []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}
	if in.AssignedTo != "" {
		assignee := in.AssignedTo
		task.AssignedTo = &assignee
		task.Status = TaskStatusAssigned
	}
	if err := m.store.InsertTask(ctx, task); err != nil {
		return nil, storeError(op, err)
	}

	for i, nc := range in.Checklists {
		checklist := &Checklist{
			ID:         NewID(),
			TaskID:     task.ID,
			Name:       nc.Name,
			Position:   i,
			IsRequired: nc.IsRequired,
			Status:     ChecklistStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		steps := make([]*ChecklistStep, 0, len(nc.Steps))
		for j, ns := range nc.Steps {
			steps = append(steps, &ChecklistStep{
				ID:            NewID(),
				ChecklistID:   checklist.ID,
				Title:         ns.Title,
				Description:   ns.Description,
				Position:      j,
				IsRequired:    ns.IsRequired,
				RequiresPhoto: ns.RequiresPhoto,
				RequiresNote:  ns.RequiresNote,
				Status:        StepStatusPending,
				CreatedAt:     now,
				UpdatedAt:     now,
			})
		}
		// A checklist without required steps is complete from the start.
		nextChecklistState(checklist, steps, now)
		if err := m.store.InsertChecklist(ctx, checklist); err != nil {
			return nil, storeError(op, err)
		}
		for _, step := range steps {
			if err := m.store.InsertStep(ctx, step); err != nil {
				return nil, storeError(op, err)
			}
		}
	}

	created := transitionEntry(task, actor.ID, ActionCreated, "")
	created.ToStatus = TaskStatusCreated
	if err := m.actions.Append(ctx, created); err != nil {
		return nil, err
	}
	if task.AssignedTo != nil {
		assigned := transitionEntry(task, actor.ID, ActionAssigned, TaskStatusCreated)
		assigned.Metadata[MetaAssignedTo] = *task.AssignedTo
		if err := m.actions.Append(ctx, assigned); err != nil {
			return nil, err
		}
	}
	m.logger.Info("task created", "task_id", task.ID, "type", task.Type, "checklists", len(in.Checklists), "by", actor.ID)
	return task, nil
}

func validateNewTask(op string, in *NewTask) error {
	in.Title = strings.TrimSpace(in.Title)
	in.AssignedTo = strings.TrimSpace(in.AssignedTo)
	if in.Title == "" {
		return invalidInputf(op, "title is required")
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	in.Priority = Priority(strings.ToUpper(string(in.Priority)))
	if !in.Priority.Valid() {
		return invalidInputf(op, "unknown priority %q", in.Priority)
	}
	if in.Type == "" {
		in.Type = "GENERAL"
	}
	for i, c := range in.Checklists {
		if strings.TrimSpace(c.Name) == "" {
			return invalidInputf(op, "checklist %d: name is required", i)
		}
		for j, s := range c.Steps {
			if strings.TrimSpace(s.Title) == "" {
				return invalidInputf(op, "checklist %d step %d: title is required", i, j)
			}
		}
	}
	return nil
}
