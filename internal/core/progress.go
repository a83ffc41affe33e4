package core

import (
	"context"
	"math"
)

// ChecklistProgress is the completion breakdown of one checklist.
type ChecklistProgress struct {
	ID             string
	Name           string
	Status         ChecklistStatus
	IsRequired     bool
	TotalSteps     int
	CompletedSteps int
	Progress       int
}

// TaskProgress is the completion breakdown of a task over all of its steps,
// required or not.
type TaskProgress struct {
	TaskID         string
	Status         TaskStatus
	TotalSteps     int
	CompletedSteps int
	Progress       int
	Checklists     []ChecklistProgress
}

// ProgressCalculator derives percent-complete views. It never writes.
type ProgressCalculator struct {
	store Store
}

// NewProgressCalculator creates a progress calculator.
func NewProgressCalculator(store Store) *ProgressCalculator {
	return &ProgressCalculator{store: store}
}

// GetTaskProgress computes the progress of a task.
func (p *ProgressCalculator) GetTaskProgress(ctx context.Context, taskID string) (*TaskProgress, error) {
	const op = "get task progress"
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, storeError(op, err)
	}
	checklists, err := p.store.ListChecklists(ctx, taskID)
	if err != nil {
		return nil, storeError(op, err)
	}

	out := &TaskProgress{
		TaskID:     task.ID,
		Status:     task.Status,
		Checklists: make([]ChecklistProgress, 0, len(checklists)),
	}
	for _, c := range checklists {
		steps, err := p.store.ListSteps(ctx, c.ID)
		if err != nil {
			return nil, storeError(op, err)
		}
		cp := checklistProgress(c, steps)
		out.TotalSteps += cp.TotalSteps
		out.CompletedSteps += cp.CompletedSteps
		out.Checklists = append(out.Checklists, cp)
	}
	out.Progress = percent(out.CompletedSteps, out.TotalSteps)
	return out, nil
}

func checklistProgress(c *Checklist, steps []*ChecklistStep) ChecklistProgress {
	cp := ChecklistProgress{
		ID:         c.ID,
		Name:       c.Name,
		Status:     c.Status,
		IsRequired: c.IsRequired,
		TotalSteps: len(steps),
	}
	for _, s := range steps {
		if s.Status == StepStatusCompleted {
			cp.CompletedSteps++
		}
	}
	cp.Progress = percent(cp.CompletedSteps, cp.TotalSteps)
	return cp
}

// percent rounds half away from zero; 0 when total is 0.
func percent(completed, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}
