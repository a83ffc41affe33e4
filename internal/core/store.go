package core

import (
	"context"
	"time"
)

// Store abstracts the durable entity storage used by the engine.
//
// Every write is atomic for a single entity. Update methods take the version
// the caller read; a mismatch must fail with ErrVersionConflict and leave the
// entity untouched. On success the store increments Version on the passed
// entity. Lookups of absent entities fail with an error wrapping ErrNotFound.
type Store interface {
	// Task operations
	GetTask(ctx context.Context, id string) (*Task, error)
	QueryTasks(ctx context.Context, filter TaskFilter, page Page) ([]*Task, int, error)
	InsertTask(ctx context.Context, task *Task) error
	UpdateTask(ctx context.Context, task *Task, expectedVersion int64) error

	// Checklist operations
	GetChecklist(ctx context.Context, id string) (*Checklist, error)
	ListChecklists(ctx context.Context, taskID string) ([]*Checklist, error)
	InsertChecklist(ctx context.Context, checklist *Checklist) error
	UpdateChecklist(ctx context.Context, checklist *Checklist, expectedVersion int64) error

	// Step operations
	GetStep(ctx context.Context, id string) (*ChecklistStep, error)
	ListSteps(ctx context.Context, checklistID string) ([]*ChecklistStep, error)
	InsertStep(ctx context.Context, step *ChecklistStep) error
	UpdateStep(ctx context.Context, step *ChecklistStep, expectedVersion int64) error

	// Append-only records
	InsertExecution(ctx context.Context, exec *StepExecution) error
	ListExecutions(ctx context.Context, stepID string) ([]*StepExecution, error)
	InsertAction(ctx context.Context, entry *ActionLogEntry) error
	ListActions(ctx context.Context, taskID string) ([]*ActionLogEntry, error)
}

// TaskFilter narrows task queries. Zero values do not filter.
type TaskFilter struct {
	Status      []TaskStatus
	Type        string
	Priority    Priority
	AssignedTo  string
	MachineID   string
	CreatedBy   string
	Search      string
	DueFrom     *time.Time
	DueTo       *time.Time
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

// Page is an offset/limit window. A Store returns every match for a zero
// Limit; ListTasks normalizes the page first.
type Page struct {
	Offset int
	Limit  int
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 200
)

// Normalize clamps the page to the supported range.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}
