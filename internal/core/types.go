package core

import (
	"time"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "CREATED"
	TaskStatusAssigned   TaskStatus = "ASSIGNED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// IsOpen reports whether the task still counts towards outstanding work.
func (s TaskStatus) IsOpen() bool {
	switch s {
	case TaskStatusCreated, TaskStatusAssigned, TaskStatusInProgress:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	return s.IsOpen() || s.IsTerminal()
}

// Priority orders tasks for operators.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Rank returns the sort weight of the priority. Unknown values rank zero.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 0
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Rank() > 0 }

// ChecklistStatus is the reduced two-state view of a checklist.
type ChecklistStatus string

const (
	ChecklistStatusPending   ChecklistStatus = "PENDING"
	ChecklistStatusCompleted ChecklistStatus = "COMPLETED"
)

// StepStatus mirrors the status of the latest execution of a step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "PENDING"
	StepStatusInProgress StepStatus = "IN_PROGRESS"
	StepStatusCompleted  StepStatus = "COMPLETED"
	StepStatusFailed     StepStatus = "FAILED"
	StepStatusSkipped    StepStatus = "SKIPPED"
)

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusInProgress, StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// ActionKind names an audited operation.
type ActionKind string

const (
	ActionCreated            ActionKind = "CREATED"
	ActionAssigned           ActionKind = "ASSIGNED"
	ActionStarted            ActionKind = "STARTED"
	ActionStepExecuted       ActionKind = "STEP_EXECUTED"
	ActionChecklistCompleted ActionKind = "CHECKLIST_COMPLETED"
	ActionChecklistReopened  ActionKind = "CHECKLIST_REOPENED"
	ActionCompleted          ActionKind = "COMPLETED"
	ActionCancelled          ActionKind = "CANCELLED"
)

// Metadata keys written on action entries.
const (
	MetaAutoCompleted              = "autoCompleted"
	MetaManuallyCompleted          = "manuallyCompleted"
	MetaRequiredChecklistsComplete = "requiredChecklistsComplete"
	MetaStepID                     = "stepId"
	MetaChecklistID                = "checklistId"
	MetaExecutionID                = "executionId"
	MetaStepStatus                 = "stepStatus"
	MetaPreviousAssignee           = "previousAssignee"
	MetaAssignedTo                 = "assignedTo"
	MetaNotes                      = "notes"
	MetaReason                     = "reason"
)

// Location is a GPS fix reported by an operator device.
type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Address   string   `json:"address,omitempty"`
}

// Task is a unit of field work on a machine.
type Task struct {
	ID             string
	Title          string
	Description    string
	Type           string
	Priority       Priority
	Status         TaskStatus
	AssignedTo     *string
	CreatedBy      string
	MachineID      string
	DueDate        *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ActualDuration *int
	Metadata       map[string]any
	Photos         []string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsAssignedTo reports whether userID is the current assignee.
func (t *Task) IsAssignedTo(userID string) bool {
	return t.AssignedTo != nil && *t.AssignedTo == userID
}

// Checklist is an ordered group of steps belonging to one task.
type Checklist struct {
	ID          string
	TaskID      string
	Name        string
	Position    int
	IsRequired  bool
	Status      ChecklistStatus
	CompletedAt *time.Time
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChecklistStep is the smallest unit of checklist work.
type ChecklistStep struct {
	ID            string
	ChecklistID   string
	Title         string
	Description   string
	Position      int
	IsRequired    bool
	RequiresPhoto bool
	RequiresNote  bool
	Status        StepStatus
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StepExecution is an immutable record of one attempt at a step.
type StepExecution struct {
	ID          string
	StepID      string
	ChecklistID string
	TaskID      string
	ExecutedBy  string
	Result      map[string]any
	Note        string
	Photos      []string
	GPSLocation *Location
	Status      StepStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// ActionLogEntry is an immutable audit record attached to a task.
type ActionLogEntry struct {
	ID         string
	TaskID     string
	ActorID    string
	Action     ActionKind
	FromStatus TaskStatus
	ToStatus   TaskStatus
	Comment    string
	Location   *Location
	Photos     []string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// Role is the authorization role supplied by the transport layer.
type Role string

const (
	RoleOperator   Role = "OPERATOR"
	RoleSupervisor Role = "SUPERVISOR"
	RoleAdmin      Role = "ADMIN"
)

// Elevated reports whether the role may override checklist requirements.
func (r Role) Elevated() bool {
	return r == RoleSupervisor || r == RoleAdmin
}

// Actor is the already-authenticated caller of an engine operation.
type Actor struct {
	ID   string
	Role Role
}
