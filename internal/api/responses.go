package api

import (
	"time"

	"fieldtask/internal/core"
)

type taskResponse struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Type           string         `json:"type"`
	Priority       string         `json:"priority"`
	Status         string         `json:"status"`
	AssignedTo     *string        `json:"assigned_to,omitempty"`
	CreatedBy      string         `json:"created_by"`
	MachineID      string         `json:"machine_id,omitempty"`
	DueDate        *string        `json:"due_date,omitempty"`
	StartedAt      *string        `json:"started_at,omitempty"`
	CompletedAt    *string        `json:"completed_at,omitempty"`
	ActualDuration *int           `json:"actual_duration,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Photos         []string       `json:"photos"`
	Version        int64          `json:"version"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

type taskListResponse struct {
	Tasks  []taskResponse `json:"tasks"`
	Total  int            `json:"total"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
}

type stepResponse struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Position      int    `json:"position"`
	IsRequired    bool   `json:"is_required"`
	RequiresPhoto bool   `json:"requires_photo"`
	RequiresNote  bool   `json:"requires_note"`
	Status        string `json:"status"`
}

type checklistResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Position    int            `json:"position"`
	IsRequired  bool           `json:"is_required"`
	Status      string         `json:"status"`
	CompletedAt *string        `json:"completed_at,omitempty"`
	Steps       []stepResponse `json:"steps"`
}

type executionResponse struct {
	ID          string         `json:"id"`
	StepID      string         `json:"step_id"`
	ChecklistID string         `json:"checklist_id"`
	TaskID      string         `json:"task_id"`
	ExecutedBy  string         `json:"executed_by"`
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Note        string         `json:"note,omitempty"`
	Photos      []string       `json:"photos"`
	GPSLocation *core.Location `json:"gps_location,omitempty"`
	StartedAt   string         `json:"started_at"`
	CompletedAt *string        `json:"completed_at,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

type actionResponse struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	FromStatus string         `json:"from_status"`
	ToStatus   string         `json:"to_status"`
	Comment    string         `json:"comment,omitempty"`
	Location   *core.Location `json:"location,omitempty"`
	Photos     []string       `json:"photos,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

type checklistProgressResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	IsRequired     bool   `json:"is_required"`
	TotalSteps     int    `json:"total_steps"`
	CompletedSteps int    `json:"completed_steps"`
	Progress       int    `json:"progress"`
}

type progressResponse struct {
	TaskID         string                      `json:"task_id"`
	Status         string                      `json:"status"`
	TotalSteps     int                         `json:"total_steps"`
	CompletedSteps int                         `json:"completed_steps"`
	Progress       int                         `json:"progress"`
	Checklists     []checklistProgressResponse `json:"checklists"`
}

type statisticsResponse struct {
	Total           int            `json:"total"`
	Overdue         int            `json:"overdue"`
	AverageDuration float64        `json:"average_duration"`
	ByStatus        map[string]int `json:"by_status"`
	ByType          map[string]int `json:"by_type"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := formatTime(*t)
	return &formatted
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func taskToResponse(task *core.Task) taskResponse {
	return taskResponse{
		ID:             task.ID,
		Title:          task.Title,
		Description:    task.Description,
		Type:           task.Type,
		Priority:       string(task.Priority),
		Status:         string(task.Status),
		AssignedTo:     task.AssignedTo,
		CreatedBy:      task.CreatedBy,
		MachineID:      task.MachineID,
		DueDate:        formatTimePtr(task.DueDate),
		StartedAt:      formatTimePtr(task.StartedAt),
		CompletedAt:    formatTimePtr(task.CompletedAt),
		ActualDuration: task.ActualDuration,
		Metadata:       task.Metadata,
		Photos:         orEmpty(task.Photos),
		Version:        task.Version,
		CreatedAt:      formatTime(task.CreatedAt),
		UpdatedAt:      formatTime(task.UpdatedAt),
	}
}

func checklistToResponse(view core.ChecklistView) checklistResponse {
	steps := make([]stepResponse, 0, len(view.Steps))
	for _, st := range view.Steps {
		steps = append(steps, stepResponse{
			ID:            st.ID,
			Title:         st.Title,
			Description:   st.Description,
			Position:      st.Position,
			IsRequired:    st.IsRequired,
			RequiresPhoto: st.RequiresPhoto,
			RequiresNote:  st.RequiresNote,
			Status:        string(st.Status),
		})
	}
	return checklistResponse{
		ID:          view.ID,
		Name:        view.Name,
		Position:    view.Position,
		IsRequired:  view.IsRequired,
		Status:      string(view.Status),
		CompletedAt: formatTimePtr(view.CompletedAt),
		Steps:       steps,
	}
}

func executionToResponse(exec *core.StepExecution) executionResponse {
	return executionResponse{
		ID:          exec.ID,
		StepID:      exec.StepID,
		ChecklistID: exec.ChecklistID,
		TaskID:      exec.TaskID,
		ExecutedBy:  exec.ExecutedBy,
		Status:      string(exec.Status),
		Result:      exec.Result,
		Note:        exec.Note,
		Photos:      orEmpty(exec.Photos),
		GPSLocation: exec.GPSLocation,
		StartedAt:   formatTime(exec.StartedAt),
		CompletedAt: formatTimePtr(exec.CompletedAt),
		CreatedAt:   formatTime(exec.CreatedAt),
	}
}

func actionToResponse(entry *core.ActionLogEntry) actionResponse {
	return actionResponse{
		ID:         entry.ID,
		ActorID:    entry.ActorID,
		Action:     string(entry.Action),
		FromStatus: string(entry.FromStatus),
		ToStatus:   string(entry.ToStatus),
		Comment:    entry.Comment,
		Location:   entry.Location,
		Photos:     entry.Photos,
		Metadata:   entry.Metadata,
		CreatedAt:  formatTime(entry.CreatedAt),
	}
}

func progressToResponse(p *core.TaskProgress) progressResponse {
	checklists := make([]checklistProgressResponse, 0, len(p.Checklists))
	for _, c := range p.Checklists {
		checklists = append(checklists, checklistProgressResponse{
			ID:             c.ID,
			Name:           c.Name,
			Status:         string(c.Status),
			IsRequired:     c.IsRequired,
			TotalSteps:     c.TotalSteps,
			CompletedSteps: c.CompletedSteps,
			Progress:       c.Progress,
		})
	}
	return progressResponse{
		TaskID:         p.TaskID,
		Status:         string(p.Status),
		TotalSteps:     p.TotalSteps,
		CompletedSteps: p.CompletedSteps,
		Progress:       p.Progress,
		Checklists:     checklists,
	}
}

func statisticsToResponse(st *core.TaskStatistics) statisticsResponse {
	byStatus := make(map[string]int, len(st.ByStatus))
	for status, n := range st.ByStatus {
		byStatus[string(status)] = n
	}
	byType := st.ByType
	if byType == nil {
		byType = map[string]int{}
	}
	return statisticsResponse{
		Total:           st.Total,
		Overdue:         st.Overdue,
		AverageDuration: st.AverageDuration,
		ByStatus:        byStatus,
		ByType:          byType,
	}
}
