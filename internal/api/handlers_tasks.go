package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fieldtask/internal/core"
)

type createStepRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	IsRequired    *bool  `json:"is_required"`
	RequiresPhoto bool   `json:"requires_photo"`
	RequiresNote  bool   `json:"requires_note"`
}

type createChecklistRequest struct {
	Name       string              `json:"name"`
	IsRequired *bool               `json:"is_required"`
	Steps      []createStepRequest `json:"steps"`
}

type createTaskRequest struct {
	Title       string                   `json:"title"`
	Description string                   `json:"description"`
	Type        string                   `json:"type"`
	Priority    string                   `json:"priority"`
	MachineID   string                   `json:"machine_id"`
	DueDate     *time.Time               `json:"due_date"`
	AssignedTo  string                   `json:"assigned_to"`
	Metadata    map[string]any           `json:"metadata"`
	Checklists  []createChecklistRequest `json:"checklists"`
}

type assignTaskRequest struct {
	AssigneeID string `json:"assignee_id"`
}

type startTaskRequest struct {
	Location *core.Location `json:"location"`
}

type completeTaskRequest struct {
	Photos   []string       `json:"photos"`
	Notes    string         `json:"notes"`
	Location *core.Location `json:"location"`
}

type cancelTaskRequest struct {
	Reason string `json:"reason"`
}

// boolDefault treats an omitted flag as true. Checklists and steps are
// required unless marked otherwise.
func boolDefault(v *bool) bool {
	return v == nil || *v
}

func (req createTaskRequest) toNewTask() core.NewTask {
	in := core.NewTask{
		Title:       req.Title,
		Description: req.Description,
		Type:        strings.TrimSpace(req.Type),
		Priority:    core.Priority(strings.TrimSpace(req.Priority)),
		MachineID:   strings.TrimSpace(req.MachineID),
		DueDate:     req.DueDate,
		AssignedTo:  req.AssignedTo,
		Metadata:    req.Metadata,
	}
	for _, c := range req.Checklists {
		nc := core.NewChecklist{Name: c.Name, IsRequired: boolDefault(c.IsRequired)}
		for _, st := range c.Steps {
			nc.Steps = append(nc.Steps, core.NewStep{
				Title:         st.Title,
				Description:   st.Description,
				IsRequired:    boolDefault(st.IsRequired),
				RequiresPhoto: st.RequiresPhoto,
				RequiresNote:  st.RequiresNote,
			})
		}
		in.Checklists = append(in.Checklists, nc)
	}
	return in
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task, err := s.engine.CreateTask(r.Context(), actorFrom(r), req.toNewTask())
	if err != nil {
		s.writeEngineError(w, r, "create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := parseTaskFilter(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	page := core.Page{
		Offset: parseIntDefault(q.Get("offset"), 0),
		Limit:  parseIntDefault(q.Get("limit"), core.DefaultPageLimit),
	}
	result, err := s.engine.ListTasks(r.Context(), filter, page)
	if err != nil {
		s.writeEngineError(w, r, "list tasks", err)
		return
	}
	res := taskListResponse{
		Tasks:  make([]taskResponse, 0, len(result.Tasks)),
		Total:  result.Total,
		Offset: result.Offset,
		Limit:  result.Limit,
	}
	for _, t := range result.Tasks {
		res.Tasks = append(res.Tasks, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTaskStatistics(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTaskFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	stats, err := s.engine.GetTaskStatistics(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, r, "compute statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, statisticsToResponse(stats))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeEngineError(w, r, "load task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.engine.GetTaskProgress(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeEngineError(w, r, "compute progress", err)
		return
	}
	writeJSON(w, http.StatusOK, progressToResponse(progress))
}

func (s *Server) handleTaskActions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.ListTaskActions(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeEngineError(w, r, "list actions", err)
		return
	}
	resp := make([]actionResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, actionToResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskChecklists(w http.ResponseWriter, r *http.Request) {
	views, err := s.engine.GetChecklists(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeEngineError(w, r, "load checklists", err)
		return
	}
	resp := make([]checklistResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, checklistToResponse(v))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	var req assignTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task, err := s.engine.AssignTask(r.Context(), chi.URLParam(r, "taskID"), req.AssigneeID, actorFrom(r))
	if err != nil {
		s.writeEngineError(w, r, "assign task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var req startTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task, err := s.engine.StartTask(r.Context(), chi.URLParam(r, "taskID"), actorFrom(r), req.Location)
	if err != nil {
		s.writeEngineError(w, r, "start task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req completeTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task, err := s.engine.CompleteTask(r.Context(), chi.URLParam(r, "taskID"), actorFrom(r), core.CompleteInput{
		Photos:   req.Photos,
		Notes:    req.Notes,
		Location: req.Location,
	})
	if err != nil {
		s.writeEngineError(w, r, "complete task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var req cancelTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task, err := s.engine.CancelTask(r.Context(), chi.URLParam(r, "taskID"), actorFrom(r), strings.TrimSpace(req.Reason))
	if err != nil {
		s.writeEngineError(w, r, "cancel task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleReconcileTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.ReconcileTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeEngineError(w, r, "reconcile task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func parseTaskFilter(q url.Values) (core.TaskFilter, error) {
	filter := core.TaskFilter{
		Type:       strings.TrimSpace(q.Get("type")),
		Priority:   core.Priority(strings.ToUpper(strings.TrimSpace(q.Get("priority")))),
		AssignedTo: strings.TrimSpace(q.Get("assigned_to")),
		MachineID:  strings.TrimSpace(q.Get("machine_id")),
		CreatedBy:  strings.TrimSpace(q.Get("created_by")),
		Search:     strings.TrimSpace(q.Get("search")),
	}
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.Status = append(filter.Status, core.TaskStatus(strings.ToUpper(part)))
			}
		}
	}
	bounds := []struct {
		key string
		dst **time.Time
	}{
		{"due_from", &filter.DueFrom},
		{"due_to", &filter.DueTo},
		{"created_from", &filter.CreatedFrom},
		{"created_to", &filter.CreatedTo},
	}
	for _, b := range bounds {
		value := strings.TrimSpace(q.Get(b.key))
		if value == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return core.TaskFilter{}, fmt.Errorf("%s must be an RFC3339 timestamp", b.key)
		}
		*b.dst = &parsed
	}
	return filter, nil
}
