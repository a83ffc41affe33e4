package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"fieldtask/internal/auth"
	"fieldtask/internal/core"
)

// Engine is the slice of the task engine exposed as MCP tools.
type Engine interface {
	CreateTask(ctx context.Context, actor core.Actor, in core.NewTask) (*core.Task, error)
	GetTask(ctx context.Context, taskID string) (*core.Task, error)
	ListTasks(ctx context.Context, filter core.TaskFilter, page core.Page) (*core.TaskPage, error)
	AssignTask(ctx context.Context, taskID, assigneeID string, by core.Actor) (*core.Task, error)
	StartTask(ctx context.Context, taskID string, actor core.Actor, location *core.Location) (*core.Task, error)
	CompleteTask(ctx context.Context, taskID string, actor core.Actor, in core.CompleteInput) (*core.Task, error)
	CancelTask(ctx context.Context, taskID string, actor core.Actor, reason string) (*core.Task, error)
	ExecuteStep(ctx context.Context, stepID string, actor core.Actor, in core.ExecuteStepInput) (*core.StepExecution, error)
	GetChecklists(ctx context.Context, taskID string) ([]core.ChecklistView, error)
	GetTaskProgress(ctx context.Context, taskID string) (*core.TaskProgress, error)
	GetTaskStatistics(ctx context.Context, filter core.TaskFilter) (*core.TaskStatistics, error)
	ListTaskActions(ctx context.Context, taskID string) ([]*core.ActionLogEntry, error)
}

// MCPServer exposes the task engine over the Model Context Protocol.
type MCPServer struct {
	engine   Engine
	logger   *slog.Logger
	location *time.Location
	server   *server.MCPServer
}

// NewMCPServer creates a new MCP server instance with every tool registered.
func NewMCPServer(engine Engine, logger *slog.Logger, location *time.Location) *MCPServer {
	if location == nil {
		location = time.Local
	}
	s := &MCPServer{
		engine:   engine,
		logger:   logger,
		location: location,
		server: server.NewMCPServer(
			"fieldtask",
			"1.0.0",
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}

// HTTPHandler returns a streamable HTTP transport for the server. The actor
// authenticated by the HTTP layer is carried into tool calls.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server, server.WithHTTPContextFunc(actorContext))
}

func actorContext(ctx context.Context, r *http.Request) context.Context {
	if actor, ok := auth.ActorFrom(r.Context()); ok {
		return auth.WithActor(ctx, actor)
	}
	return ctx
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools() {
	actorArgs := []mcp.ToolOption{
		mcp.WithString("user_id",
			mcp.Description("Acting user ID. Ignored when the transport is authenticated"),
		),
		mcp.WithString("role",
			mcp.Description("Acting user role"),
			mcp.Enum(string(core.RoleOperator), string(core.RoleSupervisor), string(core.RoleAdmin)),
		),
	}
	with := func(opts ...mcp.ToolOption) []mcp.ToolOption {
		return append(opts, actorArgs...)
	}

	s.server.AddTool(mcp.NewTool("task_create", with(
		mcp.WithDescription("Create a task without checklists. Use the HTTP API for checklist templates"),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
		mcp.WithString("description", mcp.Description("Free text description")),
		mcp.WithString("type", mcp.Description("Task type, default GENERAL")),
		mcp.WithString("priority",
			mcp.Description("Task priority, default MEDIUM"),
			mcp.Enum(string(core.PriorityLow), string(core.PriorityMedium), string(core.PriorityHigh), string(core.PriorityUrgent)),
		),
		mcp.WithString("machine_id", mcp.Description("Machine the task is about")),
		mcp.WithString("assigned_to", mcp.Description("Initial assignee")),
		mcp.WithString("due_date", mcp.Description("Due date, RFC3339")),
	)...), s.handleCreateTask)

	s.server.AddTool(mcp.NewTool("task_list", with(
		mcp.WithDescription("List tasks ordered by priority, newest first"),
		mcp.WithString("status", mcp.Description("Comma separated statuses, e.g. ASSIGNED,IN_PROGRESS")),
		mcp.WithString("assigned_to", mcp.Description("Filter by assignee")),
		mcp.WithString("machine_id", mcp.Description("Filter by machine")),
		mcp.WithString("search", mcp.Description("Search in title and description")),
		mcp.WithNumber("limit", mcp.Description("Page size, default 20"), mcp.Min(1), mcp.Max(core.MaxPageLimit)),
		mcp.WithNumber("offset", mcp.Description("Page offset"), mcp.Min(0)),
	)...), s.handleListTasks)

	s.server.AddTool(mcp.NewTool("task_get", with(
		mcp.WithDescription("Show a task with its checklists and steps"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	)...), s.handleGetTask)

	s.server.AddTool(mcp.NewTool("task_assign", with(
		mcp.WithDescription("Assign or reassign a task that has not been started"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithString("assignee_id", mcp.Required(), mcp.Description("New assignee")),
	)...), s.handleAssignTask)

	s.server.AddTool(mcp.NewTool("task_start", with(
		mcp.WithDescription("Start a task. An unassigned task is claimed by the caller"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithNumber("latitude", mcp.Description("GPS latitude")),
		mcp.WithNumber("longitude", mcp.Description("GPS longitude")),
	)...), s.handleStartTask)

	s.server.AddTool(mcp.NewTool("step_execute", with(
		mcp.WithDescription("Record an execution of a checklist step"),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("Step ID")),
		mcp.WithString("status",
			mcp.Description("Execution status, default COMPLETED"),
			mcp.Enum(string(core.StepStatusInProgress), string(core.StepStatusCompleted), string(core.StepStatusFailed), string(core.StepStatusSkipped)),
		),
		mcp.WithString("note", mcp.Description("Operator note")),
		mcp.WithArray("photos", mcp.Description("Photo URLs"), mcp.WithStringItems()),
		mcp.WithObject("result", mcp.Description("Structured step result")),
	)...), s.handleExecuteStep)

	s.server.AddTool(mcp.NewTool("task_complete", with(
		mcp.WithDescription("Complete an in-progress task manually"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithString("notes", mcp.Description("Completion notes")),
		mcp.WithArray("photos", mcp.Description("Photo URLs"), mcp.WithStringItems()),
	)...), s.handleCompleteTask)

	s.server.AddTool(mcp.NewTool("task_cancel", with(
		mcp.WithDescription("Cancel a task that is not finished"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithString("reason", mcp.Description("Cancellation reason")),
	)...), s.handleCancelTask)

	s.server.AddTool(mcp.NewTool("task_progress",
		mcp.WithDescription("Show completion progress of a task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleTaskProgress)

	s.server.AddTool(mcp.NewTool("task_actions",
		mcp.WithDescription("Show the audit trail of a task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleTaskActions)

	s.server.AddTool(mcp.NewTool("task_statistics",
		mcp.WithDescription("Aggregate statistics over tasks"),
		mcp.WithString("type", mcp.Description("Filter by task type")),
		mcp.WithString("assigned_to", mcp.Description("Filter by assignee")),
	), s.handleTaskStatistics)
}

// actorFor resolves the caller: the authenticated actor if any, otherwise
// the user_id and role arguments.
func actorFor(ctx context.Context, request mcp.CallToolRequest) (core.Actor, error) {
	if actor, ok := auth.ActorFrom(ctx); ok {
		return actor, nil
	}
	id := strings.TrimSpace(mcp.ParseString(request, "user_id", ""))
	if id == "" {
		return core.Actor{}, fmt.Errorf("user_id is required")
	}
	role, err := auth.ParseRole(mcp.ParseString(request, "role", ""))
	if err != nil {
		return core.Actor{}, err
	}
	return core.Actor{ID: id, Role: role}, nil
}

func (s *MCPServer) toolError(op string, err error) *mcp.CallToolResult {
	kind := core.Kind(err)
	if kind == nil || kind == core.ErrPersistence {
		s.logger.Error(op, "err", err)
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, err := actorFor(ctx, request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	in := core.NewTask{
		Title:       mcp.ParseString(request, "title", ""),
		Description: mcp.ParseString(request, "description", ""),
		Type:        mcp.ParseString(request, "type", ""),
		Priority:    core.Priority(mcp.ParseString(request, "priority", "")),
		MachineID:   mcp.ParseString(request, "machine_id", ""),
		AssignedTo:  mcp.ParseString(request, "assigned_to", ""),
	}
	if due := mcp.ParseString(request, "due_date", ""); due != "" {
		parsed, err := time.Parse(time.RFC3339, due)
		if err != nil {
			return mcp.NewToolResultError("due_date must be RFC3339"), nil
		}
		in.DueDate = &parsed
	}
	task, err := s.engine.CreateTask(ctx, actor, in)
	if err != nil {
		return s.toolError("create task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s\nStatus: %s\nPriority: %s",
		task.ID, task.Status, task.Priority)), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := core.TaskFilter{
		AssignedTo: mcp.ParseString(request, "assigned_to", ""),
		MachineID:  mcp.ParseString(request, "machine_id", ""),
		Search:     mcp.ParseString(request, "search", ""),
	}
	for _, part := range strings.Split(mcp.ParseString(request, "status", ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			filter.Status = append(filter.Status, core.TaskStatus(strings.ToUpper(part)))
		}
	}
	page := core.Page{
		Limit:  int(mcp.ParseFloat64(request, "limit", core.DefaultPageLimit)),
		Offset: int(mcp.ParseFloat64(request, "offset", 0)),
	}

	result, err := s.engine.ListTasks(ctx, filter, page)
	if err != nil {
		return s.toolError("list tasks", err), nil
	}
	if len(result.Tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Showing %d of %d tasks:\n\n", len(result.Tasks), result.Total)
	for _, t := range result.Tasks {
		fmt.Fprintf(&b, "%s %s [%s]\n", statusToIcon(t.Status), t.ID, t.Priority)
		fmt.Fprintf(&b, "  Title: %s\n", truncateString(t.Title, 60))
		fmt.Fprintf(&b, "  Status: %s\n", t.Status)
		if t.AssignedTo != nil {
			fmt.Fprintf(&b, "  Assignee: %s\n", *t.AssignedTo)
		}
		if t.DueDate != nil {
			fmt.Fprintf(&b, "  Due: %s\n", s.formatTime(t.DueDate))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.engine.GetTask(ctx, taskID)
	if err != nil {
		return s.toolError("get task", err), nil
	}
	checklists, err := s.engine.GetChecklists(ctx, taskID)
	if err != nil {
		return s.toolError("get task", err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	fmt.Fprintf(&b, "Title: %s\n", task.Title)
	fmt.Fprintf(&b, "Type: %s\n", task.Type)
	fmt.Fprintf(&b, "Priority: %s\n", task.Priority)
	fmt.Fprintf(&b, "Status: %s\n", task.Status)
	if task.AssignedTo != nil {
		fmt.Fprintf(&b, "Assignee: %s\n", *task.AssignedTo)
	}
	if task.MachineID != "" {
		fmt.Fprintf(&b, "Machine: %s\n", task.MachineID)
	}
	if task.DueDate != nil {
		fmt.Fprintf(&b, "Due: %s\n", s.formatTime(task.DueDate))
	}
	if task.StartedAt != nil {
		fmt.Fprintf(&b, "Started: %s\n", s.formatTime(task.StartedAt))
	}
	if task.CompletedAt != nil {
		fmt.Fprintf(&b, "Completed: %s\n", s.formatTime(task.CompletedAt))
	}
	if task.ActualDuration != nil {
		fmt.Fprintf(&b, "Duration: %d min\n", *task.ActualDuration)
	}
	fmt.Fprintf(&b, "Created: %s\n", s.formatTime(&task.CreatedAt))
	for _, c := range checklists {
		required := ""
		if c.IsRequired {
			required = " (required)"
		}
		fmt.Fprintf(&b, "\nChecklist %s%s: %s [%s]\n", c.Name, required, c.ID, c.Status)
		for _, st := range c.Steps {
			fmt.Fprintf(&b, "  %d. %s %s [%s] %s\n", st.Position+1, stepIcon(st.Status), st.Title, st.Status, st.ID)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleAssignTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, err := actorFor(ctx, request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	task, err := s.engine.AssignTask(ctx, mcp.ParseString(request, "task_id", ""), mcp.ParseString(request, "assignee_id", ""), actor)
	if err != nil {
		return s.toolError("assign task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s assigned to %s", task.ID, *task.AssignedTo)), nil
}

func (s *MCPServer) handleStartTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, err := actorFor(ctx, request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var location *core.Location
	args := request.GetArguments()
	if _, ok := args["latitude"]; ok {
		location = &core.Location{
			Latitude:  mcp.ParseFloat64(request, "latitude", 0),
			Longitude: mcp.ParseFloat64(request, "longitude", 0),
		}
	}
	task, err := s.engine.StartTask(ctx, mcp.ParseString(request, "task_id", ""), actor, location)
	if err != nil {
		return s.toolError("start task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s started by %s at %s", task.ID, actor.ID, s.formatTime(task.StartedAt))), nil
}

func (s *MCPServer) handleExecuteStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, err := actorFor(ctx, request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	exec, err := s.engine.ExecuteStep(ctx, mcp.ParseString(request, "step_id", ""), actor, core.ExecuteStepInput{
		Status: core.StepStatus(strings.ToUpper(mcp.ParseString(request, "status", ""))),
		Note:   mcp.ParseString(request, "note", ""),
		Photos: request.GetStringSlice("photos", nil),
		Result: mcp.ParseStringMap(request, "result", nil),
	})
	if err != nil {
		return s.toolError("execute step", err), nil
	}
	task, err := s.engine.GetTask(ctx, exec.TaskID)
	if err != nil {
		return s.toolError("execute step", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Step %s recorded as %s\nExecution: %s\nTask %s is %s",
		exec.StepID, exec.Status, exec.ID, task.ID, task.Status)), nil
}

func (s *MCPServer) handleCompleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, err := actorFor(ctx, request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	task, err := s.engine.CompleteTask(ctx, mcp.ParseString(request, "task_id", ""), actor, core.CompleteInput{
		Notes:  mcp.ParseString(request, "notes", ""),
		Photos: request.GetStringSlice("photos", nil),
	})
	if err != nil {
		return s.toolError("complete task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s completed in %d min", task.ID, *task.ActualDuration)), nil
}

func (s *MCPServer) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, err := actorFor(ctx, request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	task, err := s.engine.CancelTask(ctx, mcp.ParseString(request, "task_id", ""), actor, mcp.ParseString(request, "reason", ""))
	if err != nil {
		return s.toolError("cancel task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s cancelled", task.ID)), nil
}

func (s *MCPServer) handleTaskProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	progress, err := s.engine.GetTaskProgress(ctx, mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return s.toolError("task progress", err), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s [%s]: %d%% (%d/%d steps)\n", progress.TaskID, progress.Status,
		progress.Progress, progress.CompletedSteps, progress.TotalSteps)
	for _, c := range progress.Checklists {
		fmt.Fprintf(&b, "  %s: %d%% (%d/%d) [%s]\n", c.Name, c.Progress, c.CompletedSteps, c.TotalSteps, c.Status)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleTaskActions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := s.engine.ListTaskActions(ctx, mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return s.toolError("task actions", err), nil
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %-19s %s -> %s by %s", s.formatTime(&e.CreatedAt), e.Action, e.FromStatus, e.ToStatus, e.ActorID)
		if e.Comment != "" {
			fmt.Fprintf(&b, ": %s", truncateString(e.Comment, 80))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleTaskStatistics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.engine.GetTaskStatistics(ctx, core.TaskFilter{
		Type:       mcp.ParseString(request, "type", ""),
		AssignedTo: mcp.ParseString(request, "assigned_to", ""),
	})
	if err != nil {
		return s.toolError("task statistics", err), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Total: %d\nOverdue: %d\nAverage duration: %.2f min\n", stats.Total, stats.Overdue, stats.AverageDuration)
	for _, status := range []core.TaskStatus{core.TaskStatusCreated, core.TaskStatusAssigned, core.TaskStatusInProgress, core.TaskStatusCompleted, core.TaskStatusCancelled} {
		fmt.Fprintf(&b, "%s: %d\n", status, stats.ByStatus[status])
	}
	return mcp.NewToolResultText(b.String()), nil
}

// Helper functions

func (s *MCPServer) formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.In(s.location).Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func statusToIcon(status core.TaskStatus) string {
	switch status {
	case core.TaskStatusCreated:
		return "🆕"
	case core.TaskStatusAssigned:
		return "📋"
	case core.TaskStatusInProgress:
		return "▶️"
	case core.TaskStatusCompleted:
		return "✅"
	case core.TaskStatusCancelled:
		return "🚫"
	default:
		return "❓"
	}
}

func stepIcon(status core.StepStatus) string {
	switch status {
	case core.StepStatusCompleted:
		return "[x]"
	case core.StepStatusFailed:
		return "[!]"
	case core.StepStatusSkipped:
		return "[-]"
	case core.StepStatusInProgress:
		return "[~]"
	default:
		return "[ ]"
	}
}
