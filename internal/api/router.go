package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fieldtask/internal/auth"
	"fieldtask/internal/core"
)

// Engine is the slice of the task engine the HTTP layer drives.
type Engine interface {
	CreateTask(ctx context.Context, actor core.Actor, in core.NewTask) (*core.Task, error)
	GetTask(ctx context.Context, taskID string) (*core.Task, error)
	ListTasks(ctx context.Context, filter core.TaskFilter, page core.Page) (*core.TaskPage, error)
	AssignTask(ctx context.Context, taskID, assigneeID string, by core.Actor) (*core.Task, error)
	StartTask(ctx context.Context, taskID string, actor core.Actor, location *core.Location) (*core.Task, error)
	CompleteTask(ctx context.Context, taskID string, actor core.Actor, in core.CompleteInput) (*core.Task, error)
	CancelTask(ctx context.Context, taskID string, actor core.Actor, reason string) (*core.Task, error)
	ReconcileTask(ctx context.Context, taskID string) (*core.Task, error)
	ExecuteStep(ctx context.Context, stepID string, actor core.Actor, in core.ExecuteStepInput) (*core.StepExecution, error)
	ListStepExecutions(ctx context.Context, stepID string) ([]*core.StepExecution, error)
	GetChecklists(ctx context.Context, taskID string) ([]core.ChecklistView, error)
	GetTaskProgress(ctx context.Context, taskID string) (*core.TaskProgress, error)
	GetTaskStatistics(ctx context.Context, filter core.TaskFilter) (*core.TaskStatistics, error)
	ListTaskActions(ctx context.Context, taskID string) ([]*core.ActionLogEntry, error)
}

// Options configures the HTTP server.
type Options struct {
	Addr   string
	Engine Engine
	// Auth verifies bearer tokens. When nil the caller identity is read
	// from the X-Actor-Id and X-Actor-Role headers.
	Auth *auth.Authenticator
	// Deduper suppresses replayed step submissions. Defaults to NoopDeduper.
	Deduper Deduper
	// MCP is mounted at /mcp when set.
	MCP      http.Handler
	Logger   *slog.Logger
	Location *time.Location
	// OverdueCron is the schedule reported by the monitor endpoints.
	OverdueCron string
}

// Server holds the HTTP server state.
type Server struct {
	httpServer  *http.Server
	router      *chi.Mux
	engine      Engine
	auth        *auth.Authenticator
	deduper     Deduper
	mcp         http.Handler
	logger      *slog.Logger
	location    *time.Location
	overdueCron string
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(TracingMiddleware)

	s := &Server{
		router:      router,
		engine:      opts.Engine,
		auth:        opts.Auth,
		deduper:     opts.Deduper,
		mcp:         opts.MCP,
		logger:      opts.Logger,
		location:    opts.Location,
		overdueCron: opts.OverdueCron,
	}
	if s.deduper == nil {
		s.deduper = NoopDeduper{}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.location == nil {
		s.location = time.Local
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler exposes the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	authn := AuthMiddleware(s.auth, s.logger)

	if s.mcp != nil {
		s.router.Handle("/mcp", authn(s.mcp))
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(authn)

		r.Route("/monitor", func(r chi.Router) {
			r.Get("/", s.handleMonitorSchedule)
			r.Post("/preview", s.handleCronPreview)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Get("/statistics", s.handleTaskStatistics)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Get("/progress", s.handleTaskProgress)
				r.Get("/actions", s.handleTaskActions)
				r.Get("/checklists", s.handleTaskChecklists)
				r.Post("/assign", s.handleAssignTask)
				r.Post("/start", s.handleStartTask)
				r.Post("/complete", s.handleCompleteTask)
				r.Post("/cancel", s.handleCancelTask)
				r.Post("/reconcile", s.handleReconcileTask)
			})
		})

		r.Route("/steps/{stepID}", func(r chi.Router) {
			r.Post("/executions", s.handleExecuteStep)
			r.Get("/executions", s.handleListExecutions)
		})
	})
}
