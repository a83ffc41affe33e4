package core

import (
	"context"
	"io"
	"log/slog"
)

// Engine wires the engine components around a single Store. The transport
// adapters talk to the Engine only.
type Engine struct {
	*Lifecycle
	checklists *ChecklistEngine
	cascade    *Cascade
	progress   *ProgressCalculator
	stats      *StatisticsAggregator
	actions    *ActionLog
}

type options struct {
	clock   Clock
	logger  *slog.Logger
	policy  CompletionPolicy
	retries int
}

// Option configures an Engine.
type Option func(*options)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCompletionPolicy sets the manual completion policy.
func WithCompletionPolicy(p CompletionPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithConflictRetries bounds the re-read attempts after version conflicts.
func WithConflictRetries(n int) Option {
	return func(o *options) { o.retries = n }
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	o := options{
		clock:   SystemClock,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		policy:  CompletionOverride,
		retries: defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "engine")

	actions := NewActionLog(store, o.clock, logger)
	cascade := NewCascade(store, actions, o.clock, logger, o.retries)
	return &Engine{
		Lifecycle:  NewLifecycle(store, actions, o.clock, logger, o.policy, o.retries),
		checklists: NewChecklistEngine(store, actions, cascade, o.clock, logger, o.retries),
		cascade:    cascade,
		progress:   NewProgressCalculator(store),
		stats:      NewStatisticsAggregator(store, o.clock),
		actions:    actions,
	}
}

// Policy reports the configured manual completion policy.
func (e *Engine) Policy() CompletionPolicy { return e.policy }

func (e *Engine) ExecuteStep(ctx context.Context, stepID string, actor Actor, in ExecuteStepInput) (*StepExecution, error) {
	return e.checklists.ExecuteStep(ctx, stepID, actor, in)
}

func (e *Engine) ListStepExecutions(ctx context.Context, stepID string) ([]*StepExecution, error) {
	return e.checklists.ListStepExecutions(ctx, stepID)
}

func (e *Engine) GetChecklists(ctx context.Context, taskID string) ([]ChecklistView, error) {
	return e.checklists.GetChecklists(ctx, taskID)
}

func (e *Engine) GetTaskProgress(ctx context.Context, taskID string) (*TaskProgress, error) {
	return e.progress.GetTaskProgress(ctx, taskID)
}

func (e *Engine) GetTaskStatistics(ctx context.Context, filter TaskFilter) (*TaskStatistics, error) {
	return e.stats.GetTaskStatistics(ctx, filter)
}

func (e *Engine) ListTaskActions(ctx context.Context, taskID string) ([]*ActionLogEntry, error) {
	return e.actions.List(ctx, taskID)
}

// ReconcileTask re-runs the completion cascade for every checklist of a task
// and returns the resulting task.
func (e *Engine) ReconcileTask(ctx context.Context, taskID string) (*Task, error) {
	if err := e.cascade.Reconcile(ctx, taskID); err != nil {
		return nil, err
	}
	return e.GetTask(ctx, taskID)
}
