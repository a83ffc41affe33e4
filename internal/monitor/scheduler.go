package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"fieldtask/internal/core"
	"fieldtask/internal/notify"
)

// TaskSource lists tasks for the monitor.
type TaskSource interface {
	ListTasks(ctx context.Context, filter core.TaskFilter, page core.Page) (*core.TaskPage, error)
}

// Monitor periodically looks for open tasks past their due date and sends a
// single notification per task and due date.
type Monitor struct {
	source   TaskSource
	notifier notify.Notifier
	logger   *slog.Logger
	location *time.Location
	clock    core.Clock
	spec     string

	cron    *cron.Cron
	checkMu sync.Mutex
	running atomic.Bool
	// notified maps task ID to the due date it was reported for.
	notified map[string]time.Time

	ctx context.Context
}

// New constructs a monitor that runs on the given cron spec.
func New(source TaskSource, notifier notify.Notifier, logger *slog.Logger, location *time.Location, spec string) (*Monitor, error) {
	if location == nil {
		location = time.Local
	}
	if notifier == nil {
		notifier = &notify.NoOpNotifier{}
	}
	if strings.TrimSpace(spec) == "" {
		spec = DefaultSchedule
	}
	if _, err := ParseCron(spec); err != nil {
		return nil, err
	}
	return &Monitor{
		source:   source,
		notifier: notifier,
		logger:   logger.With("component", "overdue-monitor"),
		location: location,
		clock:    core.SystemClock,
		spec:     spec,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(location),
		),
		notified: make(map[string]time.Time),
	}, nil
}

// Spec returns the cron expression the monitor runs on.
func (m *Monitor) Spec() string { return m.spec }

// Start begins the check loop. ctx is used for the background checks.
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx = ctx
	if _, err := m.cron.AddFunc(m.spec, m.tick); err != nil {
		return fmt.Errorf("schedule overdue check: %w", err)
	}
	m.cron.Start()
	m.logger.Info("overdue monitor started", "schedule", m.spec)
	return nil
}

// Stop stops the scheduler and returns a context done once a running check
// has finished.
func (m *Monitor) Stop() context.Context {
	return m.cron.Stop()
}

// Next returns the upcoming check times.
func (m *Monitor) Next(n int) []time.Time {
	schedule, err := ParseCron(m.spec)
	if err != nil {
		return nil
	}
	return NextOccurrences(schedule, m.clock.Now().In(m.location), n)
}

func (m *Monitor) tick() {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Info("skipping overdue check because the previous one is still running")
		return
	}
	defer m.running.Store(false)

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := m.Check(ctx); err != nil {
		m.logger.Error("overdue check", "err", err)
	}
}

// Check scans open tasks and notifies about newly overdue ones. It returns
// the number of notifications sent.
func (m *Monitor) Check(ctx context.Context) (int, error) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	now := m.clock.Now()
	overdue, err := m.overdueTasks(ctx, now)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(overdue))
	sent := 0
	for _, task := range overdue {
		seen[task.ID] = struct{}{}
		if due, ok := m.notified[task.ID]; ok && due.Equal(*task.DueDate) {
			continue
		}
		title, body := overdueMessage(task, now)
		if err := m.notifier.Send(ctx, title, body); err != nil {
			m.logger.Warn("send overdue notification", "task_id", task.ID, "err", err)
			continue
		}
		m.notified[task.ID] = *task.DueDate
		sent++
	}
	// Forget tasks that were finished, rescheduled or cancelled.
	for id := range m.notified {
		if _, ok := seen[id]; !ok {
			delete(m.notified, id)
		}
	}
	if sent > 0 {
		m.logger.Info("overdue notifications sent", "count", sent, "overdue", len(overdue))
	}
	return sent, nil
}

func (m *Monitor) overdueTasks(ctx context.Context, now time.Time) ([]*core.Task, error) {
	filter := core.TaskFilter{
		Status: []core.TaskStatus{core.TaskStatusCreated, core.TaskStatusAssigned, core.TaskStatusInProgress},
		DueTo:  &now,
	}
	var out []*core.Task
	page := core.Page{Limit: core.MaxPageLimit}
	for {
		result, err := m.source.ListTasks(ctx, filter, page)
		if err != nil {
			return nil, fmt.Errorf("list open tasks: %w", err)
		}
		for _, t := range result.Tasks {
			if core.IsOverdue(t, now) {
				out = append(out, t)
			}
		}
		page.Offset += len(result.Tasks)
		if len(result.Tasks) == 0 || page.Offset >= result.Total {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(*out[j].DueDate) })
	return out, nil
}

func overdueMessage(task *core.Task, now time.Time) (string, string) {
	late := now.Sub(*task.DueDate).Round(time.Minute)
	title := fmt.Sprintf("Overdue %s task: %s", strings.ToLower(string(task.Priority)), task.Title)
	assignee := "unassigned"
	if task.AssignedTo != nil {
		assignee = *task.AssignedTo
	}
	body := fmt.Sprintf("Task %s (%s) is %s late. Status %s, assignee %s.",
		task.ID, task.Type, late, task.Status, assignee)
	if task.MachineID != "" {
		body += " Machine " + task.MachineID + "."
	}
	return title, body
}
