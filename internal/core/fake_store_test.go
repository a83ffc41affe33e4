package core

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeStore is an in-memory Store with version compare-and-set. Returned
// entities are copies so callers cannot mutate stored state.
type fakeStore struct {
	mu         sync.Mutex
	tasks      map[string]Task
	checklists map[string]Checklist
	steps      map[string]ChecklistStep
	execs      []StepExecution
	actions    []ActionLogEntry

	// beforeTaskUpdate runs before the version check, with the lock released.
	beforeTaskUpdate func(task *Task)
	failInsertAction error
	failUpdateStep   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:      map[string]Task{},
		checklists: map[string]Checklist{},
		steps:      map[string]ChecklistStep{},
	}
}

func copyTask(t Task) *Task {
	t.Photos = append([]string(nil), t.Photos...)
	t.Metadata = maps.Clone(t.Metadata)
	t.AssignedTo = copyPtr(t.AssignedTo)
	t.DueDate = copyPtr(t.DueDate)
	t.StartedAt = copyPtr(t.StartedAt)
	t.CompletedAt = copyPtr(t.CompletedAt)
	t.ActualDuration = copyPtr(t.ActualDuration)
	return &t
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return copyTask(t), nil
}

func (f *fakeStore) QueryTasks(ctx context.Context, filter TaskFilter, page Page) ([]*Task, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Task
	for _, t := range f.tasks {
		if !matches(&t, filter) {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	total := len(out)
	if page.Limit > 0 {
		if page.Offset >= len(out) {
			return []*Task{}, total, nil
		}
		end := page.Offset + page.Limit
		if end > len(out) {
			end = len(out)
		}
		out = out[page.Offset:end]
	}
	return out, total, nil
}

func matches(t *Task, f TaskFilter) bool {
	if len(f.Status) > 0 {
		ok := false
		for _, s := range f.Status {
			ok = ok || t.Status == s
		}
		if !ok {
			return false
		}
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	if f.AssignedTo != "" && !t.IsAssignedTo(f.AssignedTo) {
		return false
	}
	if f.MachineID != "" && t.MachineID != f.MachineID {
		return false
	}
	if f.CreatedBy != "" && t.CreatedBy != f.CreatedBy {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(t.Title+" "+t.Description), strings.ToLower(f.Search)) {
		return false
	}
	if f.DueFrom != nil && (t.DueDate == nil || t.DueDate.Before(*f.DueFrom)) {
		return false
	}
	if f.DueTo != nil && (t.DueDate == nil || t.DueDate.After(*f.DueTo)) {
		return false
	}
	if f.CreatedFrom != nil && t.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && t.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	return true
}

func (f *fakeStore) InsertTask(ctx context.Context, task *Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[task.ID]; ok {
		return fmt.Errorf("task %s exists", task.ID)
	}
	task.Version = 1
	f.tasks[task.ID] = *copyTask(*task)
	return nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, task *Task, expectedVersion int64) error {
	if f.beforeTaskUpdate != nil {
		f.beforeTaskUpdate(task)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.tasks[task.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	task.Version = expectedVersion + 1
	f.tasks[task.ID] = *copyTask(*task)
	return nil
}

func (f *fakeStore) GetChecklist(ctx context.Context, id string) (*Checklist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.checklists[id]
	if !ok {
		return nil, fmt.Errorf("checklist %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (f *fakeStore) ListChecklists(ctx context.Context, taskID string) ([]*Checklist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Checklist
	for _, c := range f.checklists {
		if c.TaskID == taskID {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *fakeStore) InsertChecklist(ctx context.Context, c *Checklist) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.Version = 1
	f.checklists[c.ID] = *c
	return nil
}

func (f *fakeStore) UpdateChecklist(ctx context.Context, c *Checklist, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.checklists[c.ID]
	if !ok {
		return fmt.Errorf("checklist %s: %w", c.ID, ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	c.Version = expectedVersion + 1
	f.checklists[c.ID] = *c
	return nil
}

func (f *fakeStore) GetStep(ctx context.Context, id string) (*ChecklistStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	return &s, nil
}

func (f *fakeStore) ListSteps(ctx context.Context, checklistID string) ([]*ChecklistStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ChecklistStep
	for _, s := range f.steps {
		if s.ChecklistID == checklistID {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *fakeStore) InsertStep(ctx context.Context, s *ChecklistStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.Version = 1
	f.steps[s.ID] = *s
	return nil
}

func (f *fakeStore) UpdateStep(ctx context.Context, s *ChecklistStep, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdateStep != nil {
		return f.failUpdateStep
	}
	cur, ok := f.steps[s.ID]
	if !ok {
		return fmt.Errorf("step %s: %w", s.ID, ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.Version = expectedVersion + 1
	f.steps[s.ID] = *s
	return nil
}

func (f *fakeStore) InsertExecution(ctx context.Context, e *StepExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, *e)
	return nil
}

func (f *fakeStore) ListExecutions(ctx context.Context, stepID string) ([]*StepExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*StepExecution
	for i := len(f.execs) - 1; i >= 0; i-- {
		if f.execs[i].StepID == stepID {
			e := f.execs[i]
			out = append(out, &e)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertAction(ctx context.Context, a *ActionLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsertAction != nil {
		return f.failInsertAction
	}
	f.actions = append(f.actions, *a)
	return nil
}

func (f *fakeStore) ListActions(ctx context.Context, taskID string) ([]*ActionLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ActionLogEntry
	for _, a := range f.actions {
		if a.TaskID == taskID {
			a := a
			out = append(out, &a)
		}
	}
	return out, nil
}

// actionsOf returns the action kinds recorded for a task, oldest first.
func (f *fakeStore) actionsOf(taskID string) []ActionKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []ActionKind
	for _, a := range f.actions {
		if a.TaskID == taskID {
			kinds = append(kinds, a.Action)
		}
	}
	return kinds
}

func (f *fakeStore) countActions(taskID string, kind ActionKind) int {
	n := 0
	for _, k := range f.actionsOf(taskID) {
		if k == kind {
			n++
		}
	}
	return n
}

func (f *fakeStore) deleteChecklist(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.checklists, id)
}

// testClock is a manually advanced Clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")

func TestFakeStoreReturnsIndependentTasks(t *testing.T) {
	f := newFakeStore()
	ctx := context.Background()
	due := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	minutes := 30
	assignee := "u-1"
	task := &Task{
		ID:             "t-1",
		AssignedTo:     &assignee,
		DueDate:        &due,
		StartedAt:      &due,
		CompletedAt:    &due,
		ActualDuration: &minutes,
		Metadata:       map[string]any{"shift": "night"},
		Photos:         []string{"a.jpg"},
	}
	if err := f.InsertTask(ctx, task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	got, _ := f.GetTask(ctx, "t-1")
	*got.AssignedTo = "u-2"
	*got.DueDate = due.Add(time.Hour)
	*got.StartedAt = due.Add(time.Hour)
	*got.CompletedAt = due.Add(time.Hour)
	*got.ActualDuration = 99
	got.Metadata["shift"] = "day"
	got.Photos[0] = "b.jpg"

	again, _ := f.GetTask(ctx, "t-1")
	if *again.AssignedTo != "u-1" || !again.DueDate.Equal(due) || !again.StartedAt.Equal(due) ||
		!again.CompletedAt.Equal(due) || *again.ActualDuration != 30 {
		t.Fatalf("stored pointers leaked to caller: %+v", again)
	}
	if again.Metadata["shift"] != "night" || again.Photos[0] != "a.jpg" {
		t.Fatalf("stored collections leaked to caller: %v %v", again.Metadata, again.Photos)
	}
}
