package core

import (
	"context"
	"math"
	"time"
)

// TaskStatistics aggregates a filtered set of tasks.
type TaskStatistics struct {
	Total   int
	Overdue int
	// AverageDuration is the mean actual duration in minutes of completed
	// tasks, rounded to two decimals. Zero when none are completed.
	AverageDuration float64
	ByStatus        map[TaskStatus]int
	ByType          map[string]int
}

// StatisticsAggregator computes aggregate views. It never writes.
type StatisticsAggregator struct {
	store Store
	clock Clock
}

// NewStatisticsAggregator creates a statistics aggregator.
func NewStatisticsAggregator(store Store, clock Clock) *StatisticsAggregator {
	return &StatisticsAggregator{store: store, clock: clock}
}

// GetTaskStatistics aggregates every task matching filter.
func (a *StatisticsAggregator) GetTaskStatistics(ctx context.Context, filter TaskFilter) (*TaskStatistics, error) {
	const op = "get task statistics"
	for _, s := range filter.Status {
		if !s.Valid() {
			return nil, invalidInputf(op, "unknown status %q", s)
		}
	}
	tasks, _, err := a.store.QueryTasks(ctx, filter, Page{})
	if err != nil {
		return nil, storeError(op, err)
	}
	return aggregate(tasks, a.clock.Now()), nil
}

func aggregate(tasks []*Task, now time.Time) *TaskStatistics {
	stats := &TaskStatistics{
		Total:    len(tasks),
		ByStatus: map[TaskStatus]int{},
		ByType:   map[string]int{},
	}
	var (
		durationSum   int
		durationCount int
	)
	for _, t := range tasks {
		stats.ByStatus[t.Status]++
		stats.ByType[t.Type]++
		if IsOverdue(t, now) {
			stats.Overdue++
		}
		if t.Status == TaskStatusCompleted && t.ActualDuration != nil {
			durationSum += *t.ActualDuration
			durationCount++
		}
	}
	if durationCount > 0 {
		avg := float64(durationSum) / float64(durationCount)
		stats.AverageDuration = math.Round(avg*100) / 100
	}
	return stats
}

// IsOverdue reports whether an open task is past its due date.
func IsOverdue(t *Task, now time.Time) bool {
	return t.DueDate != nil && t.DueDate.Before(now) && t.Status.IsOpen()
}
