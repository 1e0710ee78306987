package taskpool

import (
	"context"
)

// Outcome tells the slicing thread what to do with a task after one quantum.
type Outcome int

const (
	// OutcomeRunnable means the task has more work ready and should be
	// re-queued for another quantum.
	OutcomeRunnable Outcome = iota

	// OutcomeBlocked means the task is waiting on input or output and
	// must be parked until its Slot is resumed.
	OutcomeBlocked

	// OutcomeDone means the task reached a terminal state and the pool
	// must forget it.
	OutcomeDone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRunnable:
		return "Runnable"
	case OutcomeBlocked:
		return "Blocked"
	case OutcomeDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Task is one cooperatively scheduled unit of work. RunQuantum must bound its
// own work: slicing threads trust tasks to yield. RunQuantum is only ever
// invoked from the task's owning slicing thread, never concurrently with
// itself.
type Task interface {
	// Key identifies the task in logs.
	Key() string

	// Priority orders the runnable queue. The larger the number the
	// higher the priority.
	Priority() int64

	// RunQuantum runs one bounded slice of work and reports what the
	// scheduler should do next.
	RunQuantum(ctx context.Context) Outcome
}

// TaskDescriptor carries the planner's scheduling metadata for one task.
type TaskDescriptor struct {
	Priority      int64 `json:"priority"`
	EstimatedCost int64 `json:"estimated_cost"`
}

// ThreadInfo is a read-only view of one slicing thread, safe to collect while
// the pool is scheduling.
type ThreadInfo struct {
	ID         int   `json:"id"`
	OSThreadID int   `json:"os_thread_id"`
	Assigned   int64 `json:"assigned_tasks"`
	Quanta     int64 `json:"quanta_total"`
	Runnable   int   `json:"runnable"`
}
