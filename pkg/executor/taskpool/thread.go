package taskpool

import (
	"go.uber.org/atomic"

	"github.com/sqlgrid/sqlgrid/pkg/util"
)

// thread is one slicing thread. Its goroutine is locked to an OS thread for
// its whole life so the collected per-thread CPU times stay meaningful.
type thread struct {
	id         int
	osThreadID atomic.Int64

	queue *util.PriorityQueue

	// assigned counts tasks bound to this thread, queued, running or
	// parked. quanta counts executed time slices.
	assigned atomic.Int64
	quanta   atomic.Int64
}

// Slot binds a task to its slicing thread for the task's lifetime. The queued
// flag guarantees the task sits in the runnable queue at most once no matter
// how wake-ups and yields interleave; the done flag guarantees the thread's
// assigned count is decremented exactly once.
type Slot struct {
	thread *thread
	task   Task

	queued atomic.Bool
	done   atomic.Bool
}

// Priority implements util.Op for the thread's priority queue.
func (s *Slot) Priority() int64 {
	return s.task.Priority()
}

// Resume re-enqueues a parked task, typically because blocked input has data
// again. Safe to call from any goroutine and at any point of the task's life:
// a task that is already queued or mid-quantum absorbs the wake-up into its
// next scheduling decision, and a finished task is left alone. Returns false
// if the task can no longer run.
func (s *Slot) Resume() bool {
	if s.done.Load() {
		return false
	}
	return s.enqueue()
}

func (s *Slot) enqueue() bool {
	if !s.queued.CompareAndSwap(false, true) {
		// Already queued, the pending quantum covers this wake-up.
		return true
	}
	if !s.thread.queue.Enqueue(s) {
		s.queued.Store(false)
		return false
	}
	return true
}
