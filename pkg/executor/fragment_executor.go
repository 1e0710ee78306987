package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/sqlgrid/sqlgrid/pkg/executor/taskpool"
	"github.com/sqlgrid/sqlgrid/pkg/memory"
	"github.com/sqlgrid/sqlgrid/pkg/util"
)

// FragmentExecutor owns the execution state of one fragment: its pipeline,
// its memory allocator, its lifecycle state and its scheduling flags. It is
// the Task the pool runs and the Waker its pipeline signals.
//
// Quanta only ever run on the fragment's slicing thread. Everything read
// from other goroutines (state, blocked flag, row count, memory) is kept in
// atomics or the allocator, so status reporting never synchronizes with
// execution.
type FragmentExecutor struct {
	spec      PlanSpec
	attemptID string
	logger    log.Logger

	pipeline  Pipeline
	allocator memory.Allocator

	state        atomic.Int32
	blocked      atomic.Bool
	rows         atomic.Int64
	cancelled    atomic.Bool
	cancelReason atomic.Int32
	startMillis  int64

	mtx  sync.Mutex
	slot *taskpool.Slot

	terminalOnce sync.Once
	onTerminal   func(term FragmentTerminal)
}

func newFragmentExecutor(spec PlanSpec, alloc memory.Allocator, logger log.Logger, onTerminal func(FragmentTerminal)) *FragmentExecutor {
	return &FragmentExecutor{
		spec:        spec,
		attemptID:   uuid.New().String(),
		logger:      log.With(logger, "fragment", spec.Handle.String()),
		allocator:   alloc,
		startMillis: util.TimeToMillis(time.Now()),
		onTerminal:  onTerminal,
	}
}

// Handle returns the fragment's identifier.
func (e *FragmentExecutor) Handle() FragmentHandle { return e.spec.Handle }

// AttemptID identifies this execution attempt in reports and logs.
func (e *FragmentExecutor) AttemptID() string { return e.attemptID }

// State returns the current lifecycle state.
func (e *FragmentExecutor) State() State { return State(e.state.Load()) }

// MemoryUsed returns the bytes currently reserved by the fragment.
func (e *FragmentExecutor) MemoryUsed() int64 { return e.allocator.Allocated() }

// Key implements taskpool.Task.
func (e *FragmentExecutor) Key() string { return e.spec.Handle.String() }

// Priority implements taskpool.Task.
func (e *FragmentExecutor) Priority() int64 { return e.spec.Priority }

// Descriptor returns the planner's scheduling metadata for this fragment.
func (e *FragmentExecutor) Descriptor() taskpool.TaskDescriptor {
	return taskpool.TaskDescriptor{Priority: e.spec.Priority, EstimatedCost: e.spec.EstimatedCost}
}

// RunQuantum implements taskpool.Task. It executes one bounded slice of the
// pipeline and reports the scheduling outcome. Cancellation is observed here,
// which bounds cancellation latency by the quantum, not by operator runtime.
func (e *FragmentExecutor) RunQuantum(ctx context.Context) taskpool.Outcome {
	if e.cancelled.Load() || ctx.Err() != nil {
		e.finish(StateCancelled, e.cancellationReason(), nil)
		return taskpool.OutcomeDone
	}

	e.state.Store(int32(StateRunnable))
	e.blocked.Store(false)

	out, err := e.step(ctx)
	if err != nil {
		level.Warn(e.logger).Log("msg", "fragment failed", "err", err)
		e.finish(StateFailed, ReasonRuntimeFault, err)
		return taskpool.OutcomeDone
	}

	switch out {
	case StepBlocked:
		e.state.Store(int32(StateBlocked))
		e.blocked.Store(true)
		return taskpool.OutcomeBlocked
	case StepDone:
		e.finish(StateCompleted, ReasonNone, nil)
		return taskpool.OutcomeDone
	default:
		return taskpool.OutcomeRunnable
	}
}

// step runs one pipeline step and refreshes the row counter. The stats read
// happens inside the recover scope too: a panic anywhere in the engine must
// surface as a fragment fault, never escape to the slicing thread, or the
// fragment would stay registered with its ticket and memory held forever.
func (e *FragmentExecutor) step(ctx context.Context) (out StepOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = FragmentRuntimeFault{Handle: e.spec.Handle, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	out, err = e.pipeline.Step(ctx)
	if err != nil {
		return out, FragmentRuntimeFault{Handle: e.spec.Handle, Cause: err}
	}
	e.rows.Store(e.pipeline.Stats().RowsProcessed())
	return out, nil
}

// Cancel requests cooperative cancellation. The first reason recorded wins.
// A parked fragment is woken so it can observe the request.
func (e *FragmentExecutor) Cancel(reason FailureReason) {
	if e.State().Terminal() {
		return
	}
	e.cancelReason.CompareAndSwap(int32(ReasonNone), int32(reason))
	e.cancelled.Store(true)
	e.Wake()
}

// Cancelling reports whether cancellation was requested but the fragment has
// not yet unwound. Such fragments will release their memory on their own.
func (e *FragmentExecutor) Cancelling() bool { return e.cancelled.Load() }

func (e *FragmentExecutor) cancellationReason() FailureReason {
	if r := FailureReason(e.cancelReason.Load()); r != ReasonNone {
		return r
	}
	return ReasonCancelled
}

// Wake implements Waker. Pipelines call it when previously missing input has
// arrived; a parked fragment goes back on its thread's runnable queue.
func (e *FragmentExecutor) Wake() {
	e.mtx.Lock()
	s := e.slot
	e.mtx.Unlock()

	if s != nil {
		s.Resume()
	}
}

func (e *FragmentExecutor) bindSlot(s *taskpool.Slot) {
	e.mtx.Lock()
	e.slot = s
	e.mtx.Unlock()

	// A cancel may have arrived before the slot existed.
	if e.cancelled.Load() {
		s.Resume()
	}
}

func (e *FragmentExecutor) finish(state State, reason FailureReason, failure error) {
	e.terminalOnce.Do(func() {
		e.state.Store(int32(state))
		e.blocked.Store(false)

		if err := e.pipeline.Close(); err != nil {
			level.Warn(e.logger).Log("msg", "failed to close fragment pipeline", "err", err)
		}

		if err := e.allocator.Close(); err != nil {
			// The pipeline is gone, so nothing will ever return what
			// it failed to give back. Reclaim it for the node.
			level.Warn(e.logger).Log("msg", "fragment finished with memory still reserved", "err", err)
			if leaked := e.allocator.Allocated(); leaked > 0 {
				e.allocator.Release(leaked)
				_ = e.allocator.Close()
			}
		}

		term := FragmentTerminal{
			Handle: e.spec.Handle,
			State:  state.String(),
			Reason: reason.String(),
		}
		if failure != nil {
			term.Error = failure.Error()
		}
		e.onTerminal(term)
	})
}

// Status is the periodic report row for this fragment.
func (e *FragmentExecutor) Status() FragmentStatus {
	return FragmentStatus{
		Handle:        e.spec.Handle,
		State:         e.State().String(),
		MemoryUsed:    e.allocator.Allocated(),
		RowsProcessed: e.rows.Load(),
		Blocked:       e.blocked.Load(),
		StartMillis:   e.startMillis,
	}
}

// Info is the diagnostics projection of this fragment.
func (e *FragmentExecutor) Info(nodeAddress string) FragmentInfo {
	return FragmentInfo{
		NodeAddress:   nodeAddress,
		Handle:        e.spec.Handle,
		State:         e.State().String(),
		MemoryUsed:    e.allocator.Allocated(),
		RowsProcessed: e.rows.Load(),
		StartMillis:   e.startMillis,
		Blocked:       e.blocked.Load(),
		Task:          e.Descriptor(),
		AttemptID:     e.attemptID,
	}
}
