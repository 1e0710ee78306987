package executor

import (
	"github.com/sqlgrid/sqlgrid/pkg/executor/taskpool"
)

// State is the scheduler-visible lifecycle state of a fragment.
type State int32

const (
	// StateRunnable means the fragment has work ready and is queued, or is
	// currently consuming a quantum on a slicing thread.
	StateRunnable State = iota

	// StateBlocked means the fragment is parked waiting on remote input or
	// output backpressure and consumes no quanta.
	StateBlocked

	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunnable:
		return "Runnable"
	case StateBlocked:
		return "Blocked"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further quanta will ever run for a fragment in
// this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// FailureReason distinguishes why a fragment ended, so the coordinator can
// tell "resource pressure, retry" apart from "plan/data error, do not retry".
type FailureReason int32

const (
	ReasonNone FailureReason = iota
	ReasonRuntimeFault
	ReasonCancelled
	ReasonResourceExhausted
)

func (r FailureReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRuntimeFault:
		return "runtime_fault"
	case ReasonCancelled:
		return "cancelled"
	case ReasonResourceExhausted:
		return "resource_exhausted"
	default:
		return "unknown"
	}
}

// FragmentStatus is one row of a periodic status report to the coordinator.
type FragmentStatus struct {
	Handle        FragmentHandle `json:"handle"`
	State         string         `json:"state"`
	MemoryUsed    int64          `json:"memory_used_bytes"`
	RowsProcessed int64          `json:"rows_processed"`
	Blocked       bool           `json:"blocked"`
	StartMillis   int64          `json:"start_time_ms"`
}

// FragmentTerminal is the final notice sent to the coordinator for a fragment.
type FragmentTerminal struct {
	Handle FragmentHandle `json:"handle"`
	State  string         `json:"state"`
	Reason string         `json:"reason"`
	Error  string         `json:"error,omitempty"`
}

// FragmentInfo is the diagnostics projection of one running fragment, served
// on the fragments listing endpoint and to the coordinator on demand.
type FragmentInfo struct {
	NodeAddress   string                  `json:"node_address"`
	Handle        FragmentHandle          `json:"handle"`
	State         string                  `json:"state"`
	MemoryUsed    int64                   `json:"memory_used_bytes"`
	RowsProcessed int64                   `json:"rows_processed"`
	StartMillis   int64                   `json:"start_time_ms"`
	Blocked       bool                    `json:"blocked"`
	Task          taskpool.TaskDescriptor `json:"task"`
	AttemptID     string                  `json:"attempt_id"`
}
