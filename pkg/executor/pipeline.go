package executor

import (
	"context"

	"github.com/sqlgrid/sqlgrid/pkg/memory"
)

// PlanSpec carries one fragment-start command from the coordinator: the
// handle, the serialized physical plan, and the planner's scheduling and
// resource hints.
type PlanSpec struct {
	Handle        FragmentHandle `json:"handle"`
	Plan          []byte         `json:"plan"`
	Priority      int64          `json:"priority"`
	EstimatedCost int64          `json:"estimated_cost"`
	MemoryHint    int64          `json:"memory_hint_bytes"`
}

// StepOutcome tells the scheduler what to do with a fragment after a quantum.
type StepOutcome int

const (
	// StepContinue means the pipeline has more work ready to run.
	StepContinue StepOutcome = iota

	// StepBlocked means the pipeline is waiting on remote input or output
	// backpressure and should be parked until woken.
	StepBlocked

	// StepDone means the pipeline has produced all of its output.
	StepDone
)

// OperatorStats holds cumulative record counts for one operator of the
// pipeline, one entry per input stream.
type OperatorStats struct {
	OperatorID   int32
	InputRecords []int64
}

// PipelineStats is a snapshot of cumulative pipeline statistics.
type PipelineStats struct {
	Operators []OperatorStats
}

// RowsProcessed estimates the rows processed by the fragment as the largest
// per-operator total of records received across that operator's inputs.
func (s PipelineStats) RowsProcessed() int64 {
	var rows int64
	for _, op := range s.Operators {
		var opRows int64
		for _, in := range op.InputRecords {
			opRows += in
		}
		if opRows > rows {
			rows = opRows
		}
	}
	return rows
}

// Pipeline is one fragment's compiled operator pipeline, implemented by the
// execution engine. Step must bound its own work: the scheduler trusts it to
// return within one quantum.
type Pipeline interface {
	Step(ctx context.Context) (StepOutcome, error)
	Stats() PipelineStats
	Close() error
}

// Waker is handed to the engine so it can signal that a blocked pipeline has
// input ready again.
type Waker interface {
	Wake()
}

// PlanReader materializes a pipeline from a physical plan, allocating through
// the fragment's allocator. Implemented by the execution engine.
type PlanReader interface {
	ReadPlan(ctx context.Context, spec PlanSpec, alloc memory.Allocator, waker Waker) (Pipeline, error)
}
