package executor

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/sqlgrid/sqlgrid/pkg/memory"
)

// SyntheticEngine is the plan reader used when no real execution engine is
// embedded: it interprets the plan payload as a synthetic row generator.
// Deployments hosting a real engine replace it through the app options; the
// standalone binary keeps it so scheduling, admission and claw-back can be
// exercised end to end.
type SyntheticEngine struct{}

// NewSyntheticEngine builds the synthetic plan reader.
func NewSyntheticEngine() SyntheticEngine { return SyntheticEngine{} }

// syntheticPlan is the JSON payload the synthetic engine understands.
type syntheticPlan struct {
	Rows          int64 `json:"rows"`
	RowWidthBytes int64 `json:"row_width_bytes"`
	Steps         int64 `json:"steps"`
}

// ReadPlan implements PlanReader.
func (SyntheticEngine) ReadPlan(_ context.Context, spec PlanSpec, alloc memory.Allocator, _ Waker) (Pipeline, error) {
	var plan syntheticPlan
	if len(spec.Plan) > 0 {
		if err := json.Unmarshal(spec.Plan, &plan); err != nil {
			return nil, errors.Wrap(err, "decode synthetic plan")
		}
	}

	if plan.Rows < 0 || plan.RowWidthBytes < 0 || plan.Steps < 0 {
		return nil, errors.New("synthetic plan fields must not be negative")
	}
	if plan.Steps == 0 {
		plan.Steps = 1
	}
	if plan.RowWidthBytes == 0 {
		plan.RowWidthBytes = 8
	}

	return &syntheticPipeline{
		alloc:       alloc,
		rowWidth:    plan.RowWidthBytes,
		rowsPerStep: plan.Rows / plan.Steps,
		lastStep:    plan.Rows - (plan.Rows/plan.Steps)*(plan.Steps-1),
		stepsLeft:   plan.Steps,
	}, nil
}

// syntheticPipeline emits a fixed number of rows spread over a fixed number
// of quanta, holding the memory for every emitted row until Close. Holding
// the rows is what makes these fragments visible to the heap governor.
type syntheticPipeline struct {
	alloc       memory.Allocator
	rowWidth    int64
	rowsPerStep int64
	lastStep    int64
	stepsLeft   int64

	rowsEmitted int64
	held        int64
}

func (p *syntheticPipeline) Step(_ context.Context) (StepOutcome, error) {
	if p.stepsLeft == 0 {
		return StepDone, nil
	}

	rows := p.rowsPerStep
	if p.stepsLeft == 1 {
		rows = p.lastStep
	}
	p.stepsLeft--

	bytes := rows * p.rowWidth
	if bytes > 0 {
		if err := p.alloc.Allocate(bytes); err != nil {
			return StepDone, errors.Wrap(err, "allocate synthetic rows")
		}
		p.held += bytes
	}
	p.rowsEmitted += rows

	if p.stepsLeft == 0 {
		return StepDone, nil
	}
	return StepContinue, nil
}

func (p *syntheticPipeline) Stats() PipelineStats {
	return PipelineStats{
		Operators: []OperatorStats{
			{OperatorID: 0, InputRecords: []int64{p.rowsEmitted}},
		},
	}
}

func (p *syntheticPipeline) Close() error {
	if p.held > 0 {
		p.alloc.Release(p.held)
		p.held = 0
	}
	return nil
}
