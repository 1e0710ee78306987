package taskpool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/sqlgrid/sqlgrid/pkg/util/services"
	"github.com/sqlgrid/sqlgrid/pkg/util/test"
)

type funcTask struct {
	key      string
	priority int64
	run      func(ctx context.Context) Outcome
}

func (t *funcTask) Key() string     { return t.key }
func (t *funcTask) Priority() int64 { return t.priority }
func (t *funcTask) RunQuantum(ctx context.Context) Outcome {
	return t.run(ctx)
}

func newTestPool(t *testing.T, threads int) *Pool {
	p := New(Config{NumThreads: threads}, log.NewNopLogger(), nil)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), p))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), p))
	})
	return p
}

func assignedTasks(p *Pool) int64 {
	var total int64
	for _, ti := range p.SlicingThreads() {
		total += ti.Assigned
	}
	return total
}

func TestPoolRunsTaskToCompletion(t *testing.T) {
	p := newTestPool(t, 2)

	quanta := atomic.NewInt64(0)
	done := make(chan struct{})
	_, err := p.Submit(&funcTask{key: "q1:0:0", run: func(context.Context) Outcome {
		if quanta.Inc() < 3 {
			return OutcomeRunnable
		}
		close(done)
		return OutcomeDone
	}})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not finish")
	}

	assert.Equal(t, int64(3), quanta.Load())

	test.Poll(t, time.Second, int64(0), func() interface{} {
		return assignedTasks(p)
	})
}

func TestPoolResumesParkedTask(t *testing.T) {
	p := newTestPool(t, 1)

	parked := make(chan struct{})
	finished := make(chan struct{})
	first := atomic.NewBool(true)
	slot, err := p.Submit(&funcTask{key: "q1:0:0", run: func(context.Context) Outcome {
		if first.CompareAndSwap(true, false) {
			close(parked)
			return OutcomeBlocked
		}
		close(finished)
		return OutcomeDone
	}})
	require.NoError(t, err)

	<-parked

	// Parked tasks burn no quanta until something wakes them.
	select {
	case <-finished:
		t.Fatal("parked task ran again without a wake-up")
	case <-time.After(100 * time.Millisecond):
	}

	require.True(t, slot.Resume())

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("resumed task never ran")
	}

	test.Poll(t, time.Second, int64(0), func() interface{} {
		return assignedTasks(p)
	})
	assert.False(t, slot.Resume())
}

func TestPoolTasksAreStickyToOneThread(t *testing.T) {
	p := newTestPool(t, 4)

	var mtx sync.Mutex
	tids := map[int]struct{}{}
	quanta := atomic.NewInt64(0)
	done := make(chan struct{})

	_, err := p.Submit(&funcTask{key: "q1:0:0", run: func(context.Context) Outcome {
		mtx.Lock()
		tids[currentOSThreadID()] = struct{}{}
		mtx.Unlock()
		if quanta.Inc() < 50 {
			return OutcomeRunnable
		}
		close(done)
		return OutcomeDone
	}})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not finish")
	}

	mtx.Lock()
	defer mtx.Unlock()
	assert.Len(t, tids, 1)
}

func TestPoolSpreadsTasksAcrossThreads(t *testing.T) {
	p := newTestPool(t, 2)

	for i := 0; i < 4; i++ {
		_, err := p.Submit(&funcTask{key: fmt.Sprintf("q1:0:%d", i), run: func(context.Context) Outcome {
			return OutcomeBlocked
		}})
		require.NoError(t, err)
	}

	for _, ti := range p.SlicingThreads() {
		assert.Equal(t, int64(2), ti.Assigned, "thread %d", ti.ID)
	}
}

func TestPoolRunsHigherPriorityTasksFirst(t *testing.T) {
	p := newTestPool(t, 1)

	gate := make(chan struct{})
	_, err := p.Submit(&funcTask{key: "gate", run: func(context.Context) Outcome {
		<-gate
		return OutcomeDone
	}})
	require.NoError(t, err)

	var mtx sync.Mutex
	var order []string
	record := func(key string) func(context.Context) Outcome {
		return func(context.Context) Outcome {
			mtx.Lock()
			order = append(order, key)
			mtx.Unlock()
			return OutcomeDone
		}
	}

	_, err = p.Submit(&funcTask{key: "low", priority: 1, run: record("low")})
	require.NoError(t, err)
	_, err = p.Submit(&funcTask{key: "high", priority: 10, run: record("high")})
	require.NoError(t, err)

	close(gate)

	test.Poll(t, time.Second, 2, func() interface{} {
		mtx.Lock()
		defer mtx.Unlock()
		return len(order)
	})

	mtx.Lock()
	defer mtx.Unlock()
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestPoolBoundsStepsPerSchedulingTurn(t *testing.T) {
	p := New(Config{NumThreads: 1, QuantumSteps: 2}, log.NewNopLogger(), nil)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), p))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), p))
	})

	// Hold the thread until both tasks are queued.
	gate := make(chan struct{})
	_, err := p.Submit(&funcTask{key: "gate", priority: 100, run: func(context.Context) Outcome {
		<-gate
		return OutcomeDone
	}})
	require.NoError(t, err)

	var mtx sync.Mutex
	var order []string
	counting := func(key string) *funcTask {
		calls := atomic.NewInt64(0)
		return &funcTask{key: key, run: func(context.Context) Outcome {
			mtx.Lock()
			order = append(order, key)
			mtx.Unlock()
			if calls.Inc() < 4 {
				return OutcomeRunnable
			}
			return OutcomeDone
		}}
	}

	_, err = p.Submit(counting("a"))
	require.NoError(t, err)
	_, err = p.Submit(counting("b"))
	require.NoError(t, err)

	close(gate)

	test.Poll(t, time.Second, 8, func() interface{} {
		mtx.Lock()
		defer mtx.Unlock()
		return len(order)
	})

	// Each task runs two steps per turn, then yields the thread to the
	// other, so neither hogs the thread nor gives it up after every step.
	mtx.Lock()
	defer mtx.Unlock()
	assert.Equal(t, []string{"a", "a", "b", "b", "a", "a", "b", "b"}, order)
}

func TestPoolSubmitAfterStopReturnsErrPoolClosed(t *testing.T) {
	p := New(Config{NumThreads: 1}, log.NewNopLogger(), nil)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), p))
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), p))

	_, err := p.Submit(&funcTask{key: "q1:0:0", run: func(context.Context) Outcome {
		return OutcomeDone
	}})
	assert.Equal(t, ErrPoolClosed, err)
}

func TestPoolSurvivesPanickingTask(t *testing.T) {
	p := newTestPool(t, 1)

	_, err := p.Submit(&funcTask{key: "q1:0:0", run: func(context.Context) Outcome {
		panic("boom")
	}})
	require.NoError(t, err)

	done := make(chan struct{})
	_, err = p.Submit(&funcTask{key: "q1:0:1", run: func(context.Context) Outcome {
		close(done)
		return OutcomeDone
	}})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("thread did not survive the panic")
	}

	test.Poll(t, time.Second, int64(0), func() interface{} {
		return assignedTasks(p)
	})
}

func TestPoolMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	p := New(Config{NumThreads: 1}, log.NewNopLogger(), reg)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), p))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), p))
	})

	quanta := atomic.NewInt64(0)
	done := make(chan struct{})
	_, err := p.Submit(&funcTask{key: "q1:0:0", run: func(context.Context) Outcome {
		if quanta.Inc() < 2 {
			return OutcomeRunnable
		}
		close(done)
		return OutcomeDone
	}})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not finish")
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(p.submittedTasks))
	test.Poll(t, time.Second, 2.0, func() interface{} {
		return testutil.ToFloat64(p.quantaTotal)
	})
	test.Poll(t, time.Second, 1.0, func() interface{} {
		return testutil.ToFloat64(p.completedTasks)
	})
}
