package taskpool

import (
	"context"
	"flag"
	"runtime"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sqlgrid/sqlgrid/pkg/util"
	"github.com/sqlgrid/sqlgrid/pkg/util/services"
)

// ErrPoolClosed is returned by Submit once the pool has begun shutting down.
var ErrPoolClosed = errors.New("task pool is closed")

const defaultQuantumSteps = 10

// Config holds the task pool settings.
type Config struct {
	NumThreads   int `yaml:"num_slicing_threads"`
	QuantumSteps int `yaml:"quantum_steps"`
}

// RegisterFlags registers the flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.NumThreads, "taskpool.num-slicing-threads", 0, "Number of slicing threads multiplexing fragment execution. 0 means one per CPU core.")
	f.IntVar(&cfg.QuantumSteps, "taskpool.quantum-steps", defaultQuantumSteps, "Pipeline steps one task may run per scheduling turn before its thread moves on to the next runnable task. 0 means the default.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if cfg.NumThreads < 0 {
		return errors.New("invalid taskpool.num-slicing-threads: must be >= 0")
	}
	if cfg.QuantumSteps < 0 {
		return errors.New("invalid taskpool.quantum-steps: must be >= 0")
	}
	return nil
}

// Pool schedules cooperative tasks across a fixed set of slicing threads.
// Each slicing thread is locked to one OS thread, owns a priority runnable
// queue and time-slices across the tasks assigned to it. A task is sticky to
// the thread it was submitted to for its whole life.
type Pool struct {
	services.Service

	cfg    Config
	logger log.Logger

	// quantumCtx is the service context; it is passed to every RunQuantum
	// so tasks can observe pool shutdown.
	quantumCtx context.Context

	mtx     sync.Mutex
	closed  bool
	threads []*thread

	wg sync.WaitGroup

	submittedTasks prometheus.Counter
	completedTasks prometheus.Counter
	quantaTotal    prometheus.Counter
	runnableLength *prometheus.GaugeVec
}

// New builds the pool. The pool does not schedule anything until its service
// is started.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer) *Pool {
	if cfg.QuantumSteps <= 0 {
		cfg.QuantumSteps = defaultQuantumSteps
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger,
		submittedTasks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "sqlgrid",
			Name:      "taskpool_tasks_submitted_total",
			Help:      "Total number of tasks accepted by the pool.",
		}),
		completedTasks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "sqlgrid",
			Name:      "taskpool_tasks_completed_total",
			Help:      "Total number of tasks that reached a terminal state.",
		}),
		quantaTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "sqlgrid",
			Name:      "taskpool_quanta_total",
			Help:      "Total number of execution quanta run by all slicing threads.",
		}),
		runnableLength: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sqlgrid",
			Name:      "taskpool_runnable",
			Help:      "Number of runnable tasks queued per slicing thread.",
		}, []string{"thread"}),
	}

	p.Service = services.NewBasicService(p.starting, p.running, p.stopping).WithName("taskpool")
	return p
}

func (p *Pool) starting(ctx context.Context) error {
	n := p.cfg.NumThreads
	if n == 0 {
		n = runtime.NumCPU()
	}

	p.quantumCtx = ctx

	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.threads = make([]*thread, 0, n)
	for i := 0; i < n; i++ {
		t := &thread{
			id:    i,
			queue: util.NewPriorityQueue(p.runnableLength.WithLabelValues(strconv.Itoa(i))),
		}
		p.threads = append(p.threads, t)

		p.wg.Add(1)
		go p.run(t)
	}

	level.Info(p.logger).Log("msg", "task pool started", "threads", n)
	return nil
}

func (p *Pool) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (p *Pool) stopping(_ error) error {
	p.mtx.Lock()
	p.closed = true
	threads := p.threads
	p.mtx.Unlock()

	// By now the executor has drained or cancelled its fragments. Anything
	// still queued is discarded; its owner was told to unwind already.
	var leftover int64
	for _, t := range threads {
		t.queue.DiscardAndClose()
		leftover += t.assigned.Load()
	}
	p.wg.Wait()

	if leftover > 0 {
		level.Warn(p.logger).Log("msg", "task pool stopped with tasks still assigned", "tasks", leftover)
	} else {
		level.Info(p.logger).Log("msg", "task pool stopped")
	}
	return nil
}

// Submit hands a task to the least-loaded slicing thread and returns the Slot
// binding the two. Returns ErrPoolClosed once the pool has begun shutting
// down.
func (p *Pool) Submit(task Task) (*Slot, error) {
	p.mtx.Lock()
	if p.closed || len(p.threads) == 0 {
		p.mtx.Unlock()
		return nil, ErrPoolClosed
	}

	t := p.threads[0]
	for _, candidate := range p.threads[1:] {
		if candidate.assigned.Load() < t.assigned.Load() {
			t = candidate
		}
	}
	t.assigned.Inc()
	p.mtx.Unlock()

	slot := &Slot{thread: t, task: task}
	if !slot.enqueue() {
		t.assigned.Dec()
		return nil, ErrPoolClosed
	}

	p.submittedTasks.Inc()
	return slot, nil
}

// SlicingThreads returns a point-in-time view of every slicing thread. It
// never blocks scheduling.
func (p *Pool) SlicingThreads() []ThreadInfo {
	p.mtx.Lock()
	threads := p.threads
	p.mtx.Unlock()

	infos := make([]ThreadInfo, 0, len(threads))
	for _, t := range threads {
		infos = append(infos, ThreadInfo{
			ID:         t.id,
			OSThreadID: int(t.osThreadID.Load()),
			Assigned:   t.assigned.Load(),
			Quanta:     t.quanta.Load(),
			Runnable:   t.queue.Length(),
		})
	}
	return infos
}

func (p *Pool) run(t *thread) {
	defer p.wg.Done()

	// Stay on one OS thread so per-thread CPU accounting in /proc works.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	t.osThreadID.Store(int64(currentOSThreadID()))

	for {
		op := t.queue.Dequeue()
		if op == nil {
			return
		}
		slot := op.(*Slot)
		slot.queued.Store(false)

		// A wake-up can race a task's completion and leave the dead
		// slot queued once more.
		if slot.done.Load() {
			continue
		}

		switch p.runQuantum(t, slot) {
		case OutcomeRunnable:
			slot.enqueue()
		case OutcomeBlocked:
			// Parked. Resume re-enqueues it when input is ready.
		case OutcomeDone:
			p.finishTask(t, slot)
		}
	}
}

// runQuantum gives the task one scheduling turn: up to quantum-steps pipeline
// steps, cut short as soon as the task blocks or finishes. Cancellation is
// observed by the task at every step, so latency stays bounded by one step
// even mid-turn.
func (p *Pool) runQuantum(t *thread, s *Slot) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(p.logger).Log("msg", "task panicked during quantum, dropping it",
				"task", s.task.Key(), "thread", t.id, "panic", r)
			out = OutcomeDone
		}
	}()

	for i := 0; i < p.cfg.QuantumSteps; i++ {
		t.quanta.Inc()
		p.quantaTotal.Inc()

		if out = s.task.RunQuantum(p.quantumCtx); out != OutcomeRunnable {
			return out
		}
	}
	return OutcomeRunnable
}

func (p *Pool) finishTask(t *thread, s *Slot) {
	if s.done.CompareAndSwap(false, true) {
		t.assigned.Dec()
		p.completedTasks.Inc()
	}
}
