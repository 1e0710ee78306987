package executor

import (
	"context"
	"flag"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sqlgrid/sqlgrid/pkg/executor/admission"
	"github.com/sqlgrid/sqlgrid/pkg/executor/taskpool"
	"github.com/sqlgrid/sqlgrid/pkg/memory"
	"github.com/sqlgrid/sqlgrid/pkg/util"
	"github.com/sqlgrid/sqlgrid/pkg/util/flagext"
	"github.com/sqlgrid/sqlgrid/pkg/util/services"
	"github.com/sqlgrid/sqlgrid/pkg/util/spanlogger"
)

// Config holds the executor settings.
type Config struct {
	NodeAddress         string        `yaml:"node_address"`
	MemoryLimit         flagext.Bytes `yaml:"memory_limit"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`
	NotificationWorkers int           `yaml:"notification_workers"`
	NotificationTimeout time.Duration `yaml:"notification_timeout"`

	Reporter ReporterConfig `yaml:"status_reporting"`
}

// RegisterFlags registers the flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.NodeAddress, "executor.node-address", "", "Address advertised in fragment reports. Defaults to the hostname.")
	f.Var(&cfg.MemoryLimit, "executor.memory-limit", "Hard cap on memory reserved by fragment execution. 0 disables the cap; the admission budget still applies.")
	f.DurationVar(&cfg.DrainTimeout, "executor.drain-timeout", 5*time.Second, "How long a graceful shutdown waits for running fragments before cancelling them.")
	f.IntVar(&cfg.NotificationWorkers, "executor.notification-workers", 4, "Goroutines delivering terminal fragment notices to the coordinator.")
	f.DurationVar(&cfg.NotificationTimeout, "executor.notification-timeout", 10*time.Second, "Timeout for delivering one terminal notice.")
	cfg.Reporter.RegisterFlags(f)
}

// Validate the config.
func (cfg *Config) Validate() error {
	if cfg.DrainTimeout <= 0 {
		return errors.New("invalid executor.drain-timeout: must be greater than 0")
	}
	if cfg.NotificationWorkers <= 0 {
		return errors.New("invalid executor.notification-workers: must be greater than 0")
	}
	return cfg.Reporter.Validate()
}

// Executor is the lifecycle manager for fragment execution on this node. It
// owns the root allocator, the fragment registry and the admission clerk,
// schedules admitted fragments on the task pool, and keeps the coordinator
// informed about them.
//
// On shutdown it waits up to the drain timeout for running fragments, then
// cancels whatever is left, so a stuck fragment can delay but never wedge
// the process.
type Executor struct {
	services.Service

	cfg    Config
	logger log.Logger

	registry  *FragmentRegistry
	clerk     *admission.Clerk
	rootAlloc memory.Allocator
	pool      *taskpool.Pool
	planner   PlanReader
	coord     CoordinatorClient

	reporter *StatusReporter

	// notifyMtx orders terminal notices against shutdown: once
	// notifyStopped is set no fragment may submit to the stopped pool.
	notifyMtx     sync.RWMutex
	notifyStopped bool
	notify        util.AsyncExecutor

	startedFragments  prometheus.Counter
	finishedFragments *prometheus.CounterVec
}

// New builds the executor and the components it owns. The pool must outlive
// the executor; module wiring guarantees that by making the executor depend
// on it.
func New(cfg Config, admissionCfg admission.Config, pool *taskpool.Pool, planner PlanReader, coord CoordinatorClient, logger log.Logger, reg prometheus.Registerer) (*Executor, error) {
	if cfg.NodeAddress == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, errors.Wrap(err, "resolve node address")
		}
		cfg.NodeAddress = host
	}

	e := &Executor{
		cfg:       cfg,
		logger:    logger,
		rootAlloc: memory.NewRoot("executor", int64(cfg.MemoryLimit), reg),
		registry:  NewFragmentRegistry(reg),
		pool:      pool,
		planner:   planner,
		coord:     coord,
		notify:    util.NewWorkerPool("executor-notifications", cfg.NotificationWorkers, reg),

		startedFragments: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "sqlgrid",
			Name:      "executor_started_fragments_total",
			Help:      "Total number of fragments admitted and scheduled.",
		}),
		finishedFragments: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlgrid",
			Name:      "executor_finished_fragments_total",
			Help:      "Total number of fragments that reached a terminal state.",
		}, []string{"state"}),
	}
	e.clerk = admission.NewClerk(admissionCfg, nil, e.rootAlloc, logger, reg)
	e.reporter = NewStatusReporter(cfg.Reporter, e, coord, logger, reg)

	e.Service = services.NewIdleService(e.starting, e.stopping).WithName("executor")
	return e, nil
}

func (e *Executor) starting(ctx context.Context) error {
	if err := services.StartAndAwaitRunning(ctx, e.reporter); err != nil {
		return errors.Wrap(err, "start status reporter")
	}

	level.Info(e.logger).Log("msg", "executor up", "node", e.cfg.NodeAddress, "drain_timeout", e.cfg.DrainTimeout)
	return nil
}

func (e *Executor) stopping(_ error) error {
	if err := e.WaitToExit(context.Background()); err != nil {
		level.Warn(e.logger).Log("msg", "graceful drain incomplete, cancelling remaining fragments", "err", err)
		for _, fe := range e.registry.Snapshot() {
			fe.Cancel(ReasonCancelled)
		}
	}

	// Tear everything down even when parts of it fail, and report all of
	// the failures rather than the first.
	errs := util.NewMultiError()
	errs.Add(services.StopAndAwaitTerminated(context.Background(), e.reporter))

	e.notifyMtx.Lock()
	e.notifyStopped = true
	e.notifyMtx.Unlock()
	e.notify.Stop()

	errs.Add(e.clerk.Close())
	errs.Add(e.rootAlloc.Close())

	level.Info(e.logger).Log("msg", "executor stopped")
	return errs.Err()
}

// StartFragment admits, registers and schedules one fragment. Errors
// distinguish admission denial, duplicate handles and shutdown so the
// coordinator can react to each differently.
func (e *Executor) StartFragment(ctx context.Context, spec PlanSpec) error {
	spanLog, ctx := spanlogger.NewWithLogger(ctx, e.logger, "Executor.StartFragment")
	defer spanLog.Finish()
	spanLog.SetTag("fragment", spec.Handle.String())

	if e.State() != services.Running {
		return ErrExecutorNotRunning
	}

	handle := spec.Handle
	if e.registry.Has(handle) {
		return DuplicateFragmentError{Handle: handle}
	}

	ticket, err := e.clerk.Admit(admission.Request{
		QueryID:       handle.QueryID,
		FragmentKey:   handle.String(),
		MemoryHint:    spec.MemoryHint,
		EstimatedCost: spec.EstimatedCost,
	})
	if err != nil {
		return spanLog.Error(err)
	}

	// Past this point every failure path must give the admission seat back.
	alloc := ticket.Allocator().NewChild(handle.String(), 0)
	fe := newFragmentExecutor(spec, alloc, e.logger, e.onTerminal)

	pipeline, err := e.planner.ReadPlan(ctx, spec, alloc, fe)
	if err != nil {
		e.releaseFragmentResources(alloc, handle)
		return spanLog.Error(errors.Wrapf(err, "read plan for fragment %s", handle))
	}
	fe.pipeline = pipeline

	if err := e.registry.Register(fe); err != nil {
		_ = pipeline.Close()
		e.releaseFragmentResources(alloc, handle)
		return err
	}

	slot, err := e.pool.Submit(fe)
	if err != nil {
		e.registry.Deregister(handle)
		_ = pipeline.Close()
		e.releaseFragmentResources(alloc, handle)
		return err
	}
	fe.bindSlot(slot)

	e.startedFragments.Inc()
	level.Debug(e.logger).Log("msg", "fragment started", "fragment", handle, "attempt", fe.AttemptID(), "priority", spec.Priority)
	return nil
}

func (e *Executor) releaseFragmentResources(alloc memory.Allocator, handle FragmentHandle) {
	if err := alloc.Close(); err != nil {
		if leaked := alloc.Allocated(); leaked > 0 {
			alloc.Release(leaked)
		}
		_ = alloc.Close()
	}
	e.clerk.Release(handle.QueryID, handle.String())
}

// onTerminal runs on the fragment's slicing thread, right after its pipeline
// and allocator have been closed.
func (e *Executor) onTerminal(term FragmentTerminal) {
	e.registry.Deregister(term.Handle)
	e.clerk.Release(term.Handle.QueryID, term.Handle.String())
	e.finishedFragments.WithLabelValues(term.State).Inc()

	level.Info(e.logger).Log("msg", "fragment finished", "fragment", term.Handle, "state", term.State, "reason", term.Reason)

	e.notifyMtx.RLock()
	defer e.notifyMtx.RUnlock()

	if e.notifyStopped {
		level.Warn(e.logger).Log("msg", "dropping terminal fragment notice, executor already stopped", "fragment", term.Handle)
		return
	}

	// Delivering the notice must not hold up the slicing thread.
	e.notify.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.NotificationTimeout)
		defer cancel()

		if err := e.coord.ReportTerminal(ctx, term); err != nil {
			level.Warn(e.logger).Log("msg", "failed to deliver terminal fragment notice", "fragment", term.Handle, "err", err)
		}
	})
}

// CancelFragment requests cooperative cancellation of one fragment. An
// unknown handle reports false; completion may have raced the cancel.
func (e *Executor) CancelFragment(handle FragmentHandle) bool {
	fe, ok := e.registry.Get(handle)
	if !ok {
		return false
	}
	fe.Cancel(ReasonCancelled)
	return true
}

// WaitToExit blocks until every live fragment has deregistered, bounded by
// the configured drain timeout. It returns immediately when nothing is
// running.
func (e *Executor) WaitToExit(ctx context.Context) error {
	empty := e.registry.WaitEmpty()
	select {
	case <-empty:
		return nil
	default:
	}

	level.Info(e.logger).Log("msg", "waiting for running fragments to finish", "fragments", e.registry.Size(), "timeout", e.cfg.DrainTimeout)

	timer := time.NewTimer(e.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-empty:
		return nil
	case <-timer.C:
		return errors.Errorf("drain timed out after %s with %d fragments still running", e.cfg.DrainTimeout, e.registry.Size())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunningStatuses snapshots the status of every live fragment.
func (e *Executor) RunningStatuses() []FragmentStatus {
	live := e.registry.Snapshot()

	out := make([]FragmentStatus, 0, len(live))
	for _, fe := range live {
		out = append(out, fe.Status())
	}
	return out
}

// RunningFragments snapshots the diagnostics projection of every live
// fragment, ordered by handle.
func (e *Executor) RunningFragments() []FragmentInfo {
	live := e.registry.Snapshot()

	out := make([]FragmentInfo, 0, len(live))
	for _, fe := range live {
		out = append(out, fe.Info(e.cfg.NodeAddress))
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Handle, out[j].Handle
		if a.QueryID != b.QueryID {
			return a.QueryID < b.QueryID
		}
		if a.MajorFragmentID != b.MajorFragmentID {
			return a.MajorFragmentID < b.MajorFragmentID
		}
		return a.MinorFragmentID < b.MinorFragmentID
	})
	return out
}

// Registry returns the live fragment registry.
func (e *Executor) Registry() *FragmentRegistry { return e.registry }

// RootAllocator returns the allocator all fragment memory is carved from.
func (e *Executor) RootAllocator() memory.Allocator { return e.rootAlloc }

// Tickets snapshots the live admission tickets.
func (e *Executor) Tickets() []admission.TicketInfo { return e.clerk.Snapshot() }

// NodeAddress returns the address advertised in fragment reports.
func (e *Executor) NodeAddress() string { return e.cfg.NodeAddress }
