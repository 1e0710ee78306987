package workstats

import (
	"flag"
	"math"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sqlgrid/sqlgrid/pkg/executor"
	"github.com/sqlgrid/sqlgrid/pkg/executor/taskpool"
	"github.com/sqlgrid/sqlgrid/pkg/util/services"
)

// Config holds the work statistics settings.
type Config struct {
	LoadCutoff     float64       `yaml:"load_cutoff"`
	LoadReduction  float64       `yaml:"load_reduction"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	SampleWindow   int           `yaml:"sample_window"`
}

// RegisterFlags registers the flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.Float64Var(&cfg.LoadCutoff, "executor.load-cutoff", 3, "Cluster load below which queries run at full parallelization width.")
	f.Float64Var(&cfg.LoadReduction, "executor.load-reduction", 0.1, "How strongly the width factor shrinks per unit of cluster load once past the cutoff.")
	f.DurationVar(&cfg.SampleInterval, "workstats.sample-interval", time.Second, "How often to sample per-thread CPU times.")
	f.IntVar(&cfg.SampleWindow, "workstats.sample-window", 60, "Number of CPU samples kept per slicing thread.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if cfg.LoadCutoff < 0 {
		return errors.New("invalid executor.load-cutoff: must be >= 0")
	}
	if cfg.LoadReduction < 0 || cfg.LoadReduction > 1 {
		return errors.New("invalid executor.load-reduction: must be in [0, 1]")
	}
	if cfg.SampleInterval <= 0 {
		return errors.New("invalid workstats.sample-interval: must be greater than 0")
	}
	if cfg.SampleWindow <= 0 {
		return errors.New("invalid workstats.sample-window: must be greater than 0")
	}
	return nil
}

// WorkStats is the read side of the execution node: cluster load, the width
// factor the planner uses to size new queries, the running fragment listing
// and per-thread CPU usage. Starting it starts the CPU sample collector; all
// other readings are computed on demand.
type WorkStats struct {
	services.Service

	cfg       Config
	exec      *executor.Executor
	pool      *taskpool.Pool
	cluster   executor.ClusterInfo
	collector *Collector
	logger    log.Logger
}

// New builds the stats view over a running executor.
func New(cfg Config, exec *executor.Executor, pool *taskpool.Pool, cluster executor.ClusterInfo, logger log.Logger, reg prometheus.Registerer) *WorkStats {
	w := &WorkStats{
		cfg:       cfg,
		exec:      exec,
		pool:      pool,
		cluster:   cluster,
		collector: NewCollector(cfg, pool, logger, reg),
		logger:    logger,
	}
	w.Service = w.collector.Service

	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sqlgrid",
		Name:      "workstats_max_width_factor",
		Help:      "Parallelization width factor offered to the planner.",
	}, w.MaxWidthFactor)

	return w
}

// ClusterLoad is the number of running fragments divided by the average
// number of execution cores per node. It returns an error, not a division by
// zero, when no executor nodes are known.
func (w *WorkStats) ClusterLoad() (float64, error) {
	cores, err := w.cluster.AverageExecutorCores()
	if err != nil {
		return 0, err
	}
	if cores <= 0 {
		return 0, executor.ErrNoExecutorNodes
	}
	return float64(w.exec.Registry().Size()) / float64(cores), nil
}

// MaxWidthFactor tells the planner how wide new queries may go: full width
// below the load cutoff, shrinking with load past it. When the cluster load
// is unknown there is nothing to justify throttling, so it reports full
// width.
func (w *WorkStats) MaxWidthFactor() float64 {
	load, err := w.ClusterLoad()
	if err != nil {
		return 1.0
	}
	return widthFactor(load, w.cfg.LoadCutoff, w.cfg.LoadReduction)
}

func widthFactor(load, cutoff, reduction float64) float64 {
	if load < cutoff {
		return 1.0
	}
	return math.Max(0, 1.0-load*reduction)
}

// RunningFragments snapshots the diagnostics projection of every live
// fragment.
func (w *WorkStats) RunningFragments() []executor.FragmentInfo {
	return w.exec.RunningFragments()
}

// SlicingThreads returns a point-in-time view of the pool's slicing threads.
func (w *WorkStats) SlicingThreads() []taskpool.ThreadInfo {
	return w.pool.SlicingThreads()
}

// CPUTrailingAverage returns the percentage of one core the slicing thread
// with the given OS thread id consumed, averaged over the trailing window.
func (w *WorkStats) CPUTrailingAverage(osThreadID, seconds int) int {
	return w.collector.CPUTrailingAverage(osThreadID, seconds)
}

// UserTrailingAverage is CPUTrailingAverage restricted to user-mode time.
func (w *WorkStats) UserTrailingAverage(osThreadID, seconds int) int {
	return w.collector.UserTrailingAverage(osThreadID, seconds)
}
