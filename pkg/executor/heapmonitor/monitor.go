package heapmonitor

import (
	"context"
	"flag"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sqlgrid/sqlgrid/pkg/executor"
	"github.com/sqlgrid/sqlgrid/pkg/util/flagext"
	"github.com/sqlgrid/sqlgrid/pkg/util/services"
)

// Config holds the heap monitor settings.
type Config struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	ThresholdPercent float64       `yaml:"threshold_percent"`
	HeapLimit        flagext.Bytes `yaml:"heap_limit"`
}

// RegisterFlags registers the flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, "heap-monitor.enabled", false, "Enable the heap monitor. It cancels the most memory-hungry queries when process memory crosses the threshold.")
	f.DurationVar(&cfg.Interval, "heap-monitor.interval", 10*time.Second, "How often to sample process memory.")
	f.Float64Var(&cfg.ThresholdPercent, "heap-monitor.threshold-percent", 85, "Claw back memory when usage exceeds this percentage of the heap limit.")
	f.Var(&cfg.HeapLimit, "heap-monitor.heap-limit", "Memory ceiling the threshold applies to. 0 means the runtime's soft memory limit if set, otherwise total system memory.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if cfg.Interval <= 0 {
		return errors.New("invalid heap-monitor.interval: must be greater than 0")
	}
	if cfg.ThresholdPercent <= 0 || cfg.ThresholdPercent > 100 {
		return errors.New("invalid heap-monitor.threshold-percent: must be in (0, 100]")
	}
	return nil
}

// Target is one cancellable unit of running work.
type Target interface {
	Handle() executor.FragmentHandle
	MemoryUsed() int64
	Cancelling() bool
	Cancel(reason executor.FailureReason)
}

// TargetSource lists the live work eligible for claw-back.
type TargetSource interface {
	ClawBackTargets() []Target
}

type registrySource struct {
	registry *executor.FragmentRegistry
}

// NewRegistrySource exposes the fragment registry's live fragments as
// claw-back targets.
func NewRegistrySource(registry *executor.FragmentRegistry) TargetSource {
	return registrySource{registry: registry}
}

func (s registrySource) ClawBackTargets() []Target {
	live := s.registry.Snapshot()

	out := make([]Target, 0, len(live))
	for _, fe := range live {
		out = append(out, fe)
	}
	return out
}

// Monitor samples process memory on a timer and, when usage crosses the
// configured share of the heap limit, cancels the greediest queries until the
// overshoot is covered. It kills at most one batch per tick: cancellation is
// cooperative and takes time to free memory, so escalating within a tick
// would cancel queries whose relief is already on the way.
type Monitor struct {
	services.Service

	cfg      Config
	logger   log.Logger
	scanner  UsageScanner
	source   TargetSource
	strategy ClawBackStrategy
	limit    int64

	heapBytes  prometheus.Gauge
	rssBytes   prometheus.Gauge
	limitBytes prometheus.Gauge
	cycles     prometheus.Counter
	victims    prometheus.Counter
}

// New builds the production monitor over the given target source.
func New(cfg Config, source TargetSource, logger log.Logger, reg prometheus.Registerer) (*Monitor, error) {
	return newMonitor(cfg, source, NewProcessScanner(), FailGreediestQueriesStrategy{}, logger, reg)
}

func newMonitor(cfg Config, source TargetSource, scanner UsageScanner, strategy ClawBackStrategy, logger log.Logger, reg prometheus.Registerer) (*Monitor, error) {
	limit := int64(cfg.HeapLimit)
	if limit == 0 {
		var err error
		limit, err = detectHeapLimit()
		if err != nil {
			return nil, errors.Wrap(err, "detect heap limit")
		}
	}

	m := &Monitor{
		cfg:      cfg,
		logger:   logger,
		scanner:  scanner,
		source:   source,
		strategy: strategy,
		limit:    limit,

		heapBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "sqlgrid",
			Name:      "heap_monitor_heap_bytes",
			Help:      "Live Go heap bytes from the last sample.",
		}),
		rssBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "sqlgrid",
			Name:      "heap_monitor_rss_bytes",
			Help:      "Process resident set size from the last sample.",
		}),
		limitBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "sqlgrid",
			Name:      "heap_monitor_limit_bytes",
			Help:      "Memory ceiling the claw-back threshold applies to.",
		}),
		cycles: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "sqlgrid",
			Name:      "heap_monitor_clawback_cycles_total",
			Help:      "Total number of claw-back cycles triggered by memory pressure.",
		}),
		victims: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "sqlgrid",
			Name:      "heap_monitor_clawback_victim_fragments_total",
			Help:      "Total number of fragments cancelled to relieve memory pressure.",
		}),
	}

	m.Service = services.NewTimerService(cfg.Interval, m.starting, m.iteration, nil).WithName("heap-monitor")
	return m, nil
}

func (m *Monitor) starting(_ context.Context) error {
	m.limitBytes.Set(float64(m.limit))
	level.Info(m.logger).Log("msg", "heap monitor up", "limit", humanize.IBytes(uint64(m.limit)),
		"threshold_percent", m.cfg.ThresholdPercent, "interval", m.cfg.Interval)
	return nil
}

func (m *Monitor) iteration(_ context.Context) error {
	usage, err := m.scanner.Scan()
	if err != nil {
		level.Warn(m.logger).Log("msg", "failed to sample process memory", "err", err)
		return nil
	}
	m.heapBytes.Set(float64(usage.HeapBytes))
	m.rssBytes.Set(float64(usage.RSSBytes))

	used := usage.HeapBytes
	if usage.RSSBytes > used {
		used = usage.RSSBytes
	}

	threshold := int64(float64(m.limit) * m.cfg.ThresholdPercent / 100)
	if used <= threshold {
		return nil
	}

	m.clawBack(used, threshold)
	return nil
}

func (m *Monitor) clawBack(used, threshold int64) {
	m.cycles.Inc()

	targets := m.source.ClawBackTargets()
	byHandle := make(map[executor.FragmentHandle]Target, len(targets))
	candidates := make([]Candidate, 0, len(targets))
	for _, t := range targets {
		// Work already unwinding will free its memory on its own.
		// Counting it as fresh relief would stall the claw-back on a
		// victim that was already sacrificed.
		if t.Cancelling() {
			continue
		}
		byHandle[t.Handle()] = t
		candidates = append(candidates, Candidate{Handle: t.Handle(), MemoryUsed: t.MemoryUsed()})
	}

	target := used - threshold
	victims := m.strategy.SelectVictims(candidates, target)
	if len(victims) == 0 {
		level.Warn(m.logger).Log("msg", "heap pressure with no claw-back candidates",
			"used", humanize.IBytes(uint64(used)), "limit", humanize.IBytes(uint64(m.limit)))
		return
	}

	var relief int64
	queries := make(map[uint64]struct{})
	for _, v := range victims {
		relief += v.MemoryUsed
		queries[v.Handle.QueryID] = struct{}{}
		byHandle[v.Handle].Cancel(executor.ReasonResourceExhausted)
	}
	m.victims.Add(float64(len(victims)))

	level.Warn(m.logger).Log("msg", "heap claw-back",
		"used", humanize.IBytes(uint64(used)),
		"threshold", humanize.IBytes(uint64(threshold)),
		"target", humanize.IBytes(uint64(target)),
		"estimated_relief", humanize.IBytes(uint64(relief)),
		"victim_queries", len(queries),
		"victim_fragments", len(victims))
}
