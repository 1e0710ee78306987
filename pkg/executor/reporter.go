package executor

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sqlgrid/sqlgrid/pkg/util/backoff"
	"github.com/sqlgrid/sqlgrid/pkg/util/services"
)

// ReporterConfig holds the periodic status reporting settings.
type ReporterConfig struct {
	Interval time.Duration  `yaml:"interval"`
	Backoff  backoff.Config `yaml:"backoff"`
}

// RegisterFlags registers the flags.
func (cfg *ReporterConfig) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.Interval, "executor.report-interval", 5*time.Second, "How often running fragment statuses are reported to the coordinator.")
	cfg.Backoff.RegisterFlagsWithPrefix("executor.report", f)
}

// Validate the config.
func (cfg *ReporterConfig) Validate() error {
	if cfg.Interval <= 0 {
		return errors.New("invalid executor.report-interval: must be greater than 0")
	}
	return nil
}

// StatusReporter periodically ships the status of every running fragment to
// the coordinator. Delivery failures are retried with backoff and never fail
// the reporter itself; a report that exhausts its retries is dropped, the
// next tick sends fresh statuses anyway.
type StatusReporter struct {
	services.Service

	cfg    ReporterConfig
	exec   *Executor
	coord  CoordinatorClient
	logger log.Logger

	reports       prometheus.Counter
	failedReports prometheus.Counter
}

// NewStatusReporter builds the reporter for exec. It reports nothing until
// its service is started.
func NewStatusReporter(cfg ReporterConfig, exec *Executor, coord CoordinatorClient, logger log.Logger, reg prometheus.Registerer) *StatusReporter {
	r := &StatusReporter{
		cfg:    cfg,
		exec:   exec,
		coord:  coord,
		logger: logger,

		reports: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "sqlgrid",
			Name:      "executor_status_reports_total",
			Help:      "Total number of status reports delivered to the coordinator.",
		}),
		failedReports: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "sqlgrid",
			Name:      "executor_status_report_failures_total",
			Help:      "Total number of status reports dropped after exhausting retries.",
		}),
	}

	r.Service = services.NewTimerService(cfg.Interval, nil, r.iteration, nil).WithName("status-reporter")
	return r
}

func (r *StatusReporter) iteration(ctx context.Context) error {
	statuses := r.exec.RunningStatuses()
	if len(statuses) == 0 {
		return nil
	}

	boff := backoff.New(ctx, r.cfg.Backoff)
	var lastErr error
	for boff.Ongoing() {
		lastErr = r.coord.ReportStatus(ctx, statuses)
		if lastErr == nil {
			r.reports.Inc()
			return nil
		}

		level.Warn(r.logger).Log("msg", "failed to report fragment statuses, retrying", "err", lastErr)
		boff.Wait()
	}

	r.failedReports.Inc()
	level.Error(r.logger).Log("msg", "dropped fragment status report", "fragments", len(statuses), "err", lastErr, "retries", boff.NumRetries())
	return nil
}
