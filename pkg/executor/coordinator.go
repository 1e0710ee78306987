package executor

import (
	"context"
	"flag"
	"runtime"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// CoordinatorClient delivers status and terminal notices to the coordinator
// that dispatched the fragments. Implemented by the hosting process's RPC
// layer.
type CoordinatorClient interface {
	ReportStatus(ctx context.Context, statuses []FragmentStatus) error
	ReportTerminal(ctx context.Context, terminal FragmentTerminal) error
}

// ClusterInfo supplies cluster topology facts used for load reporting.
type ClusterInfo interface {
	// AverageExecutorCores is the mean number of execution cores per
	// executor node. Returns an error when no executor nodes are known.
	AverageExecutorCores() (int64, error)

	// ExecutorNodeCount is the number of executor nodes currently known.
	ExecutorNodeCount() int
}

type logCoordinator struct {
	logger log.Logger
}

// NewLogCoordinator returns a CoordinatorClient that only logs reports. It is
// used when the node runs without a coordinator endpoint configured.
func NewLogCoordinator(logger log.Logger) CoordinatorClient {
	return &logCoordinator{logger: logger}
}

func (c *logCoordinator) ReportStatus(_ context.Context, statuses []FragmentStatus) error {
	level.Debug(c.logger).Log("msg", "fragment status report", "fragments", len(statuses))
	return nil
}

func (c *logCoordinator) ReportTerminal(_ context.Context, terminal FragmentTerminal) error {
	level.Info(c.logger).Log("msg", "fragment terminal report", "fragment", terminal.Handle,
		"state", terminal.State, "reason", terminal.Reason, "err", terminal.Error)
	return nil
}

type staticClusterInfo struct {
	cores int64
	nodes int
}

// NewStaticClusterInfo returns a ClusterInfo with fixed topology, used for
// single node deployments and tests.
func NewStaticClusterInfo(avgCores int64, nodes int) ClusterInfo {
	return staticClusterInfo{cores: avgCores, nodes: nodes}
}

func (s staticClusterInfo) AverageExecutorCores() (int64, error) {
	if s.cores <= 0 || s.nodes <= 0 {
		return 0, ErrNoExecutorNodes
	}
	return s.cores, nil
}

func (s staticClusterInfo) ExecutorNodeCount() int { return s.nodes }

// ClusterConfig describes the executor topology used for cluster load
// reporting. A richer deployment would learn this from cluster membership;
// the static config keeps single node and test setups honest.
type ClusterConfig struct {
	AverageExecutorCores int64 `yaml:"average_executor_cores"`
	ExecutorNodes        int   `yaml:"executor_nodes"`
}

// RegisterFlags registers the flags.
func (cfg *ClusterConfig) RegisterFlags(f *flag.FlagSet) {
	f.Int64Var(&cfg.AverageExecutorCores, "cluster.average-executor-cores", 0, "Mean number of execution cores per executor node. 0 means the local CPU count.")
	f.IntVar(&cfg.ExecutorNodes, "cluster.executor-nodes", 1, "Number of executor nodes in the cluster. 0 means the topology is unknown and load reporting fails.")
}

// Validate the config.
func (cfg *ClusterConfig) Validate() error {
	if cfg.AverageExecutorCores < 0 {
		return errors.New("invalid cluster.average-executor-cores: must be >= 0")
	}
	if cfg.ExecutorNodes < 0 {
		return errors.New("invalid cluster.executor-nodes: must be >= 0")
	}
	return nil
}

// ClusterInfo builds the topology view the config describes.
func (cfg ClusterConfig) ClusterInfo() ClusterInfo {
	cores := cfg.AverageExecutorCores
	if cores == 0 {
		cores = int64(runtime.NumCPU())
	}
	return NewStaticClusterInfo(cores, cfg.ExecutorNodes)
}
