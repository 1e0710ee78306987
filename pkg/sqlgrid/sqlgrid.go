package sqlgrid

import (
	"context"
	"flag"
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/weaveworks/common/server"
	"github.com/weaveworks/common/signals"

	"github.com/sqlgrid/sqlgrid/pkg/api"
	"github.com/sqlgrid/sqlgrid/pkg/executor"
	"github.com/sqlgrid/sqlgrid/pkg/executor/admission"
	"github.com/sqlgrid/sqlgrid/pkg/executor/heapmonitor"
	"github.com/sqlgrid/sqlgrid/pkg/executor/taskpool"
	"github.com/sqlgrid/sqlgrid/pkg/executor/workstats"
	"github.com/sqlgrid/sqlgrid/pkg/util"
	util_log "github.com/sqlgrid/sqlgrid/pkg/util/log"
	"github.com/sqlgrid/sqlgrid/pkg/util/modules"
	"github.com/sqlgrid/sqlgrid/pkg/util/services"
)

// The design pattern for SQLGrid is a series of config objects, which are
// registered for command line flags, and then a series of modules that are
// instantiated and composed. Some rules of thumb:
// - Config types should only contain 'simple' types (ints, strings, urls etc).
// - Config types should map 1:1 with a component type.
// - Config types should define flags with a common prefix.
// - First argument for a component's constructor should be its matching
//   config object.

// Config is the root config for the SQLGrid executor node.
type Config struct {
	Target      string `yaml:"target"`
	PrintConfig bool   `yaml:"-"`

	Server      server.Config              `yaml:"server"`
	Executor    executor.Config            `yaml:"executor"`
	Admission   admission.Config           `yaml:"admission"`
	TaskPool    taskpool.Config            `yaml:"task_pool"`
	WorkStats   workstats.Config           `yaml:"work_stats"`
	HeapMonitor heapmonitor.Config         `yaml:"heap_monitor"`
	Coordinator executor.CoordinatorConfig `yaml:"coordinator"`
	Cluster     executor.ClusterConfig     `yaml:"cluster"`
}

// RegisterFlags registers flags.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Server.MetricsNamespace = "sqlgrid"
	c.Server.ExcludeRequestInLog = true

	f.StringVar(&c.Target, "target", Executor, "Module to run.")
	f.BoolVar(&c.PrintConfig, "print.config", false, "Print the config and exit.")

	c.Server.RegisterFlags(f)
	c.Executor.RegisterFlags(f)
	c.Admission.RegisterFlags(f)
	c.TaskPool.RegisterFlags(f)
	c.WorkStats.RegisterFlags(f)
	c.HeapMonitor.RegisterFlags(f)
	c.Coordinator.RegisterFlags(f)
	c.Cluster.RegisterFlags(f)
}

// Validate the root config.
func (c *Config) Validate() error {
	if c.Target == "" {
		return errors.New("target must not be empty")
	}
	if err := c.Executor.Validate(); err != nil {
		return errors.Wrap(err, "invalid executor config")
	}
	if err := c.Admission.Validate(); err != nil {
		return errors.Wrap(err, "invalid admission config")
	}
	if err := c.TaskPool.Validate(); err != nil {
		return errors.Wrap(err, "invalid task_pool config")
	}
	if err := c.WorkStats.Validate(); err != nil {
		return errors.Wrap(err, "invalid work_stats config")
	}
	if err := c.HeapMonitor.Validate(); err != nil {
		return errors.Wrap(err, "invalid heap_monitor config")
	}
	if err := c.Coordinator.Validate(); err != nil {
		return errors.Wrap(err, "invalid coordinator config")
	}
	if err := c.Cluster.Validate(); err != nil {
		return errors.Wrap(err, "invalid cluster config")
	}
	return nil
}

// Option customizes the seams an embedding process may replace.
type Option func(*App)

// WithPlanReader replaces the synthetic engine with a real one.
func WithPlanReader(pr executor.PlanReader) Option {
	return func(a *App) { a.planReader = pr }
}

// WithCoordinatorClient replaces the client built from the coordinator
// config.
func WithCoordinatorClient(c executor.CoordinatorClient) Option {
	return func(a *App) { a.coordinator = c }
}

// WithClusterInfo replaces the statically configured topology.
func WithClusterInfo(ci executor.ClusterInfo) Option {
	return func(a *App) { a.clusterInfo = ci }
}

// App is the root of the SQLGrid executor node: it owns the module manager
// and the components the selected target needs.
type App struct {
	cfg Config

	moduleManager *modules.Manager
	serviceMap    map[string]services.Service

	planReader  executor.PlanReader
	coordinator executor.CoordinatorClient
	clusterInfo executor.ClusterInfo

	server      *server.Server
	api         *api.API
	pool        *taskpool.Pool
	executor    *executor.Executor
	workStats   *workstats.WorkStats
	heapMonitor *heapmonitor.Monitor
}

// New makes a new App.
func New(cfg Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}

	app := &App{
		cfg:         cfg,
		planReader:  executor.NewSyntheticEngine(),
		coordinator: executor.NewCoordinatorClient(cfg.Coordinator, util_log.Logger),
		clusterInfo: cfg.Cluster.ClusterInfo(),
	}
	for _, o := range opts {
		o(app)
	}

	if err := app.setupModuleManager(); err != nil {
		return nil, err
	}
	return app, nil
}

// WorkStats returns the load reporting handle, for embedding processes that
// need it outside the HTTP API. Only valid after Run initialised the modules.
func (a *App) WorkStats() *workstats.WorkStats { return a.workStats }

// Executor returns the fragment lifecycle manager. Only valid after Run
// initialised the modules.
func (a *App) Executor() *executor.Executor { return a.executor }

// Run starts the configured target and blocks until a signal arrives or a
// module fails.
func (a *App) Run() error {
	serviceMap, err := a.moduleManager.InitModuleServices(a.cfg.Target)
	if err != nil {
		return err
	}
	a.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return err
	}

	// Before starting the modules, register the readiness probe: load
	// balancers must not route fragment commands to a node that is still
	// starting or already draining.
	a.server.HTTP.Path("/ready").Handler(readyHandler(sm))

	healthy := func() { level.Info(util_log.Logger).Log("msg", "SQLGrid executor started") }
	stopped := func() { level.Info(util_log.Logger).Log("msg", "SQLGrid executor stopped") }
	serviceFailed := func(service services.Service) {
		// The app is unwinding; stop everything else as well.
		sm.StopAsync()

		for m, s := range serviceMap {
			if s != service {
				continue
			}
			if service.FailureCase() == util.ErrStopProcess {
				level.Info(util_log.Logger).Log("msg", "received stop signal via return error", "module", m, "err", service.FailureCase())
			} else {
				level.Error(util_log.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
			}
		}
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// Currently it's the Server module that reacts to this handler.
	handler := signals.NewHandler(a.cfg.Server.Log)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	err = sm.StartAsync(context.Background())
	if err == nil {
		err = sm.AwaitStopped(context.Background())
	}

	// Let the caller tell a clean shutdown apart from a module failure.
	if err == nil {
		for _, f := range sm.ServicesByState()[services.Failed] {
			if f.FailureCase() != util.ErrStopProcess {
				err = f.FailureCase()
				break
			}
		}
	}
	return err
}

func readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !sm.IsHealthy() {
			msg := fmt.Sprintf("Some services are not Running:\n%v", describeStates(sm))
			http.Error(w, msg, http.StatusServiceUnavailable)
			return
		}
		util.WriteTextResponse(w, "ready")
	}
}

func describeStates(sm *services.Manager) string {
	byState := sm.ServicesByState()
	out := ""
	for st, svs := range byState {
		out += fmt.Sprintf("%v: %d\n", st, len(svs))
	}
	return out
}
