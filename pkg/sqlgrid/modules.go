package sqlgrid

import (
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/weaveworks/common/server"

	"github.com/sqlgrid/sqlgrid/pkg/api"
	"github.com/sqlgrid/sqlgrid/pkg/executor"
	"github.com/sqlgrid/sqlgrid/pkg/executor/heapmonitor"
	"github.com/sqlgrid/sqlgrid/pkg/executor/taskpool"
	"github.com/sqlgrid/sqlgrid/pkg/executor/workstats"
	util_log "github.com/sqlgrid/sqlgrid/pkg/util/log"
	"github.com/sqlgrid/sqlgrid/pkg/util/modules"
	"github.com/sqlgrid/sqlgrid/pkg/util/services"
)

// The modules that make up the SQLGrid executor node.
const (
	Server          string = "server"
	API             string = "api"
	TaskPool        string = "task-pool"
	ExecutorService string = "executor-service"
	WorkStats       string = "work-stats"
	HeapMonitor     string = "heap-monitor"
	Executor        string = "executor"
)

func (a *App) initServer() (services.Service, error) {
	serv, err := server.New(a.cfg.Server)
	if err != nil {
		return nil, errors.Wrap(err, "create server")
	}
	a.server = serv

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range a.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	return newServerService(a.server, servicesToWaitFor), nil
}

func (a *App) initAPI() (services.Service, error) {
	a.api = api.New(a.server, util_log.Logger)
	a.api.RegisterAPI(&a.cfg)
	return nil, nil
}

func (a *App) initTaskPool() (services.Service, error) {
	a.pool = taskpool.New(a.cfg.TaskPool, util_log.Logger, prometheus.DefaultRegisterer)
	return a.pool, nil
}

func (a *App) initExecutorService() (services.Service, error) {
	exec, err := executor.New(a.cfg.Executor, a.cfg.Admission, a.pool, a.planReader, a.coordinator, util_log.Logger, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, errors.Wrap(err, "create executor")
	}
	a.executor = exec
	a.api.RegisterExecutor(exec)
	return exec, nil
}

func (a *App) initWorkStats() (services.Service, error) {
	a.workStats = workstats.New(a.cfg.WorkStats, a.executor, a.pool, a.clusterInfo, util_log.Logger, prometheus.DefaultRegisterer)
	a.api.RegisterWorkStats(a.workStats)
	return a.workStats, nil
}

func (a *App) initHeapMonitor() (services.Service, error) {
	if !a.cfg.HeapMonitor.Enabled {
		level.Info(util_log.Logger).Log("msg", "heap monitor disabled")
		return nil, nil
	}

	mon, err := heapmonitor.New(a.cfg.HeapMonitor, heapmonitor.NewRegistrySource(a.executor.Registry()), util_log.Logger, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, errors.Wrap(err, "create heap monitor")
	}
	a.heapMonitor = mon
	return mon, nil
}

func (a *App) setupModuleManager() error {
	mm := modules.NewManager()

	mm.RegisterModule(Server, a.initServer, modules.PrivateModule)
	mm.RegisterModule(API, a.initAPI, modules.PrivateModule)
	mm.RegisterModule(TaskPool, a.initTaskPool, modules.PrivateModule)
	mm.RegisterModule(ExecutorService, a.initExecutorService, modules.PrivateModule)
	mm.RegisterModule(WorkStats, a.initWorkStats, modules.PrivateModule)
	mm.RegisterModule(HeapMonitor, a.initHeapMonitor, modules.PrivateModule)
	mm.RegisterModule(Executor, nil)

	deps := map[string][]string{
		API:             {Server},
		ExecutorService: {API, TaskPool},
		WorkStats:       {ExecutorService, TaskPool, API},
		HeapMonitor:     {ExecutorService},
		Executor:        {Server, API, TaskPool, ExecutorService, WorkStats, HeapMonitor},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	a.moduleManager = mm
	return nil
}
