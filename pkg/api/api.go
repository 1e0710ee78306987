package api

import (
	"context"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/weaveworks/common/server"

	"github.com/sqlgrid/sqlgrid/pkg/executor"
	"github.com/sqlgrid/sqlgrid/pkg/executor/admission"
	"github.com/sqlgrid/sqlgrid/pkg/executor/taskpool"
)

// Executor is the command surface the API exposes to the coordinator.
type Executor interface {
	StartFragment(ctx context.Context, spec executor.PlanSpec) error
	CancelFragment(handle executor.FragmentHandle) bool
	RunningFragments() []executor.FragmentInfo
	Tickets() []admission.TicketInfo
}

// WorkStats is the load reporting surface served to diagnostics consumers
// and the planner.
type WorkStats interface {
	ClusterLoad() (float64, error)
	MaxWidthFactor() float64
	SlicingThreads() []taskpool.ThreadInfo
}

// API registers the node's HTTP routes on the hosting server.
type API struct {
	server    *server.Server
	indexPage *IndexPageContent
	logger    log.Logger
}

// New creates the API over the given server.
func New(s *server.Server, logger log.Logger) *API {
	api := &API{
		server:    s,
		indexPage: newIndexPageContent(),
		logger:    logger,
	}

	api.RegisterRoute("/", indexHandler(api.indexPage), "GET")
	return api
}

// RegisterRoute registers a single route on the hosting server.
func (a *API) RegisterRoute(path string, handler http.Handler, methods ...string) {
	level.Debug(a.logger).Log("msg", "api: registering route", "methods", len(methods), "path", path)
	if len(methods) == 0 {
		a.server.HTTP.Path(path).Handler(handler)
		return
	}
	a.server.HTTP.Path(path).Methods(methods...).Handler(handler)
}

// RegisterAPI registers the administrative endpoints that are independent of
// any module: the config dump and the index links to it.
func (a *API) RegisterAPI(cfg interface{}) {
	a.RegisterRoute("/config", configHandler(cfg), "GET")
	a.indexPage.AddLink(SectionAdminEndpoints, "/config", "Current Config")
}

// RegisterExecutor wires the coordinator-facing fragment command endpoints
// and the fragment diagnostics listing.
func (a *API) RegisterExecutor(e Executor) {
	a.RegisterRoute("/api/v1/fragments", startFragmentHandler(e, a.logger), "POST")
	a.RegisterRoute("/api/v1/fragments", listFragmentsHandler(e), "GET")
	a.RegisterRoute("/api/v1/fragments/{queryID}/{major}/{minor}", cancelFragmentHandler(e), "DELETE")
	a.RegisterRoute("/api/v1/tickets", listTicketsHandler(e), "GET")

	a.indexPage.AddLink(SectionExecutor, "/api/v1/fragments", "Running Fragments")
	a.indexPage.AddLink(SectionExecutor, "/api/v1/tickets", "Admission Tickets")
}

// RegisterWorkStats wires the load reporting endpoint.
func (a *API) RegisterWorkStats(ws WorkStats) {
	a.RegisterRoute("/api/v1/workstats", workStatsHandler(ws), "GET")
	a.indexPage.AddLink(SectionExecutor, "/api/v1/workstats", "Cluster Load and Slicing Threads")
}
