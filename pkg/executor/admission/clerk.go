package admission

import (
	"flag"
	"fmt"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sqlgrid/sqlgrid/pkg/memory"
	"github.com/sqlgrid/sqlgrid/pkg/util"
	"github.com/sqlgrid/sqlgrid/pkg/util/flagext"
)

// Config holds the admission control settings.
type Config struct {
	MemoryBudget       flagext.Bytes `yaml:"memory_budget"`
	DefaultReservation flagext.Bytes `yaml:"default_query_reservation"`
	MaxReservation     flagext.Bytes `yaml:"max_query_reservation"`
}

// RegisterFlags registers the flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	_ = cfg.MemoryBudget.Set("8GiB")
	_ = cfg.DefaultReservation.Set("256MiB")
	_ = cfg.MaxReservation.Set("2GiB")

	f.Var(&cfg.MemoryBudget, "admission.memory-budget", "Total memory the clerk may promise to concurrently admitted queries.")
	f.Var(&cfg.DefaultReservation, "admission.default-query-reservation", "Reservation given to queries whose plan carries no memory hint.")
	f.Var(&cfg.MaxReservation, "admission.max-query-reservation", "Upper bound on any single query's reservation. 0 disables the cap.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if cfg.MemoryBudget == 0 {
		return errors.New("invalid admission.memory-budget: must be greater than 0")
	}
	if cfg.DefaultReservation == 0 {
		return errors.New("invalid admission.default-query-reservation: must be greater than 0")
	}
	if cfg.MaxReservation > 0 && cfg.DefaultReservation > cfg.MaxReservation {
		return errors.New("invalid admission.default-query-reservation: exceeds admission.max-query-reservation")
	}
	return nil
}

// AdmissionDeniedError is returned when the budget cannot cover a new
// query's reservation. The caller is expected to retry or queue; nothing is
// wrong with the fragment itself.
type AdmissionDeniedError struct {
	QueryID   uint64
	Requested int64
	Available int64
}

func (e AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied for query %d: requested %s but only %s of the budget is free",
		e.QueryID, humanize.IBytes(uint64(e.Requested)), humanize.IBytes(uint64(e.Available)))
}

// Clerk gates fragment admission so that the memory promised to concurrently
// running queries never exceeds the configured budget. Fragments of the same
// query share one ticket; only the query's first fragment pays for a
// reservation.
type Clerk struct {
	logger log.Logger
	policy ReservationPolicy
	depot  *TicketDepot
	root   memory.Allocator

	mtx     sync.RWMutex
	tickets map[uint64]*QueryTicket

	admittedFragments prometheus.Counter
	deniedFragments   prometheus.Counter
	retiredTickets    prometheus.Counter
}

// NewClerk builds the clerk. Query allocators are carved out of root. A nil
// policy gets the clamping policy configured in cfg.
func NewClerk(cfg Config, policy ReservationPolicy, root memory.Allocator, logger log.Logger, reg prometheus.Registerer) *Clerk {
	if policy == nil {
		policy = ClampingPolicy{Default: int64(cfg.DefaultReservation), Max: int64(cfg.MaxReservation)}
	}

	c := &Clerk{
		logger:  logger,
		policy:  policy,
		depot:   NewTicketDepot(int64(cfg.MemoryBudget)),
		root:    root,
		tickets: map[uint64]*QueryTicket{},

		admittedFragments: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "sqlgrid",
			Name:      "admission_fragments_admitted_total",
			Help:      "Total number of fragments admitted.",
		}),
		deniedFragments: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "sqlgrid",
			Name:      "admission_fragments_denied_total",
			Help:      "Total number of fragments denied for lack of budget.",
		}),
		retiredTickets: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "sqlgrid",
			Name:      "admission_tickets_retired_total",
			Help:      "Total number of query tickets retired.",
		}),
	}

	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sqlgrid",
		Name:      "admission_memory_budget_bytes",
		Help:      "Configured admission memory budget.",
	}, func() float64 {
		return float64(c.depot.Budget())
	})

	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sqlgrid",
		Name:      "admission_reserved_bytes",
		Help:      "Bytes currently promised to live query tickets.",
	}, func() float64 {
		return float64(c.depot.Reserved())
	})

	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sqlgrid",
		Name:      "admission_active_tickets",
		Help:      "Number of live query tickets.",
	}, func() float64 {
		c.mtx.RLock()
		defer c.mtx.RUnlock()
		return float64(len(c.tickets))
	})

	return c
}

// Admit grants the fragment a seat on its query's ticket, creating the
// ticket on the query's first fragment. Concurrent admissions never jointly
// overshoot the budget. Every successful call owes exactly one Release.
func (c *Clerk) Admit(req Request) (*QueryTicket, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if t, ok := c.tickets[req.QueryID]; ok {
		t.fragments[req.FragmentKey]++
		c.admittedFragments.Inc()
		return t, nil
	}

	reservation := c.policy.EstimateReservation(req)
	if !c.depot.Reserve(reservation) {
		c.deniedFragments.Inc()
		return nil, AdmissionDeniedError{
			QueryID:   req.QueryID,
			Requested: reservation,
			Available: c.depot.Budget() - c.depot.Reserved(),
		}
	}

	t := &QueryTicket{
		queryID:     req.QueryID,
		reservation: reservation,
		allocator:   c.root.NewChild(fmt.Sprintf("query-%d", req.QueryID), reservation),
		fragments:   map[string]int{req.FragmentKey: 1},
	}
	c.tickets[req.QueryID] = t

	c.admittedFragments.Inc()
	level.Debug(c.logger).Log("msg", "query ticket issued", "query_id", req.QueryID, "reservation", reservation)
	return t, nil
}

// Release returns one fragment's seat on its query's ticket. When the last
// seat goes, the ticket is retired and its reservation refunded to the
// budget. Releasing a fragment that holds no seat is a no-op, so duplicate
// completion notifications are harmless.
func (c *Clerk) Release(queryID uint64, fragmentKey string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	t, ok := c.tickets[queryID]
	if !ok {
		return
	}
	n, ok := t.fragments[fragmentKey]
	if !ok {
		return
	}
	if n > 1 {
		t.fragments[fragmentKey] = n - 1
		return
	}
	delete(t.fragments, fragmentKey)

	if len(t.fragments) > 0 {
		return
	}
	c.retire(t)
}

func (c *Clerk) retire(t *QueryTicket) {
	delete(c.tickets, t.queryID)
	c.depot.Refund(t.reservation)
	c.retiredTickets.Inc()

	if err := t.allocator.Close(); err != nil {
		level.Warn(c.logger).Log("msg", "retired query ticket with memory still accounted", "query_id", t.queryID, "err", err)
		return
	}
	level.Debug(c.logger).Log("msg", "query ticket retired", "query_id", t.queryID, "reservation", t.reservation)
}

// Snapshot returns the live tickets sorted by query id. It never blocks
// admission.
func (c *Clerk) Snapshot() []TicketInfo {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	infos := make([]TicketInfo, 0, len(c.tickets))
	for _, t := range c.tickets {
		infos = append(infos, TicketInfo{
			QueryID:         t.queryID,
			Reservation:     t.reservation,
			ActiveFragments: len(t.fragments),
			AllocatedBytes:  t.allocator.Allocated(),
			PeakBytes:       t.allocator.Peak(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].QueryID < infos[j].QueryID
	})
	return infos
}

// Close force-retires any ticket still live, returning an error naming the
// memory they leaked. Called after the executor has wound down.
func (c *Clerk) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	errs := util.NewMultiError()
	for queryID, t := range c.tickets {
		level.Warn(c.logger).Log("msg", "query ticket still live at shutdown", "query_id", queryID, "fragments", len(t.fragments))
		delete(c.tickets, queryID)
		c.depot.Refund(t.reservation)
		errs.Add(t.allocator.Close())
	}
	return errs.Err()
}
