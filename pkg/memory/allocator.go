package memory

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// Allocator tracks direct memory reservations for one owner (node, query or
// fragment). Allocators form a tree: a child reservation is accounted against
// every ancestor up to the root, so the root always reports the node-wide
// total. Implementations are safe for concurrent use.
type Allocator interface {
	// Name identifies the allocator in errors and telemetry.
	Name() string

	// Limit returns the reservation ceiling in bytes. Zero means unlimited.
	Limit() int64

	// Allocated returns the bytes currently reserved.
	Allocated() int64

	// Peak returns the highest value Allocated has reached.
	Peak() int64

	// Allocate reserves bytes against this allocator and all ancestors.
	// It returns a LimitError if any of them would exceed its limit, in
	// which case no reservation is made anywhere.
	Allocate(bytes int64) error

	// Release returns previously reserved bytes.
	Release(bytes int64)

	// NewChild creates a child allocator accounted against this one.
	NewChild(name string, limit int64) Allocator

	// Close verifies the allocator has no outstanding reservations or
	// open children.
	Close() error
}

// LimitError is returned when an allocation would exceed an allocator's limit.
type LimitError struct {
	Allocator string
	Requested int64
	Used      int64
	Limit     int64
}

func (e LimitError) Error() string {
	return fmt.Sprintf("memory limit exceeded on allocator %s: requested %s, used %s of %s",
		e.Allocator, humanize.IBytes(uint64(e.Requested)), humanize.IBytes(uint64(e.Used)), humanize.IBytes(uint64(e.Limit)))
}

type trackingAllocator struct {
	name   string
	limit  int64
	parent *trackingAllocator

	used     atomic.Int64
	peak     atomic.Int64
	children atomic.Int64
}

// NewRoot creates the root allocator for this process and registers
// current/peak gauges for it.
func NewRoot(name string, limit int64, reg prometheus.Registerer) Allocator {
	a := &trackingAllocator{
		name:  name,
		limit: limit,
	}

	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "sqlgrid",
		Name:        "memory_allocated_bytes",
		Help:        "Bytes currently reserved on the root allocator.",
		ConstLabels: prometheus.Labels{"allocator": name},
	}, func() float64 {
		return float64(a.Allocated())
	})

	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "sqlgrid",
		Name:        "memory_peak_bytes",
		Help:        "Highest number of bytes ever reserved on the root allocator.",
		ConstLabels: prometheus.Labels{"allocator": name},
	}, func() float64 {
		return float64(a.Peak())
	})

	return a
}

func (a *trackingAllocator) Name() string     { return a.name }
func (a *trackingAllocator) Limit() int64     { return a.limit }
func (a *trackingAllocator) Allocated() int64 { return a.used.Load() }
func (a *trackingAllocator) Peak() int64      { return a.peak.Load() }

func (a *trackingAllocator) Allocate(bytes int64) error {
	if bytes < 0 {
		panic("memory: negative allocation")
	}
	if bytes == 0 {
		return nil
	}
	return a.reserve(bytes)
}

func (a *trackingAllocator) reserve(bytes int64) error {
	for {
		cur := a.used.Load()
		next := cur + bytes
		if a.limit > 0 && next > a.limit {
			return LimitError{Allocator: a.name, Requested: bytes, Used: cur, Limit: a.limit}
		}
		if !a.used.CompareAndSwap(cur, next) {
			continue
		}

		if a.parent != nil {
			if err := a.parent.reserve(bytes); err != nil {
				a.used.Sub(bytes)
				return err
			}
		}

		a.trackPeak(next)
		return nil
	}
}

func (a *trackingAllocator) trackPeak(used int64) {
	for {
		p := a.peak.Load()
		if used <= p || a.peak.CompareAndSwap(p, used) {
			return
		}
	}
}

func (a *trackingAllocator) Release(bytes int64) {
	if bytes < 0 {
		panic("memory: negative release")
	}
	if bytes == 0 {
		return
	}
	if a.used.Sub(bytes) < 0 {
		panic(fmt.Sprintf("memory: allocator %s released more bytes than it allocated", a.name))
	}
	if a.parent != nil {
		a.parent.Release(bytes)
	}
}

func (a *trackingAllocator) NewChild(name string, limit int64) Allocator {
	a.children.Inc()
	return &trackingAllocator{
		name:   name,
		limit:  limit,
		parent: a,
	}
}

func (a *trackingAllocator) Close() error {
	if open := a.children.Load(); open > 0 {
		return fmt.Errorf("memory: allocator %s closed with %d open child allocators", a.name, open)
	}
	if used := a.used.Load(); used != 0 {
		return fmt.Errorf("memory: allocator %s closed with %s still reserved", a.name, humanize.IBytes(uint64(used)))
	}
	if a.parent != nil {
		a.parent.children.Dec()
	}
	return nil
}
