package executor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FragmentRegistry is the set of live fragment executors on this node, keyed
// by handle. Registration and deregistration are atomic with respect to size
// queries, which the drain path and cluster-load reporting rely on.
type FragmentRegistry struct {
	mtx       sync.RWMutex
	fragments map[FragmentHandle]*FragmentExecutor

	// emptyWait is non-nil while a drain waits for the registry to empty.
	// Closed exactly once, by the deregistration that empties the map.
	emptyWait chan struct{}
}

// NewFragmentRegistry builds an empty registry and registers its gauge.
func NewFragmentRegistry(reg prometheus.Registerer) *FragmentRegistry {
	r := &FragmentRegistry{
		fragments: map[FragmentHandle]*FragmentExecutor{},
	}

	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sqlgrid",
		Name:      "executor_running_fragments",
		Help:      "Number of fragments currently registered on this node.",
	}, func() float64 {
		return float64(r.Size())
	})

	return r
}

// Register makes the executor visible to all readers. A handle can be
// registered at most once while live.
func (r *FragmentRegistry) Register(e *FragmentExecutor) error {
	h := e.Handle()

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, ok := r.fragments[h]; ok {
		return DuplicateFragmentError{Handle: h}
	}
	r.fragments[h] = e
	return nil
}

// Deregister removes the handle. Removing an absent handle is a no-op, so
// duplicate completion signals are harmless. The deregistration that empties
// the registry releases a pending drain.
func (r *FragmentRegistry) Deregister(h FragmentHandle) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, ok := r.fragments[h]; !ok {
		return
	}
	delete(r.fragments, h)

	if len(r.fragments) == 0 && r.emptyWait != nil {
		close(r.emptyWait)
		r.emptyWait = nil
	}
}

// Get returns the live executor for the handle, if any.
func (r *FragmentRegistry) Get(h FragmentHandle) (*FragmentExecutor, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	e, ok := r.fragments[h]
	return e, ok
}

// Has reports whether the handle is currently registered.
func (r *FragmentRegistry) Has(h FragmentHandle) bool {
	_, ok := r.Get(h)
	return ok
}

// Size returns the number of live fragments.
func (r *FragmentRegistry) Size() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.fragments)
}

// Snapshot returns a point-in-time copy of the live executors. Callers can
// iterate it freely without holding up registration.
func (r *FragmentRegistry) Snapshot() []*FragmentExecutor {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	out := make([]*FragmentExecutor, 0, len(r.fragments))
	for _, e := range r.fragments {
		out = append(out, e)
	}
	return out
}

// WaitEmpty returns a channel closed once the registry has no live
// fragments. When it is already empty the channel comes back closed.
func (r *FragmentRegistry) WaitEmpty() <-chan struct{} {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if len(r.fragments) == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if r.emptyWait == nil {
		r.emptyWait = make(chan struct{})
	}
	return r.emptyWait
}
