package admission

// Request carries what the clerk needs to know about a fragment asking to
// run.
type Request struct {
	QueryID     uint64
	FragmentKey string

	// MemoryHint is the planner-provided reservation for the query in
	// bytes, zero when the plan carries none.
	MemoryHint int64

	// EstimatedCost is the planner's cost estimate for the fragment.
	EstimatedCost int64
}

// ReservationPolicy sizes the memory reservation for a query's ticket. It is
// consulted once per query, on its first admitted fragment.
type ReservationPolicy interface {
	EstimateReservation(req Request) int64
}

// ClampingPolicy sizes reservations from the planner hint, substituting a
// default when the plan carries none and capping runaway estimates.
type ClampingPolicy struct {
	Default int64
	Max     int64
}

// EstimateReservation implements ReservationPolicy.
func (p ClampingPolicy) EstimateReservation(req Request) int64 {
	r := req.MemoryHint
	if r <= 0 {
		r = p.Default
	}
	if p.Max > 0 && r > p.Max {
		r = p.Max
	}
	return r
}
