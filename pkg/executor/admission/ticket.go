package admission

import (
	"github.com/sqlgrid/sqlgrid/pkg/memory"
)

// QueryTicket is the resource reservation shared by every fragment of one
// query running on this node. Fragments allocate through the ticket's
// allocator, so a query can never use more memory than it was promised.
type QueryTicket struct {
	queryID     uint64
	reservation int64
	allocator   memory.Allocator

	// fragments maps a fragment key to the number of admissions it holds.
	// Guarded by the clerk's mutex.
	fragments map[string]int
}

// QueryID returns the query this ticket reserves memory for.
func (t *QueryTicket) QueryID() uint64 { return t.queryID }

// Reservation returns the promised bytes for the whole query.
func (t *QueryTicket) Reservation() int64 { return t.reservation }

// Allocator returns the query's memory allocator. Fragment executors carve
// their own child allocators out of it.
func (t *QueryTicket) Allocator() memory.Allocator { return t.allocator }

// TicketInfo is a point-in-time view of one live ticket.
type TicketInfo struct {
	QueryID         uint64 `json:"queryId"`
	Reservation     int64  `json:"reservation"`
	ActiveFragments int    `json:"activeFragments"`
	AllocatedBytes  int64  `json:"allocatedBytes"`
	PeakBytes       int64  `json:"peakBytes"`
}
