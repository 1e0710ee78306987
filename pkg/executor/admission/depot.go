package admission

import (
	"go.uber.org/atomic"
)

// TicketDepot is the node-wide reservation ledger consulted on every
// admission. The sum of outstanding reservations never exceeds the budget,
// no matter how admissions and retirements interleave.
type TicketDepot struct {
	budget   int64
	reserved atomic.Int64
}

// NewTicketDepot builds a depot promising at most budget bytes.
func NewTicketDepot(budget int64) *TicketDepot {
	return &TicketDepot{budget: budget}
}

// Budget returns the configured reservation ceiling in bytes.
func (d *TicketDepot) Budget() int64 { return d.budget }

// Reserved returns the bytes currently promised to live tickets.
func (d *TicketDepot) Reserved() int64 { return d.reserved.Load() }

// Reserve takes bytes out of the budget. It returns false, leaving the
// ledger untouched, when the remaining budget cannot cover the request.
func (d *TicketDepot) Reserve(bytes int64) bool {
	for {
		cur := d.reserved.Load()
		next := cur + bytes
		if next > d.budget {
			return false
		}
		if d.reserved.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Refund returns a retired ticket's reservation to the budget.
func (d *TicketDepot) Refund(bytes int64) {
	if d.reserved.Sub(bytes) < 0 {
		panic("admission: ticket depot refunded more than was reserved")
	}
}
