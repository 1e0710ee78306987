package heapmonitor

import (
	"sort"

	"github.com/sqlgrid/sqlgrid/pkg/executor"
)

// Candidate is one live fragment the governor may sacrifice, snapshotted at
// the start of a claw-back cycle.
type Candidate struct {
	Handle     executor.FragmentHandle
	MemoryUsed int64
}

// ClawBackStrategy picks the fragments to cancel when the node is over its
// memory threshold. targetBytes is how much memory must be freed to get back
// under it; implementations return victims whose summed usage is expected to
// cover it, or everything they have when it cannot be covered.
type ClawBackStrategy interface {
	SelectVictims(candidates []Candidate, targetBytes int64) []Candidate
}

// FailGreediestQueriesStrategy sacrifices the queries using the most memory
// on this node. Queries are ranked by the summed usage of their fragments and
// taken whole: killing some fragments of a query fails it anyway, so leaving
// the rest running would burn slots without freeing the query's memory.
type FailGreediestQueriesStrategy struct{}

func (FailGreediestQueriesStrategy) SelectVictims(candidates []Candidate, targetBytes int64) []Candidate {
	if targetBytes <= 0 || len(candidates) == 0 {
		return nil
	}

	// Candidates arrive in registry-snapshot order; sort by handle so the
	// victim list is deterministic for a given snapshot.
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].Handle, ordered[j].Handle
		if a.QueryID != b.QueryID {
			return a.QueryID < b.QueryID
		}
		if a.MajorFragmentID != b.MajorFragmentID {
			return a.MajorFragmentID < b.MajorFragmentID
		}
		return a.MinorFragmentID < b.MinorFragmentID
	})

	usageByQuery := make(map[uint64]int64)
	for _, c := range ordered {
		usageByQuery[c.Handle.QueryID] += c.MemoryUsed
	}

	queries := make([]uint64, 0, len(usageByQuery))
	for q := range usageByQuery {
		queries = append(queries, q)
	}
	sort.Slice(queries, func(i, j int) bool {
		if usageByQuery[queries[i]] != usageByQuery[queries[j]] {
			return usageByQuery[queries[i]] > usageByQuery[queries[j]]
		}
		return queries[i] < queries[j]
	})

	var (
		victims []Candidate
		freed   int64
	)
	for _, q := range queries {
		if freed >= targetBytes {
			break
		}
		for _, c := range ordered {
			if c.Handle.QueryID == q {
				victims = append(victims, c)
			}
		}
		freed += usageByQuery[q]
	}
	return victims
}
