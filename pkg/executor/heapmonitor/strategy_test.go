package heapmonitor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sqlgrid/sqlgrid/pkg/executor"
)

func candidate(queryID uint64, minor int32, mem int64) Candidate {
	return Candidate{Handle: executor.MakeFragmentHandle(queryID, 0, minor), MemoryUsed: mem}
}

func handles(victims []Candidate) []executor.FragmentHandle {
	if len(victims) == 0 {
		return nil
	}
	out := make([]executor.FragmentHandle, 0, len(victims))
	for _, v := range victims {
		out = append(out, v.Handle)
	}
	return out
}

func TestFailGreediestQueriesStrategy(t *testing.T) {
	candidates := []Candidate{
		candidate(1, 0, 100),
		candidate(1, 1, 80),
		candidate(2, 0, 120),
		candidate(3, 0, 10),
	}

	tests := map[string]struct {
		candidates []Candidate
		target     int64
		expected   []executor.FragmentHandle
	}{
		"no target means no victims": {
			candidates: candidates,
			target:     0,
			expected:   nil,
		},
		"no candidates means no victims": {
			candidates: nil,
			target:     100,
			expected:   nil,
		},
		"greediest query goes first and goes whole": {
			candidates: candidates,
			target:     50,
			expected: []executor.FragmentHandle{
				executor.MakeFragmentHandle(1, 0, 0),
				executor.MakeFragmentHandle(1, 0, 1),
			},
		},
		"spills into the next query when one is not enough": {
			candidates: candidates,
			target:     200,
			expected: []executor.FragmentHandle{
				executor.MakeFragmentHandle(1, 0, 0),
				executor.MakeFragmentHandle(1, 0, 1),
				executor.MakeFragmentHandle(2, 0, 0),
			},
		},
		"takes everything when the target cannot be covered": {
			candidates: candidates,
			target:     1 << 40,
			expected: []executor.FragmentHandle{
				executor.MakeFragmentHandle(1, 0, 0),
				executor.MakeFragmentHandle(1, 0, 1),
				executor.MakeFragmentHandle(2, 0, 0),
				executor.MakeFragmentHandle(3, 0, 0),
			},
		},
		"ties break toward the lower query id": {
			candidates: []Candidate{candidate(9, 0, 100), candidate(4, 0, 100)},
			target:     50,
			expected:   []executor.FragmentHandle{executor.MakeFragmentHandle(4, 0, 0)},
		},
	}

	for testName, testData := range tests {
		t.Run(testName, func(t *testing.T) {
			victims := FailGreediestQueriesStrategy{}.SelectVictims(testData.candidates, testData.target)
			assert.Equal(t, testData.expected, handles(victims))
		})
	}
}

func TestFailGreediestQueriesStrategyOrdersVictimsByHandle(t *testing.T) {
	// Candidates come from a map-backed registry snapshot, so their order
	// varies run to run. The victim list must not.
	shuffled := []Candidate{
		candidate(5, 2, 60),
		candidate(5, 0, 50),
		candidate(5, 1, 40),
	}
	expected := []executor.FragmentHandle{
		executor.MakeFragmentHandle(5, 0, 0),
		executor.MakeFragmentHandle(5, 0, 1),
		executor.MakeFragmentHandle(5, 0, 2),
	}

	for i := 0; i < 10; i++ {
		victims := FailGreediestQueriesStrategy{}.SelectVictims(shuffled, 100)
		assert.Equal(t, expected, handles(victims))
	}

	// The input snapshot is left alone.
	assert.Equal(t, executor.MakeFragmentHandle(5, 0, 2), shuffled[0].Handle)
}
