package memory

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorTracksUsageAndPeak(t *testing.T) {
	root := NewRoot("root", 0, nil)

	require.NoError(t, root.Allocate(100))
	require.NoError(t, root.Allocate(50))
	assert.Equal(t, int64(150), root.Allocated())
	assert.Equal(t, int64(150), root.Peak())

	root.Release(120)
	assert.Equal(t, int64(30), root.Allocated())
	assert.Equal(t, int64(150), root.Peak(), "peak must not decrease on release")

	require.NoError(t, root.Allocate(10))
	assert.Equal(t, int64(150), root.Peak())

	root.Release(40)
	require.NoError(t, root.Close())
}

func TestAllocatorChildAccountsAgainstParent(t *testing.T) {
	root := NewRoot("root", 1000, nil)
	child := root.NewChild("query-7", 500)

	require.NoError(t, child.Allocate(300))
	assert.Equal(t, int64(300), child.Allocated())
	assert.Equal(t, int64(300), root.Allocated())

	child.Release(300)
	assert.Zero(t, child.Allocated())
	assert.Zero(t, root.Allocated())

	require.NoError(t, child.Close())
	require.NoError(t, root.Close())
}

func TestAllocatorLimits(t *testing.T) {
	tests := map[string]struct {
		rootLimit     int64
		childLimit    int64
		allocate      int64
		expectedError string
	}{
		"child limit is enforced": {
			rootLimit:     1000,
			childLimit:    100,
			allocate:      200,
			expectedError: "memory limit exceeded on allocator query-1: requested 200 B, used 0 B of 100 B",
		},
		"parent limit is enforced": {
			rootLimit:     150,
			childLimit:    0,
			allocate:      200,
			expectedError: "memory limit exceeded on allocator root: requested 200 B, used 0 B of 150 B",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			root := NewRoot("root", tc.rootLimit, nil)
			child := root.NewChild("query-1", tc.childLimit)

			err := child.Allocate(tc.allocate)
			require.EqualError(t, err, tc.expectedError)

			var limitErr LimitError
			require.True(t, errors.As(err, &limitErr))
			assert.Equal(t, tc.allocate, limitErr.Requested)

			// A failed reservation must leave no residue anywhere in the tree.
			assert.Zero(t, child.Allocated())
			assert.Zero(t, root.Allocated())
			assert.Zero(t, child.Peak())
		})
	}
}

func TestAllocatorConcurrentUse(t *testing.T) {
	const (
		workers    = 16
		iterations = 500
	)

	root := NewRoot("root", 0, nil)

	wg := sync.WaitGroup{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			child := root.NewChild("worker", 0)
			for j := 0; j < iterations; j++ {
				assert.NoError(t, child.Allocate(64))
				child.Release(64)
			}
			assert.NoError(t, child.Close())
		}()
	}
	wg.Wait()

	assert.Zero(t, root.Allocated())
	assert.GreaterOrEqual(t, root.Peak(), int64(64))
	assert.LessOrEqual(t, root.Peak(), int64(64*workers))
	require.NoError(t, root.Close())
}

func TestAllocatorCloseDetectsLeaks(t *testing.T) {
	root := NewRoot("root", 0, nil)
	child := root.NewChild("query-9", 0)

	require.Error(t, root.Close(), "close must fail while a child is open")

	require.NoError(t, child.Allocate(10))
	require.EqualError(t, child.Close(), "memory: allocator query-9 closed with 10 B still reserved")

	child.Release(10)
	require.NoError(t, child.Close())
	require.NoError(t, root.Close())
}

func TestAllocatorReleaseMoreThanAllocatedPanics(t *testing.T) {
	root := NewRoot("root", 0, nil)
	require.NoError(t, root.Allocate(5))

	assert.Panics(t, func() { root.Release(10) })
}

func TestRootAllocatorMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	root := NewRoot("node", 0, reg)

	require.NoError(t, root.Allocate(2048))
	root.Release(1024)

	require.NoError(t, testutil.GatherAndCompare(reg, bytes.NewBufferString(`
		# HELP sqlgrid_memory_allocated_bytes Bytes currently reserved on the root allocator.
		# TYPE sqlgrid_memory_allocated_bytes gauge
		sqlgrid_memory_allocated_bytes{allocator="node"} 1024
		# HELP sqlgrid_memory_peak_bytes Highest number of bytes ever reserved on the root allocator.
		# TYPE sqlgrid_memory_peak_bytes gauge
		sqlgrid_memory_peak_bytes{allocator="node"} 2048
`), "sqlgrid_memory_allocated_bytes", "sqlgrid_memory_peak_bytes"))
}
