package executor

import (
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlgrid/sqlgrid/pkg/memory"
)

func testFragment(handle FragmentHandle) *FragmentExecutor {
	return newFragmentExecutor(
		PlanSpec{Handle: handle},
		memory.NewRoot("test", 0, nil),
		log.NewNopLogger(),
		func(FragmentTerminal) {},
	)
}

func TestRegistryRejectsDuplicateHandles(t *testing.T) {
	r := NewFragmentRegistry(nil)
	h := MakeFragmentHandle(1, 0, 0)

	require.NoError(t, r.Register(testFragment(h)))

	err := r.Register(testFragment(h))
	require.Error(t, err)
	assert.EqualError(t, err, "fragment q1:0:0 is already registered")
	assert.Equal(t, 1, r.Size())
}

func TestRegistryDeregisterIsIdempotent(t *testing.T) {
	r := NewFragmentRegistry(nil)
	h := MakeFragmentHandle(1, 0, 0)

	require.NoError(t, r.Register(testFragment(h)))
	require.Equal(t, 1, r.Size())

	r.Deregister(h)
	assert.Equal(t, 0, r.Size())

	r.Deregister(h)
	assert.Equal(t, 0, r.Size())
}

func TestRegistrySizeUnderConcurrentChurn(t *testing.T) {
	r := NewFragmentRegistry(nil)

	const (
		workers   = 8
		fragments = 100
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < fragments; i++ {
				h := MakeFragmentHandle(uint64(w), 0, int32(i))
				assert.NoError(t, r.Register(testFragment(h)))
				if i%2 == 0 {
					r.Deregister(h)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*fragments/2, r.Size())
	assert.Len(t, r.Snapshot(), workers*fragments/2)
}

func TestRegistryWaitEmptyReturnsClosedChannelWhenEmpty(t *testing.T) {
	r := NewFragmentRegistry(nil)

	select {
	case <-r.WaitEmpty():
	default:
		t.Fatal("expected WaitEmpty channel to be closed for an empty registry")
	}
}

func TestRegistryWaitEmptyReleasesOnLastDeregistration(t *testing.T) {
	r := NewFragmentRegistry(nil)

	h1 := MakeFragmentHandle(1, 0, 0)
	h2 := MakeFragmentHandle(1, 0, 1)
	require.NoError(t, r.Register(testFragment(h1)))
	require.NoError(t, r.Register(testFragment(h2)))

	empty := r.WaitEmpty()

	r.Deregister(h1)
	select {
	case <-empty:
		t.Fatal("latch released while a fragment is still registered")
	default:
	}

	r.Deregister(h2)
	select {
	case <-empty:
	case <-time.After(time.Second):
		t.Fatal("latch not released after the registry drained")
	}
}
