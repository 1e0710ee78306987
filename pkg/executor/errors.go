package executor

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNoExecutorNodes is returned by load calculations when the cluster has no
// executor nodes to attribute work to.
var ErrNoExecutorNodes = errors.New("no executor nodes known")

// ErrExecutorNotRunning is returned by operations issued before the executor
// started or after it began shutting down.
var ErrExecutorNotRunning = errors.New("executor is not running")

// DuplicateFragmentError is returned when a handle is registered twice
// without an intervening deregistration. This is a protocol violation by the
// coordinator, not a resource condition.
type DuplicateFragmentError struct {
	Handle FragmentHandle
}

func (e DuplicateFragmentError) Error() string {
	return fmt.Sprintf("fragment %s is already registered", e.Handle)
}

// FragmentRuntimeFault is a failure inside one fragment's execution: an error
// returned by its pipeline or a panic recovered mid-quantum. The fault is
// terminal for the fragment and invisible to fragments sharing its slicing
// thread.
type FragmentRuntimeFault struct {
	Handle FragmentHandle
	Cause  error
}

func (e FragmentRuntimeFault) Error() string {
	return fmt.Sprintf("fragment %s failed: %v", e.Handle, e.Cause)
}

func (e FragmentRuntimeFault) Unwrap() error {
	return e.Cause
}
