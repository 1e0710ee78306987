package executor

import (
	"fmt"
)

// FragmentHandle uniquely identifies one minor fragment of a distributed
// query plan: the query it belongs to, the plan stage (major fragment) and
// the parallelization slice of that stage (minor fragment).
//
// The zero value is not a valid handle.
type FragmentHandle struct {
	QueryID         uint64 `json:"query_id"`
	MajorFragmentID int32  `json:"major_fragment_id"`
	MinorFragmentID int32  `json:"minor_fragment_id"`
}

// MakeFragmentHandle builds a handle from its parts.
func MakeFragmentHandle(queryID uint64, majorFragmentID, minorFragmentID int32) FragmentHandle {
	return FragmentHandle{
		QueryID:         queryID,
		MajorFragmentID: majorFragmentID,
		MinorFragmentID: minorFragmentID,
	}
}

// String renders the handle the way it appears in logs and API paths.
func (h FragmentHandle) String() string {
	return fmt.Sprintf("q%d:%d:%d", h.QueryID, h.MajorFragmentID, h.MinorFragmentID)
}
