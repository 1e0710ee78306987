//go:build !linux
// +build !linux

package taskpool

// currentOSThreadID is only implemented on Linux, where per-thread CPU
// accounting reads /proc/self/task/<tid>. Elsewhere we return 0 and the
// stats collector skips per-thread sampling.
func currentOSThreadID() int {
	return 0
}
