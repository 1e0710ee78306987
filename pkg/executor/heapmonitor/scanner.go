package heapmonitor

import (
	"math"
	"runtime/debug"
	"runtime/metrics"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// MemoryUsage is one sample of process memory pressure.
type MemoryUsage struct {
	// HeapBytes is the size of live objects on the Go heap.
	HeapBytes int64

	// RSSBytes is the kernel's resident set size for the process. It also
	// covers memory the Go accounting cannot see, such as mmapped buffers.
	RSSBytes int64
}

// UsageScanner samples process memory.
type UsageScanner interface {
	Scan() (MemoryUsage, error)
}

type processScanner struct {
	samples []metrics.Sample
}

// NewProcessScanner returns the production scanner: live heap from the
// runtime's own accounting, RSS from procfs.
func NewProcessScanner() UsageScanner {
	return &processScanner{
		samples: []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}},
	}
}

func (s *processScanner) Scan() (MemoryUsage, error) {
	metrics.Read(s.samples)
	usage := MemoryUsage{HeapBytes: int64(s.samples[0].Value.Uint64())}

	proc, err := procfs.Self()
	if err != nil {
		return usage, errors.Wrap(err, "open /proc/self")
	}
	stat, err := proc.Stat()
	if err != nil {
		return usage, errors.Wrap(err, "read /proc/self/stat")
	}
	usage.RSSBytes = int64(stat.ResidentMemory())
	return usage, nil
}

// detectHeapLimit picks the claw-back ceiling when none is configured: the
// runtime's soft memory limit when the operator set one, otherwise total
// system memory.
func detectHeapLimit() (int64, error) {
	if lim := debug.SetMemoryLimit(-1); lim < math.MaxInt64 {
		return lim, nil
	}

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, errors.Wrap(err, "open /proc")
	}
	info, err := fs.Meminfo()
	if err != nil {
		return 0, errors.Wrap(err, "read /proc/meminfo")
	}
	if info.MemTotal == nil {
		return 0, errors.New("no MemTotal in /proc/meminfo")
	}
	return int64(*info.MemTotal) * 1024, nil
}
