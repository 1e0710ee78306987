package workstats

import (
	"context"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/procfs"

	"github.com/sqlgrid/sqlgrid/pkg/executor/taskpool"
	"github.com/sqlgrid/sqlgrid/pkg/util/services"
)

// Kernel clock ticks per second for utime/stime, fixed on every platform the
// collector supports.
const userHZ = 100

// cpuSample is one reading of a thread's cumulative CPU time, in seconds.
type cpuSample struct {
	user float64
	cpu  float64
}

// threadSampler reads cumulative CPU times for a set of OS thread ids.
type threadSampler interface {
	Sample(tids map[int]struct{}) (map[int]cpuSample, error)
}

type procfsSampler struct {
	pid int
}

func (s procfsSampler) Sample(tids map[int]struct{}) (map[int]cpuSample, error) {
	procs, err := procfs.AllThreads(s.pid)
	if err != nil {
		return nil, err
	}

	out := make(map[int]cpuSample, len(tids))
	for _, p := range procs {
		if _, ok := tids[p.PID]; !ok {
			continue
		}
		stat, err := p.Stat()
		if err != nil {
			// The thread can exit between the listing and the read.
			continue
		}
		out[p.PID] = cpuSample{
			user: float64(stat.UTime) / userHZ,
			cpu:  float64(stat.UTime+stat.STime) / userHZ,
		}
	}
	return out, nil
}

// ring is a fixed-capacity buffer of the most recent samples.
type ring struct {
	buf  []float64
	next int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// last averages the most recent n samples, or everything it has when fewer
// were collected.
func (r *ring) last(n int) float64 {
	if n > r.size {
		n = r.size
	}
	if n == 0 {
		return 0
	}

	var sum float64
	idx := r.next
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = len(r.buf) - 1
		}
		sum += r.buf[idx]
	}
	return sum / float64(n)
}

// threadWindow holds one slicing thread's sample history and the cumulative
// readings the next delta is computed against.
type threadWindow struct {
	cpu  *ring
	user *ring

	lastCPU  float64
	lastUser float64
	lastAt   time.Time
}

// Collector periodically reads each slicing thread's cumulative CPU times
// from procfs and keeps per-thread rings of usage percentages. Slicing
// threads are pinned to OS threads for their whole life, which is what makes
// the per-thread numbers attributable.
type Collector struct {
	services.Service

	cfg     Config
	pool    *taskpool.Pool
	sampler threadSampler
	logger  log.Logger

	mtx     sync.RWMutex
	windows map[int]*threadWindow

	cpuPercent  *prometheus.GaugeVec
	userPercent *prometheus.GaugeVec
}

// NewCollector builds the production collector over procfs.
func NewCollector(cfg Config, pool *taskpool.Pool, logger log.Logger, reg prometheus.Registerer) *Collector {
	return newCollector(cfg, pool, procfsSampler{pid: os.Getpid()}, logger, reg)
}

func newCollector(cfg Config, pool *taskpool.Pool, sampler threadSampler, logger log.Logger, reg prometheus.Registerer) *Collector {
	c := &Collector{
		cfg:     cfg,
		pool:    pool,
		sampler: sampler,
		logger:  logger,
		windows: map[int]*threadWindow{},

		cpuPercent: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sqlgrid",
			Name:      "workstats_thread_cpu_percent",
			Help:      "CPU usage of each slicing thread over the last sample, as a percentage of one core.",
		}, []string{"thread"}),
		userPercent: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sqlgrid",
			Name:      "workstats_thread_user_percent",
			Help:      "User-mode CPU usage of each slicing thread over the last sample, as a percentage of one core.",
		}, []string{"thread"}),
	}

	c.Service = services.NewTimerService(cfg.SampleInterval, nil, c.iteration, nil).WithName("workstats-collector")
	return c
}

func (c *Collector) iteration(_ context.Context) error {
	watch := map[int]int{}
	tids := map[int]struct{}{}
	for _, t := range c.pool.SlicingThreads() {
		if t.OSThreadID <= 0 {
			continue
		}
		watch[t.OSThreadID] = t.ID
		tids[t.OSThreadID] = struct{}{}
	}
	if len(tids) == 0 {
		return nil
	}

	samples, err := c.sampler.Sample(tids)
	if err != nil {
		level.Warn(c.logger).Log("msg", "failed to sample slicing thread CPU times", "err", err)
		return nil
	}

	now := time.Now()
	for tid, s := range samples {
		c.observe(tid, watch[tid], s, now)
	}

	c.mtx.Lock()
	for tid := range c.windows {
		if _, ok := tids[tid]; !ok {
			delete(c.windows, tid)
		}
	}
	c.mtx.Unlock()
	return nil
}

func (c *Collector) observe(tid, threadID int, s cpuSample, now time.Time) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	w, ok := c.windows[tid]
	if !ok {
		// The first reading only seeds the cumulative baseline.
		c.windows[tid] = &threadWindow{
			cpu:      newRing(c.cfg.SampleWindow),
			user:     newRing(c.cfg.SampleWindow),
			lastCPU:  s.cpu,
			lastUser: s.user,
			lastAt:   now,
		}
		return
	}

	elapsed := now.Sub(w.lastAt).Seconds()
	if elapsed <= 0 {
		return
	}

	cpuPct := (s.cpu - w.lastCPU) / elapsed * 100
	userPct := (s.user - w.lastUser) / elapsed * 100
	w.cpu.push(cpuPct)
	w.user.push(userPct)
	w.lastCPU, w.lastUser, w.lastAt = s.cpu, s.user, now

	label := strconv.Itoa(threadID)
	c.cpuPercent.WithLabelValues(label).Set(cpuPct)
	c.userPercent.WithLabelValues(label).Set(userPct)
}

// CPUTrailingAverage returns the percentage of one core the thread consumed
// on average over the trailing window of that many seconds. Unknown threads
// report zero.
func (c *Collector) CPUTrailingAverage(osThreadID, seconds int) int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	w, ok := c.windows[osThreadID]
	if !ok {
		return 0
	}
	return int(math.Round(w.cpu.last(c.samplesFor(seconds))))
}

// UserTrailingAverage is CPUTrailingAverage restricted to user-mode time.
func (c *Collector) UserTrailingAverage(osThreadID, seconds int) int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	w, ok := c.windows[osThreadID]
	if !ok {
		return 0
	}
	return int(math.Round(w.user.last(c.samplesFor(seconds))))
}

func (c *Collector) samplesFor(seconds int) int {
	n := int(math.Round(float64(seconds) / c.cfg.SampleInterval.Seconds()))
	if n < 1 {
		n = 1
	}
	return n
}
