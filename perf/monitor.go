package perf

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/shirou/gopsutil/v4/process"
)

const bytesPerMB = 1024 * 1024

// MemorySnapshot holds process memory usage in megabytes.
type MemorySnapshot struct {
	RSSMB       float64 `json:"rssMb"`
	HeapUsedMB  float64 `json:"heapUsedMb"`
	HeapTotalMB float64 `json:"heapTotalMb"`
	ExternalMB  float64 `json:"externalMb"`
}

// Sub returns the snapshot relative to a baseline.
func (s MemorySnapshot) Sub(baseline MemorySnapshot) MemorySnapshot {
	return MemorySnapshot{
		RSSMB:       s.RSSMB - baseline.RSSMB,
		HeapUsedMB:  s.HeapUsedMB - baseline.HeapUsedMB,
		HeapTotalMB: s.HeapTotalMB - baseline.HeapTotalMB,
		ExternalMB:  s.ExternalMB - baseline.ExternalMB,
	}
}

// Metric is one completed named timing.
type Metric struct {
	Name       string        `json:"name"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"-"`
	DurationMS float64       `json:"durationMs"`
}

// Monitor records named timings and process memory snapshots. Timers are
// keyed by a unique per-invocation id rather than the timer name, so the
// same test name can be timed concurrently during parallel category runs.
type Monitor struct {
	logger log.Logger
	proc   *process.Process

	baseline MemorySnapshot

	mu      sync.Mutex
	seq     uint64
	active  map[string]activeTimer
	metrics []Metric
}

type activeTimer struct {
	name      string
	startedAt time.Time
}

// NewMonitor captures the memory baseline; every later delta is relative to
// suite construction, not to the individual test.
func NewMonitor(logger log.Logger) *Monitor {
	m := &Monitor{
		logger: logger,
		active: map[string]activeTimer{},
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warnf("Failed to attach process memory reader: %s", err)
	} else {
		m.proc = proc
	}

	m.baseline = m.Snapshot()
	return m
}

// StartTimer returns the id to pass to EndTimer.
func (m *Monitor) StartTimer(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := fmt.Sprintf("%s#%d", name, m.seq)
	m.active[id] = activeTimer{name: name, startedAt: time.Now()}
	return id
}

// EndTimer finishes the timer started under id and records its metric.
func (m *Monitor) EndTimer(id string) (Metric, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	timer, ok := m.active[id]
	if !ok {
		m.logger.Debugf("No active timer for id: %s", id)
		return Metric{}, false
	}
	delete(m.active, id)

	duration := time.Since(timer.startedAt)
	metric := Metric{
		Name:       timer.name,
		StartedAt:  timer.startedAt,
		Duration:   duration,
		DurationMS: float64(duration.Microseconds()) / 1000.0,
	}
	m.metrics = append(m.metrics, metric)
	return metric, true
}

// Snapshot reads the current process memory usage.
func (m *Monitor) Snapshot() MemorySnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snapshot := MemorySnapshot{
		HeapUsedMB:  float64(memStats.HeapAlloc) / bytesPerMB,
		HeapTotalMB: float64(memStats.HeapSys) / bytesPerMB,
		ExternalMB:  float64(memStats.Sys-memStats.HeapSys) / bytesPerMB,
	}

	if m.proc != nil {
		memInfo, err := m.proc.MemoryInfo()
		if err != nil {
			m.logger.Debugf("Failed to read process memory info: %s", err)
		} else {
			snapshot.RSSMB = float64(memInfo.RSS) / bytesPerMB
		}
	}

	return snapshot
}

// Delta is the cumulative memory growth since the monitor was created.
func (m *Monitor) Delta() MemorySnapshot {
	return m.Snapshot().Sub(m.baseline)
}

// Metrics returns all completed timings in completion order.
func (m *Monitor) Metrics() []Metric {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := make([]Metric, len(m.metrics))
	copy(metrics, m.metrics)
	return metrics
}

// SlowestMetrics returns up to n completed timings, slowest first.
func (m *Monitor) SlowestMetrics(n int) []Metric {
	metrics := m.Metrics()
	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].Duration > metrics[j].Duration
	})
	if len(metrics) > n {
		metrics = metrics[:n]
	}
	return metrics
}
