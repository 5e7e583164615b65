package sampler

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/servwatch/servwatch/pkg/types"
)

// Runtime samples the agent's Go runtime and, on Linux, the host and process
// figures exposed under /proc.
type Runtime struct {
	start time.Time
	fs    *procfs.FS // nil when /proc is unavailable

	mu      sync.Mutex
	prevCPU *procfs.CPUStat
}

// NewRuntime creates a Runtime sampler.
func NewRuntime() *Runtime {
	r := &Runtime{start: time.Now()}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		slog.Info("sampler: /proc unavailable, reporting runtime figures only", "err", err)
		return r
	}
	r.fs = &fs
	return r
}

// Sample reads the current figures. Host readings that fail are skipped.
func (r *Runtime) Sample(_ context.Context) (types.MetricTree, error) {
	tree := types.MetricTree{}
	set := func(path string, v float64) {
		if err := tree.Set(path, v); err != nil {
			slog.Debug("sampler: skip runtime figure", "path", path, "err", err)
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	set("app.heapUsed", float64(ms.HeapAlloc))
	set("app.heapTotal", float64(ms.HeapSys))
	if ms.HeapSys > 0 {
		set("app.heapPercentage", float64(ms.HeapAlloc)/float64(ms.HeapSys)*100)
	}
	set("app.goroutines", float64(runtime.NumGoroutine()))
	set("app.gcPauseMs", float64(ms.PauseNs[(ms.NumGC+255)%256])/1e6)
	set("app.uptime", time.Since(r.start).Seconds())
	set("cpu.cores", float64(runtime.NumCPU()))

	if r.fs == nil {
		return tree, nil
	}

	if st, err := r.fs.Stat(); err == nil {
		if usage, ok := r.cpuUsage(st.CPUTotal); ok {
			set("cpu.usage", usage)
		}
	} else {
		slog.Debug("sampler: read /proc/stat", "err", err)
	}

	if la, err := r.fs.LoadAvg(); err == nil {
		set("cpu.load1", la.Load1)
		set("cpu.load5", la.Load5)
		set("cpu.load15", la.Load15)
	} else {
		slog.Debug("sampler: read /proc/loadavg", "err", err)
	}

	if mi, err := r.fs.Meminfo(); err == nil && mi.MemTotal != nil && mi.MemAvailable != nil {
		total := float64(*mi.MemTotal) * 1024
		used := total - float64(*mi.MemAvailable)*1024
		set("memory.total", total)
		set("memory.used", used)
		if total > 0 {
			set("memory.percentage", used/total*100)
		}
	} else if err != nil {
		slog.Debug("sampler: read /proc/meminfo", "err", err)
	}

	if self, err := r.fs.Self(); err == nil {
		if ps, err := self.Stat(); err == nil {
			set("process.cpuSeconds", ps.CPUTime())
			set("process.residentBytes", float64(ps.ResidentMemory()))
		}
	}

	return tree, nil
}

// cpuUsage returns busy percentage across all CPUs since the previous call.
// The first call measures since boot.
func (r *Runtime) cpuUsage(cur procfs.CPUStat) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prev procfs.CPUStat
	if r.prevCPU != nil {
		prev = *r.prevCPU
	}
	r.prevCPU = &cur
	return busyPercent(prev, cur)
}

func busyPercent(prev, cur procfs.CPUStat) (float64, bool) {
	idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	total := cpuTotal(cur) - cpuTotal(prev)
	if total <= 0 {
		return 0, false
	}
	busy := (1 - idle/total) * 100
	if busy < 0 {
		busy = 0
	}
	return busy, true
}

func cpuTotal(s procfs.CPUStat) float64 {
	return s.User + s.Nice + s.System + s.Idle + s.Iowait + s.IRQ + s.SoftIRQ + s.Steal
}
