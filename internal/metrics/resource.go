package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is one CPU/RAM reading of the server process.
type ResourceSample struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	TotalBytes uint64    `json:"total_bytes"`
	Valid      bool      `json:"valid"`
	At         time.Time `json:"at"`
}

// Display renders the sample for the operator console.
func (s ResourceSample) Display() string {
	if !s.Valid {
		return "CPU: --   RAM: --"
	}
	return fmt.Sprintf("CPU: %.0f%%   RAM: %s / %s", s.CPUPercent, humanize.IBytes(s.RSSBytes), humanize.IBytes(s.TotalBytes))
}

// Probe reads OS counters for a process.
type Probe interface {
	// CPUTime returns cumulative user+system time of pid.
	CPUTime(pid int) (time.Duration, error)
	RSS(pid int) (uint64, error)
	TotalMemory() (uint64, error)
	NumCPU() int
}

// ResourceSampler derives CPU% from successive cumulative CPU readings.
type ResourceSampler struct {
	probe Probe

	mu       sync.Mutex
	pid      int
	primed   bool
	lastCPU  time.Duration
	lastWall time.Time
}

// NewResourceSampler uses the gopsutil probe when p is nil.
func NewResourceSampler(p Probe) *ResourceSampler {
	if p == nil {
		p = NewSystemProbe()
	}
	return &ResourceSampler{probe: p}
}

// Sample reads pid's counters. The first sample for a pid primes the
// baseline and reports 0% CPU. Probe failures yield an invalid sample.
func (s *ResourceSampler) Sample(pid int, now time.Time) ResourceSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pid <= 0 {
		s.primed = false
		s.pid = 0
		return ResourceSample{At: now}
	}
	cpuTime, err := s.probe.CPUTime(pid)
	if err != nil {
		s.primed = false
		return ResourceSample{PID: pid, At: now}
	}
	rss, err := s.probe.RSS(pid)
	if err != nil {
		s.primed = false
		return ResourceSample{PID: pid, At: now}
	}
	total, err := s.probe.TotalMemory()
	if err != nil {
		s.primed = false
		return ResourceSample{PID: pid, At: now}
	}

	pct := 0.0
	if s.primed && s.pid == pid {
		wall := now.Sub(s.lastWall)
		n := s.probe.NumCPU()
		if n < 1 {
			n = 1
		}
		if wall > 0 {
			pct = float64(cpuTime-s.lastCPU) / (float64(wall) * float64(n)) * 100
		}
		pct = clampPercent(pct)
	}
	s.pid = pid
	s.primed = true
	s.lastCPU = cpuTime
	s.lastWall = now

	return ResourceSample{PID: pid, CPUPercent: pct, RSSBytes: rss, TotalBytes: total, Valid: true, At: now}
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// SystemProbe reads counters through gopsutil.
type SystemProbe struct {
	mu    sync.Mutex
	proc  *process.Process
	cores int
}

func NewSystemProbe() *SystemProbe {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = runtime.NumCPU()
	}
	return &SystemProbe{cores: n}
}

func (p *SystemProbe) handle(pid int) (*process.Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc != nil && int(p.proc.Pid) == pid {
		return p.proc, nil
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}
	p.proc = proc
	return proc, nil
}

func (p *SystemProbe) CPUTime(pid int) (time.Duration, error) {
	proc, err := p.handle(pid)
	if err != nil {
		return 0, err
	}
	t, err := proc.Times()
	if err != nil {
		return 0, err
	}
	return time.Duration((t.User + t.System) * float64(time.Second)), nil
}

func (p *SystemProbe) RSS(pid int) (uint64, error) {
	proc, err := p.handle(pid)
	if err != nil {
		return 0, err
	}
	mi, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mi.RSS, nil
}

func (p *SystemProbe) TotalMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

func (p *SystemProbe) NumCPU() int { return p.cores }
