// Package perf samples process load on a fixed cadence and turns it into
// per-camera quality decisions. The Monitor produces Samples; the Controller
// consumes them and walks cameras up and down the quality ladder.
package perf

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one snapshot of system load plus measured per-camera delivery
// rates. A zero Sample is returned before the first tick.
type Sample struct {
	Timestamp  time.Time          `json:"timestamp"`
	CPUPercent float64            `json:"cpu_percent"`
	MemPercent float64            `json:"mem_percent"`
	CameraFPS  map[string]float64 `json:"camera_fps"`
}

// Probe supplies raw CPU and memory readings. Production uses gopsutil; tests
// inject synthetic values to drive the controller deterministically.
type Probe interface {
	CPUPercent() (float64, error)
	MemoryPercent() (float64, error)
}

// SystemProbe reads system-wide CPU utilisation and this process's memory
// share through gopsutil.
type SystemProbe struct {
	proc *process.Process
}

// NewSystemProbe builds a probe bound to the current process.
func NewSystemProbe() (*SystemProbe, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	// Prime the CPU counters so the first real reading has a delta to work
	// against instead of returning 0.
	cpu.Percent(0, false)
	return &SystemProbe{proc: proc}, nil
}

func (p *SystemProbe) CPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

func (p *SystemProbe) MemoryPercent() (float64, error) {
	mem, err := p.proc.MemoryPercent()
	return float64(mem), err
}

// FrameCounter exposes a camera's published-frame sequence number. Satisfied
// by *camera.FrameBuffer.
type FrameCounter interface {
	Seq() uint64
}

// fpsWindowCount is how many sampling windows the per-camera fps moving
// average spans.
const fpsWindowCount = 5

type cameraStat struct {
	counter FrameCounter
	lastSeq uint64
	windows []float64 // most recent per-window fps values
}

// Monitor samples load and per-camera fps on a fixed cadence. Explicitly
// owned, start/stop lifecycle; latest sample access never blocks.
type Monitor struct {
	probe Probe
	log   *slog.Logger

	mu      sync.Mutex
	cameras map[string]*cameraStat

	latest  atomic.Pointer[Sample]
	running atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewMonitor creates a stopped monitor using the given probe.
func NewMonitor(probe Probe) *Monitor {
	return &Monitor{
		probe:   probe,
		log:     slog.With("component", "perf"),
		cameras: make(map[string]*cameraStat),
	}
}

// RegisterCamera adds a camera's frame counter to fps tracking.
func (m *Monitor) RegisterCamera(id string, counter FrameCounter) {
	m.mu.Lock()
	m.cameras[id] = &cameraStat{counter: counter, lastSeq: counter.Seq()}
	m.mu.Unlock()
}

// UnregisterCamera removes a camera from fps tracking.
func (m *Monitor) UnregisterCamera(id string) {
	m.mu.Lock()
	delete(m.cameras, id)
	m.mu.Unlock()
}

// Start begins sampling on the given interval. No-op if already running.
func (m *Monitor) Start(interval time.Duration) {
	if m.running.Swap(true) {
		return
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(interval)
	m.log.Info("performance monitor started", "interval", interval)
}

// Stop halts sampling and waits for the loop to exit.
func (m *Monitor) Stop() {
	if !m.running.Swap(false) {
		return
	}
	close(m.stopCh)
	<-m.done
	m.log.Info("performance monitor stopped")
}

// Latest returns the most recently computed sample. Never blocks; returns a
// zeroed sample before the first tick.
func (m *Monitor) Latest() Sample {
	s := m.latest.Load()
	if s == nil {
		return Sample{CameraFPS: map[string]float64{}}
	}
	return *s
}

func (m *Monitor) loop(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick(interval)
		}
	}
}

// Tick computes one sample immediately. Exercised by the loop; exported for
// tests that drive the monitor without wall-clock waits.
func (m *Monitor) Tick(window time.Duration) Sample {
	return m.tick(window)
}

func (m *Monitor) tick(window time.Duration) Sample {
	s := Sample{
		Timestamp: time.Now(),
		CameraFPS: make(map[string]float64),
	}

	if cpuPct, err := m.probe.CPUPercent(); err == nil {
		s.CPUPercent = cpuPct
	} else {
		m.log.Debug("cpu probe failed", "err", err)
	}
	if memPct, err := m.probe.MemoryPercent(); err == nil {
		s.MemPercent = memPct
	} else {
		m.log.Debug("memory probe failed", "err", err)
	}

	m.mu.Lock()
	for id, stat := range m.cameras {
		seq := stat.counter.Seq()
		delta := seq - stat.lastSeq
		stat.lastSeq = seq

		fps := float64(delta) / window.Seconds()
		stat.windows = append(stat.windows, fps)
		if len(stat.windows) > fpsWindowCount {
			stat.windows = stat.windows[len(stat.windows)-fpsWindowCount:]
		}

		var sum float64
		for _, v := range stat.windows {
			sum += v
		}
		s.CameraFPS[id] = sum / float64(len(stat.windows))
	}
	m.mu.Unlock()

	m.latest.Store(&s)
	return s
}
