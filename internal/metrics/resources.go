package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of a dev server process.
type Usage struct {
	Project    string    `json:"project"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

type ResourceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ResourceSampler periodically samples CPU and memory of running dev servers
// via gopsutil and exports them as gauges.
type ResourceSampler struct {
	interval time.Duration

	mu     sync.RWMutex
	latest map[string]Usage

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpu     *prometheus.GaugeVec
	rss     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
}

func NewResourceSampler(cfg ResourceConfig) *ResourceSampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ResourceSampler{
		interval: interval,
		latest:   make(map[string]Usage),
		stopCh:   make(chan struct{}),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "devserver", Name: "cpu_percent",
			Help: "CPU usage percentage of the dev server process.",
		}, []string{"project"}),
		rss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "devserver", Name: "memory_rss_bytes",
			Help: "Resident memory of the dev server process.",
		}, []string{"project"}),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "devserver", Name: "num_threads",
			Help: "Threads of the dev server process.",
		}, []string{"project"}),
	}
}

func (s *ResourceSampler) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.cpu, s.rss, s.threads} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pids() every interval until ctx ends or Stop is called.
// pids maps project id to the PID of its dev server.
func (s *ResourceSampler) Start(ctx context.Context, pids func() map[string]int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.C:
				s.Collect(pids())
			}
		}
	}()
}

func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect takes one sample of every pid and forgets projects not present.
func (s *ResourceSampler) Collect(pids map[string]int) {
	now := time.Now()
	fresh := make(map[string]Usage, len(pids))
	for project, pid := range pids {
		if pid <= 0 {
			continue
		}
		u, err := sample(project, int32(pid), now)
		if err != nil {
			slog.Debug("resource sample failed", "project", project, "pid", pid, "error", err)
			continue
		}
		fresh[project] = u
		s.cpu.WithLabelValues(project).Set(u.CPUPercent)
		s.rss.WithLabelValues(project).Set(float64(u.MemoryRSS))
		s.threads.WithLabelValues(project).Set(float64(u.NumThreads))
	}

	s.mu.Lock()
	for project := range s.latest {
		if _, ok := fresh[project]; !ok {
			s.cpu.DeleteLabelValues(project)
			s.rss.DeleteLabelValues(project)
			s.threads.DeleteLabelValues(project)
		}
	}
	s.latest = fresh
	s.mu.Unlock()
}

// Latest returns the most recent sample for project.
func (s *ResourceSampler) Latest(project string) (Usage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.latest[project]
	return u, ok
}

func sample(project string, pid int32, now time.Time) (Usage, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("open process: %w", err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("memory info: %w", err)
	}
	u := Usage{Project: project, PID: pid, MemoryRSS: mem.RSS, Timestamp: now}
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}
