// Package health polls Running dev servers and reports consecutive failures.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	CheckHTTP    = "http-responding"
	CheckProcess = "process-alive"
	CheckPort    = "port-listening"
)

const (
	DefaultInterval         = 30 * time.Second
	DefaultTimeout          = 5 * time.Second
	DefaultFailureThreshold = 3
)

var ErrNotWatched = errors.New("project is not being monitored")

type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// Status is the outcome of the most recent tick for one project.
type Status struct {
	Healthy             bool      `json:"healthy"`
	Checks              []Check   `json:"checks"`
	LastChecked         time.Time `json:"last_checked"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Target is what a watch probes.
type Target struct {
	Port  int
	Alive func() bool
}

// Reporter receives every tick's status. critical is true exactly once, on
// the tick that reaches the failure threshold; no further ticks follow it.
type Reporter func(st Status, critical bool)

type Config struct {
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

func DefaultConfig() Config {
	return Config{
		Interval:         DefaultInterval,
		Timeout:          DefaultTimeout,
		FailureThreshold: DefaultFailureThreshold,
	}
}

func (c Config) Validate() error {
	if c.Interval <= 0 || c.Timeout <= 0 {
		return fmt.Errorf("health interval and timeout must be positive")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("health failure_threshold must be >= 1")
	}
	return nil
}

type Option func(*Monitor)

func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.log = l } }

// Monitor runs one polling loop per watched project.
type Monitor struct {
	cfg    Config
	prober Prober
	log    *slog.Logger

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	id     string
	target Target
	report Reporter
	cancel context.CancelFunc

	// tickMu serializes ticks so reports reach the Reporter in order.
	tickMu   sync.Mutex
	status   Status
	failures int
	stopped  bool
}

func New(cfg Config, prober Prober, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	m := &Monitor{cfg: cfg, prober: prober, log: slog.Default(), watches: make(map[string]*watch)}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Watch starts polling id, replacing any previous watch. The first tick runs
// one interval after Watch.
func (m *Monitor) Watch(id string, target Target, report Reporter) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{id: id, target: target, report: report, cancel: cancel}

	m.mu.Lock()
	if old, ok := m.watches[id]; ok {
		old.cancel()
	}
	m.watches[id] = w
	m.mu.Unlock()

	go m.loop(ctx, w)
}

// Unwatch stops polling id. It does not wait for an in-flight tick, so it is
// safe to call from inside a Reporter.
func (m *Monitor) Unwatch(id string) {
	m.mu.Lock()
	w, ok := m.watches[id]
	delete(m.watches, id)
	m.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// Status returns the last tick result for id.
func (m *Monitor) Status(id string) (Status, bool) {
	w := m.get(id)
	if w == nil {
		return Status{}, false
	}
	w.tickMu.Lock()
	defer w.tickMu.Unlock()
	if w.status.LastChecked.IsZero() {
		return Status{}, false
	}
	return w.status, true
}

// CheckNow runs one tick immediately. It counts toward the failure threshold
// like a scheduled tick.
func (m *Monitor) CheckNow(ctx context.Context, id string) (Status, error) {
	w := m.get(id)
	if w == nil {
		return Status{}, fmt.Errorf("%s: %w", id, ErrNotWatched)
	}
	st, ok := m.tick(ctx, w)
	if !ok {
		return Status{}, fmt.Errorf("%s: %w", id, ErrNotWatched)
	}
	return st, nil
}

// Close stops every watch.
func (m *Monitor) Close() {
	m.mu.Lock()
	ws := m.watches
	m.watches = make(map[string]*watch)
	m.mu.Unlock()
	for _, w := range ws {
		w.cancel()
	}
}

func (m *Monitor) get(id string) *watch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watches[id]
}

func (m *Monitor) loop(ctx context.Context, w *watch) {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, ok := m.tick(ctx, w); !ok {
				return
			}
			w.tickMu.Lock()
			stopped := w.stopped
			w.tickMu.Unlock()
			if stopped {
				return
			}
		}
	}
}

// tick runs all checks and reports. It returns false when the watch has
// already stopped.
func (m *Monitor) tick(ctx context.Context, w *watch) (Status, bool) {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()
	if w.stopped {
		return w.status, false
	}

	checks := m.runChecks(ctx, w.target)
	healthy := true
	for _, c := range checks {
		healthy = healthy && c.Passed
	}
	if healthy {
		w.failures = 0
	} else {
		w.failures++
	}
	critical := w.failures >= m.cfg.FailureThreshold
	w.status = Status{
		Healthy:             healthy,
		Checks:              checks,
		LastChecked:         time.Now(),
		ConsecutiveFailures: w.failures,
	}
	if critical {
		w.status.Healthy = false
		w.stopped = true
		w.cancel()
		m.log.Warn("health critical", "project", w.id, "failures", w.failures)
	} else if !healthy {
		m.log.Debug("health check failed", "project", w.id, "failures", w.failures)
	}
	if w.report != nil {
		w.report(w.status, critical)
	}
	return w.status, true
}

func (m *Monitor) runChecks(ctx context.Context, t Target) []Check {
	alive := Check{Name: CheckProcess, Passed: t.Alive != nil && t.Alive()}
	if !alive.Passed {
		alive.Message = "process not found"
	}

	port := Check{Name: CheckPort, Passed: t.Port > 0}
	if port.Passed {
		port.Message = fmt.Sprintf("port %d allocated", t.Port)
	} else {
		port.Message = "no port allocated"
	}

	httpc := Check{Name: CheckHTTP}
	if t.Port > 0 && m.prober != nil {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		err := m.prober.Probe(pctx, t.Port)
		cancel()
		httpc.Passed = err == nil
		if err != nil {
			httpc.Message = err.Error()
		}
	} else {
		httpc.Message = "no port to probe"
	}
	return []Check{httpc, alive, port}
}
