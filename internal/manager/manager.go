// Package manager supervises one dev server per project: it allocates ports,
// spawns the dev-server command, confirms readiness, watches health, reacts
// to crashes and tears everything down on stop.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/env"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/events"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/health"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/logger"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/metrics"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/ports"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/process"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/store"
)

const (
	// exitWait bounds how long Stop waits for the output pump after Terminate.
	exitWait    = 5 * time.Second
	sidecarWait = 2 * time.Second
)

type crashRecord struct {
	count int
	last  time.Time
}

// Manager supervises dev servers. It is safe for concurrent use.
type Manager struct {
	cfg          Config
	log          *slog.Logger
	spawner      process.Spawner
	readiness    health.Prober
	healthProber health.Prober
	healthCfg    health.Config
	ports        *ports.Allocator
	monitor      *health.Monitor
	store        store.Store
	bus          *events.Bus
	outputLogs   logger.Config
	now          func() time.Time

	envMu sync.Mutex
	env   *env.Env

	ctx    context.Context
	cancel context.CancelFunc
	starts singleflight.Group

	mu      sync.Mutex
	procs   map[string]*managedProcess
	crashes map[string]crashRecord
	active  string
	seq     uint64
	closed  bool
}

// ProjectInfo is a snapshot of one supervised project.
type ProjectInfo struct {
	ID         string         `json:"id"`
	Dir        string         `json:"dir"`
	State      State          `json:"state"`
	Port       int            `json:"port,omitempty"`
	PID        int            `json:"pid,omitempty"`
	Active     bool           `json:"active"`
	CrashCount int            `json:"crash_count,omitempty"`
	Health     *health.Status `json:"health,omitempty"`
}

// New builds a Manager. Unset collaborators get working defaults: real
// processes, HTTP probes, the default port ranges, an in-memory sidecar and a
// private event bus.
func New(cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:       cfg,
		log:       slog.Default(),
		spawner:   process.ExecSpawner{},
		readiness: health.HTTPProber{Method: http.MethodGet},
		healthProber: health.HTTPProber{
			Method: http.MethodHead,
		},
		healthCfg: health.DefaultConfig(),
		now:       time.Now,
		procs:     make(map[string]*managedProcess),
		crashes:   make(map[string]crashRecord),
	}
	for _, o := range opts {
		o(m)
	}
	if m.ports == nil {
		m.ports = ports.New(ports.DefaultConfig(), ports.WithObserver(metrics.SetAllocatedPorts))
	}
	if m.store == nil {
		m.store = store.NewMemory()
	}
	if m.bus == nil {
		m.bus = events.NewBus()
	}
	if m.env == nil {
		m.env = env.New()
		m.env.FromOS()
	}
	m.monitor = health.New(m.healthCfg, m.healthProber, health.WithLogger(m.log))
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Subscribe returns a subscription that receives every event from now on.
func (m *Manager) Subscribe() *events.Subscription { return m.bus.Subscribe() }

func (m *Manager) Bus() *events.Bus { return m.bus }

func (m *Manager) Ports() *ports.Allocator { return m.ports }

// SetActive marks the project the user is looking at. A non-forced Stop of
// the active project is refused.
func (m *Manager) SetActive(id string) {
	m.mu.Lock()
	m.active = id
	m.mu.Unlock()
}

func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) lookup(id string) *managedProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[id]
}

// Status returns the project's state; unknown projects are Stopped.
func (m *Manager) Status(id string) State {
	mp := m.lookup(id)
	if mp == nil {
		return StateStopped
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.state
}

// Port returns the port of the project's live process.
func (m *Manager) Port(id string) (int, bool) {
	mp := m.lookup(id)
	if mp == nil {
		return 0, false
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.run == nil || mp.port == 0 {
		return 0, false
	}
	return mp.port, true
}

// Output returns up to limit recent output lines, oldest first.
func (m *Manager) Output(id string, limit int) []process.Line {
	mp := m.lookup(id)
	if mp == nil {
		return nil
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.output.last(limit)
}

// Health returns the last health status while the project is Running.
func (m *Manager) Health(id string) (health.Status, bool) {
	mp := m.lookup(id)
	if mp == nil {
		return health.Status{}, false
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.state != StateRunning || mp.health == nil {
		return health.Status{}, false
	}
	return *mp.health, true
}

// TriggerHealthCheck runs a health tick now. It counts toward the failure
// threshold.
func (m *Manager) TriggerHealthCheck(ctx context.Context, id string) (health.Status, error) {
	if m.Status(id) != StateRunning {
		return health.Status{}, fmt.Errorf("%s: %w", id, ErrNotRunning)
	}
	st, err := m.monitor.CheckNow(ctx, id)
	if err != nil {
		return health.Status{}, fmt.Errorf("%s: %w", id, ErrNotRunning)
	}
	return st, nil
}

// Project returns a snapshot of one project.
func (m *Manager) Project(id string) (ProjectInfo, error) {
	m.mu.Lock()
	mp := m.procs[id]
	active := m.active
	crashes := m.crashes[id].count
	m.mu.Unlock()
	if mp == nil {
		return ProjectInfo{}, fmt.Errorf("%s: %w", id, ErrUnknownProject)
	}
	return mp.info(active, crashes), nil
}

// Projects returns a snapshot of every known project sorted by id.
func (m *Manager) Projects() []ProjectInfo {
	m.mu.Lock()
	list := make([]*managedProcess, 0, len(m.procs))
	for _, mp := range m.procs {
		list = append(list, mp)
	}
	active := m.active
	crashes := make(map[string]int, len(m.crashes))
	for id, c := range m.crashes {
		crashes[id] = c.count
	}
	m.mu.Unlock()

	out := make([]ProjectInfo, 0, len(list))
	for _, mp := range list {
		out = append(out, mp.info(active, crashes[mp.id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PIDs maps every project with a live process to its pid.
func (m *Manager) PIDs() map[string]int {
	out := make(map[string]int)
	for _, p := range m.Projects() {
		if p.PID > 0 {
			out[p.ID] = p.PID
		}
	}
	return out
}

// Shutdown force-stops every project and releases the manager's resources.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	list := make([]*managedProcess, 0, len(m.procs))
	for _, mp := range m.procs {
		list = append(list, mp)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, mp := range list {
		g.Go(func() error { return m.stop(gctx, mp) })
	}
	err := g.Wait()
	m.monitor.Close()
	m.cancel()
	m.bus.Close()
	return err
}

// transition moves mp to state to and emits status-changed. Caller holds mp.mu.
func (m *Manager) transition(mp *managedProcess, to State) {
	from := mp.state
	if from == to {
		return
	}
	mp.state = to
	metrics.RecordStateTransition(mp.id, from.String(), to.String())
	m.log.Debug("state changed", "project", mp.id, "from", from, "to", to)
	e := events.Event{Type: events.StatusChanged, ProjectID: mp.id, State: to.String()}
	if mp.run != nil {
		e.Port = mp.port
	}
	m.bus.Publish(e)
}

// emitError publishes an error event. Caller holds mp.mu.
func (m *Manager) emitError(mp *managedProcess, msg string, fatal bool) {
	m.bus.Publish(events.Event{Type: events.Error, ProjectID: mp.id, Message: msg, Fatal: fatal})
}

func (m *Manager) savePID(id string, pid, port int) {
	ctx, cancel := context.WithTimeout(context.Background(), sidecarWait)
	defer cancel()
	if err := m.store.SavePID(ctx, id, pid, port); err != nil {
		m.log.Warn("sidecar save failed", "project", id, "pid", pid, "error", err)
	}
}

func (m *Manager) removePID(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), sidecarWait)
	defer cancel()
	if err := m.store.RemovePID(ctx, id); err != nil {
		m.log.Warn("sidecar remove failed", "project", id, "error", err)
	}
}

// childEnv composes a dev server's environment.
func (m *Manager) childEnv(port, secondary int) []string {
	kv := []string{
		fmt.Sprintf("PORT=%d", port),
		fmt.Sprintf("SECONDARY_PORT=%d", secondary),
		"FORCE_COLOR=1",
		"BROWSER=none",
	}
	kv = append(kv, substituteAll(m.cfg.Env, port, secondary)...)
	m.envMu.Lock()
	defer m.envMu.Unlock()
	return m.env.Merge(kv)
}
