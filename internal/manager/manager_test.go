package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/env"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/events"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/health"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/ports"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/process"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/store"
)

const viteReady = "  ➜  Local:   http://localhost:8888/"

// fakeHandle is a dev server that only exists in memory.
type fakeHandle struct {
	pid   int
	lines chan process.Line
	done  chan struct{}

	mu         sync.Mutex
	exit       process.ExitStatus
	once       sync.Once
	terminated atomic.Int32
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, lines: make(chan process.Line, 64), done: make(chan struct{})}
}

func (h *fakeHandle) emit(text string) {
	h.lines <- process.Line{Stream: process.Stdout, Text: text, Raw: text, Time: time.Now()}
}

func (h *fakeHandle) exitWith(st process.ExitStatus) {
	h.once.Do(func() {
		h.mu.Lock()
		h.exit = st
		h.mu.Unlock()
		close(h.lines)
		close(h.done)
	})
}

func (h *fakeHandle) PID() int                   { return h.pid }
func (h *fakeHandle) Lines() <-chan process.Line { return h.lines }
func (h *fakeHandle) Done() <-chan struct{}      { return h.done }
func (h *fakeHandle) Signal(os.Signal) error     { return nil }
func (h *fakeHandle) Alive() bool                { return !closed(h.done) }
func (h *fakeHandle) wasTerminated() bool        { return h.terminated.Load() > 0 }
func (h *fakeHandle) Terminate(time.Duration) error {
	h.terminated.Add(1)
	h.exitWith(process.ExitStatus{Code: -1, Signal: "terminated"})
	return nil
}

func (h *fakeHandle) Exit() process.ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

type fakeSpawner struct {
	mu      sync.Mutex
	specs   []process.Spec
	handles []*fakeHandle
	err     error
	// onSpawn runs before Spawn returns; n counts from 1.
	onSpawn func(n int, h *fakeHandle)
}

func (s *fakeSpawner) Spawn(_ context.Context, spec process.Spec) (process.Handle, error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return nil, s.err
	}
	h := newFakeHandle(4000 + len(s.handles))
	s.specs = append(s.specs, spec)
	s.handles = append(s.handles, h)
	n, fn := len(s.handles), s.onSpawn
	s.mu.Unlock()
	if fn != nil {
		fn(n, h)
	}
	return h, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *fakeSpawner) handle(i int) *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[i]
}

func (s *fakeSpawner) spec(i int) process.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specs[i]
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type busyPorts struct {
	mu   sync.Mutex
	busy map[int]bool
}

func (b *busyPorts) free(p int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.busy[p]
}

func (b *busyPorts) set(p int) {
	b.mu.Lock()
	b.busy[p] = true
	b.mu.Unlock()
}

type harness struct {
	m     *Manager
	sp    *fakeSpawner
	up    atomic.Bool
	store *store.Memory
	ports *busyPorts
	clock *fakeClock
	sub   *events.Subscription
	seen  []events.Event
}

func testConfig() Config {
	return Config{
		Command:           "dev",
		Args:              []string{"--port", "{port}", "--target-port", "{secondary_port}"},
		MaxAttempts:       3,
		ReadyWait:         200 * time.Millisecond,
		ReadinessAttempts: 5,
		ReadinessInterval: 10 * time.Millisecond,
		ProbeTimeout:      50 * time.Millisecond,
		ConflictBackoff:   10 * time.Millisecond,
		StopGrace:         100 * time.Millisecond,
		RestartDelay:      10 * time.Millisecond,
		CrashWindow:       time.Minute,
		CrashLimit:        3,
		OutputLines:       50,
	}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		sp:    &fakeSpawner{},
		store: store.NewMemory(),
		ports: &busyPorts{busy: make(map[int]bool)},
		clock: &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	h.up.Store(true)
	prober := health.ProberFunc(func(context.Context, int) error {
		if h.up.Load() {
			return nil
		}
		return errors.New("connection refused")
	})
	all := append([]Option{
		WithSpawner(h.sp),
		WithProber(prober),
		WithStore(h.store),
		WithPorts(ports.New(ports.DefaultConfig(), ports.WithChecker(h.ports.free))),
		WithHealth(health.Config{Interval: time.Hour, Timeout: 50 * time.Millisecond, FailureThreshold: 3}),
		WithEnv(env.NewWithBase([]string{"PATH=/usr/bin"})),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(h.clock.now),
	}, opts...)
	m, err := New(cfg, all...)
	require.NoError(t, err)
	h.m = m
	h.sub = m.Subscribe()
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return h
}

// waitFor reads events until match returns true.
func (h *harness) waitFor(t *testing.T, match func(events.Event) bool) events.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-h.sub.C():
			require.True(t, ok, "subscription closed")
			h.seen = append(h.seen, e)
			if match(e) {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event; seen %d events", len(h.seen))
		}
	}
}

func (h *harness) waitType(t *testing.T, id string, typ events.Type) events.Event {
	t.Helper()
	return h.waitFor(t, func(e events.Event) bool { return e.ProjectID == id && e.Type == typ })
}

func (h *harness) waitState(t *testing.T, id string, st State) {
	t.Helper()
	h.waitFor(t, func(e events.Event) bool {
		return e.ProjectID == id && e.Type == events.StatusChanged && e.State == st.String()
	})
}

func (h *harness) states(id string) []string {
	var out []string
	for _, e := range h.seen {
		if e.ProjectID == id && e.Type == events.StatusChanged {
			out = append(out, e.State)
		}
	}
	return out
}

func (h *harness) count(id string, typ events.Type) int {
	n := 0
	for _, e := range h.seen {
		if e.ProjectID == id && e.Type == typ {
			n++
		}
	}
	return n
}

func readyOnSpawn(_ int, fh *fakeHandle) { fh.emit(viteReady) }

func TestStart_ReachesRunning(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = readyOnSpawn

	port, err := h.m.Start(context.Background(), "alpha", "/work/alpha")
	require.NoError(t, err)
	assert.Equal(t, 8888, port)

	ready := h.waitType(t, "alpha", events.Ready)
	assert.Equal(t, 8888, ready.Port)
	assert.Equal(t, []string{"Starting", "Running"}, h.states("alpha"))
	assert.Equal(t, StateRunning, h.m.Status("alpha"))

	got, ok := h.m.Port("alpha")
	require.True(t, ok)
	assert.Equal(t, 8888, got)

	spec := h.sp.spec(0)
	assert.Equal(t, "dev", spec.Command)
	assert.Equal(t, []string{"--port", "8888", "--target-port", "5174"}, spec.Args)
	assert.Equal(t, "/work/alpha", spec.Dir)
	for _, kv := range []string{"PORT=8888", "SECONDARY_PORT=5174", "FORCE_COLOR=1", "BROWSER=none", "PATH=/usr/bin"} {
		assert.Contains(t, spec.Env, kv)
	}

	rec, err := h.store.Get(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, h.sp.handle(0).PID(), rec.PID)
	assert.Equal(t, 8888, rec.Port)

	lines := h.m.Output("alpha", 10)
	require.Len(t, lines, 1)
	assert.Equal(t, viteReady, lines[0].Text)
}

func TestStart_AlreadyRunningReturnsPort(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = readyOnSpawn

	p1, err := h.m.Start(context.Background(), "alpha", "/w")
	require.NoError(t, err)
	p2, err := h.m.Start(context.Background(), "alpha", "/w")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, 1, h.sp.count())
}

func TestStart_ConcurrentCallsShareOneSpawn(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = readyOnSpawn

	var wg sync.WaitGroup
	portsSeen := make([]int, 8)
	errs := make([]error, 8)
	for i := range portsSeen {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			portsSeen[i], errs[i] = h.m.Start(context.Background(), "alpha", "/w")
		}(i)
	}
	wg.Wait()
	for i := range portsSeen {
		require.NoError(t, errs[i])
		assert.Equal(t, 8888, portsSeen[i])
	}
	assert.Equal(t, 1, h.sp.count())
}

func TestStart_SecondProjectGetsNextPair(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = readyOnSpawn

	_, err := h.m.Start(context.Background(), "alpha", "/a")
	require.NoError(t, err)
	port, err := h.m.Start(context.Background(), "beta", "/b")
	require.NoError(t, err)
	assert.Equal(t, 8889, port)
	assert.Equal(t, []string{"--port", "8889", "--target-port", "5175"}, h.sp.spec(1).Args)
}

func TestStart_NoReadyTextFallsBackToProbe(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyWait = 20 * time.Millisecond
	h := newHarness(t, cfg)

	port, err := h.m.Start(context.Background(), "alpha", "/w")
	require.NoError(t, err)
	assert.Equal(t, 8888, port)
	assert.Equal(t, StateRunning, h.m.Status("alpha"))
}

func TestStart_ConfirmedOnSecondHTTPAttempt(t *testing.T) {
	var attempts atomic.Int32
	prober := health.ProberFunc(func(context.Context, int) error {
		if attempts.Add(1) == 1 {
			return errors.New("connection refused")
		}
		return nil
	})
	h := newHarness(t, testConfig(), WithProber(prober))
	h.sp.onSpawn = readyOnSpawn

	port, err := h.m.Start(context.Background(), "alpha", "/work/alpha")
	require.NoError(t, err)
	assert.Equal(t, 8888, port)
	assert.EqualValues(t, 2, attempts.Load())

	ready := h.waitType(t, "alpha", events.Ready)
	assert.Equal(t, 8888, ready.Port)

	h.m.Bus().Publish(events.Event{Type: events.Output, ProjectID: "marker"})
	h.waitType(t, "marker", events.Output)
	assert.Equal(t, []string{"Starting", "Running"}, h.states("alpha"))
	assert.Equal(t, 1, h.count("alpha", events.Ready))
	assert.Equal(t, []string{"--port", "8888", "--target-port", "5174"}, h.sp.spec(0).Args)
}

func TestStart_CallerCancelDoesNotAbortStart(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyWait = 100 * time.Millisecond
	h := newHarness(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.m.Start(ctx, "alpha", "/w")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	h.waitType(t, "alpha", events.Ready)
	assert.Equal(t, StateRunning, h.m.Status("alpha"))
}

func TestStart_SpawnFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.err = errors.New("exec: \"dev\": executable file not found in $PATH")

	_, err := h.m.Start(context.Background(), "alpha", "/w")
	require.ErrorIs(t, err, ErrSpawnFailed)
	assert.True(t, IsImmediate(err))

	e := h.waitType(t, "alpha", events.Error)
	assert.True(t, e.Fatal)
	h.waitState(t, "alpha", StateStopped)
	assert.Equal(t, []string{"Starting", "Error", "Stopped"}, h.states("alpha"))
	assert.Equal(t, StateStopped, h.m.Status("alpha"))
	_, held := h.m.Ports().Assignment("alpha")
	assert.False(t, held)
	assert.Empty(t, h.m.Projects())
}

func TestStart_NoPortAvailable(t *testing.T) {
	cfg := ports.Config{PrimaryBase: 8888, PrimaryCeiling: 8888, SecondaryBase: 5174}
	h := newHarness(t, testConfig(), WithPorts(ports.New(cfg, ports.WithChecker(func(int) bool { return false }))))

	_, err := h.m.Start(context.Background(), "alpha", "/w")
	require.ErrorIs(t, err, ErrNoPortAvailable)
	assert.True(t, IsImmediate(err))
	assert.Equal(t, 0, h.sp.count())

	e := h.waitType(t, "alpha", events.Error)
	assert.True(t, e.Fatal)
	assert.Equal(t, StateStopped, h.m.Status("alpha"))
}

func TestStart_PortConflictRetriesOnFreshPort(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = func(n int, fh *fakeHandle) {
		if n == 1 {
			// Someone else grabbed 8888 between the check and the bind.
			h.ports.set(8888)
			fh.emit("Error: listen EADDRINUSE: address already in use :::8888")
			fh.exitWith(process.ExitStatus{Code: 1})
			return
		}
		fh.emit("Local: http://localhost:8889/")
	}

	port, err := h.m.Start(context.Background(), "alpha", "/w")
	require.NoError(t, err)
	assert.Equal(t, 8889, port)
	assert.Equal(t, 2, h.sp.count())

	h.waitType(t, "alpha", events.Ready)
	assert.Zero(t, h.count("alpha", events.Crashed))
	assert.NotContains(t, h.states("alpha"), "Crashed")
	assert.GreaterOrEqual(t, h.count("alpha", events.Error), 1)
}

func TestStart_PortConflictOnEveryAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	h := newHarness(t, cfg)
	h.sp.onSpawn = func(_ int, fh *fakeHandle) {
		fh.emit("Port 8888 is already in use")
	}

	_, err := h.m.Start(context.Background(), "alpha", "/w")
	require.ErrorIs(t, err, ErrPortConflict)
	assert.False(t, IsImmediate(err))
	assert.Equal(t, 2, h.sp.count())
	assert.True(t, h.sp.handle(0).wasTerminated())
	assert.True(t, h.sp.handle(1).wasTerminated())
	assert.Equal(t, StateError, h.m.Status("alpha"))

	e := h.waitFor(t, func(e events.Event) bool { return e.Type == events.Error && e.Fatal })
	assert.Contains(t, e.Message, "port already in use")
	_, held := h.m.Ports().Assignment("alpha")
	assert.False(t, held)
}

func TestStart_ReadinessTimeoutLeavesProcessInError(t *testing.T) {
	cfg := testConfig()
	cfg.ReadinessAttempts = 3
	h := newHarness(t, cfg)
	h.up.Store(false)
	h.sp.onSpawn = readyOnSpawn

	_, err := h.m.Start(context.Background(), "alpha", "/w")
	require.ErrorIs(t, err, ErrReadinessTimeout)
	assert.Equal(t, StateError, h.m.Status("alpha"))
	assert.True(t, h.sp.handle(0).Alive())
	h.waitFor(t, func(e events.Event) bool { return e.Type == events.Error && e.Fatal })

	require.NoError(t, h.m.Stop(context.Background(), "alpha", true))
	assert.True(t, h.sp.handle(0).wasTerminated())
}

func TestStart_ExitDuringStart(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = func(_ int, fh *fakeHandle) {
		fh.emit("sh: dev: command failed")
		fh.exitWith(process.ExitStatus{Code: 2})
	}

	_, err := h.m.Start(context.Background(), "alpha", "/w")
	require.ErrorIs(t, err, ErrExitedDuringStart)

	crash := h.waitType(t, "alpha", events.Crashed)
	assert.Equal(t, 2, crash.ExitCode)
	assert.Equal(t, 1, crash.CrashCount)
	assert.Equal(t, StateCrashed, h.m.Status("alpha"))
}

func TestOutput_ErrorLinesAreClassified(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = func(_ int, fh *fakeHandle) {
		fh.emit("compiling...")
		fh.emit("Error: EACCES: permission denied, open '/etc/x'")
		fh.emit(viteReady)
	}
	_, err := h.m.Start(context.Background(), "alpha", "/w")
	require.NoError(t, err)
	h.waitType(t, "alpha", events.Ready)

	var errs []string
	for _, e := range h.seen {
		if e.Type == events.Error {
			errs = append(errs, e.Message)
		}
	}
	assert.Equal(t, []string{"Error: EACCES: permission denied, open '/etc/x'"}, errs)
	assert.Equal(t, 3, h.count("alpha", events.Output))

	last := h.m.Output("alpha", 2)
	require.Len(t, last, 2)
	assert.True(t, strings.HasPrefix(last[0].Text, "Error: EACCES"))
}

func TestStop_ReleasesEverything(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = readyOnSpawn
	_, err := h.m.Start(context.Background(), "alpha", "/w")
	require.NoError(t, err)
	h.waitType(t, "alpha", events.Ready)

	require.NoError(t, h.m.Stop(context.Background(), "alpha", false))
	h.waitState(t, "alpha", StateStopped)

	assert.Equal(t, []string{"Starting", "Running", "Stopping", "Stopped"}, h.states("alpha"))
	assert.True(t, h.sp.handle(0).wasTerminated())
	assert.Equal(t, StateStopped, h.m.Status("alpha"))
	_, ok := h.m.Port("alpha")
	assert.False(t, ok)
	_, held := h.m.Ports().Assignment("alpha")
	assert.False(t, held)
	_, err = h.store.Get(context.Background(), "alpha")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, h.count("alpha", events.Crashed))
	assert.Empty(t, h.m.Projects())
}

func TestStop_ActiveProjectNeedsForce(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = readyOnSpawn
	_, err := h.m.Start(context.Background(), "alpha", "/w")
	require.NoError(t, err)
	h.m.SetActive("alpha")
	assert.Equal(t, "alpha", h.m.Active())

	err = h.m.Stop(context.Background(), "alpha", false)
	require.ErrorIs(t, err, ErrProjectActive)
	assert.Equal(t, StateRunning, h.m.Status("alpha"))

	require.NoError(t, h.m.Stop(context.Background(), "alpha", true))
	assert.Equal(t, StateStopped, h.m.Status("alpha"))
}

func TestStop_UnknownProjectIsNoop(t *testing.T) {
	h := newHarness(t, testConfig())
	assert.NoError(t, h.m.Stop(context.Background(), "ghost", false))
}

func TestStop_ConcurrentStopsWaitForFirst(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = readyOnSpawn
	_, err := h.m.Start(context.Background(), "alpha", "/w")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.m.Stop(context.Background(), "alpha", true))
		}()
	}
	wg.Wait()
	assert.Equal(t, StateStopped, h.m.Status("alpha"))
	assert.Equal(t, int32(1), h.sp.handle(0).terminated.Load())
}

func TestRestart_SpawnsNewRun(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = readyOnSpawn
	_, err := h.m.Start(context.Background(), "alpha", "/w")
	require.NoError(t, err)

	port, err := h.m.Restart(context.Background(), "alpha", "/w")
	require.NoError(t, err)
	assert.Equal(t, 8888, port)
	assert.Equal(t, 2, h.sp.count())
	assert.True(t, h.sp.handle(0).wasTerminated())

	h.waitType(t, "alpha", events.Ready)
	h.waitType(t, "alpha", events.Ready)
	assert.Equal(t, []string{"Starting", "Running", "Stopping", "Stopped", "Starting", "Running"}, h.states("alpha"))
}

func TestRestart_EmptyDirReusesKnownDir(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = readyOnSpawn
	_, err := h.m.Start(context.Background(), "alpha", "/w")
	require.NoError(t, err)

	_, err = h.m.Restart(context.Background(), "alpha", "")
	require.NoError(t, err)
	assert.Equal(t, "/w", h.sp.spec(1).Dir)

	_, err = h.m.Restart(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, ErrUnknownProject)
}

func TestCrash_LoopCutoffWithinWindow(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = readyOnSpawn

	for i := 1; i <= 3; i++ {
		_, err := h.m.Start(context.Background(), "alpha", "/w")
		require.NoError(t, err)
		h.sp.handle(i - 1).exitWith(process.ExitStatus{Code: 1})
		crash := h.waitType(t, "alpha", events.Crashed)
		assert.Equal(t, i, crash.CrashCount)
		assert.Equal(t, 1, crash.ExitCode)
		h.clock.advance(10 * time.Second)
	}

	fatal := h.waitFor(t, func(e events.Event) bool { return e.Type == events.Error && e.Fatal })
	assert.Contains(t, fatal.Message, "crashed 3 times")
	h.waitState(t, "alpha", StateStopped)
	states := h.states("alpha")
	require.NotEmpty(t, states)
	assert.Equal(t, "Stopped", states[len(states)-1])
	assert.Equal(t, []string{"Crashed", "Stopped"}, states[len(states)-2:])
	assert.Equal(t, StateStopped, h.m.Status("alpha"))
	_, held := h.m.Ports().Assignment("alpha")
	assert.False(t, held)
	_, err := h.store.Get(context.Background(), "alpha")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, h.m.Projects())
}

func TestCrash_SpacedCrashesResetCount(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = readyOnSpawn

	for i := 1; i <= 4; i++ {
		_, err := h.m.Start(context.Background(), "alpha", "/w")
		require.NoError(t, err)
		h.sp.handle(i - 1).exitWith(process.ExitStatus{Code: -1, Signal: "killed"})
		crash := h.waitType(t, "alpha", events.Crashed)
		assert.Equal(t, 1, crash.CrashCount)
		assert.Equal(t, "killed", crash.Signal)
		h.clock.advance(2 * time.Minute)
	}
	assert.Equal(t, StateCrashed, h.m.Status("alpha"))
	assert.Equal(t, 1, h.m.Projects()[0].CrashCount)
}

func TestHealth_DemotesAfterThreshold(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = readyOnSpawn
	_, err := h.m.Start(context.Background(), "alpha", "/w")
	require.NoError(t, err)

	st, err := h.m.TriggerHealthCheck(context.Background(), "alpha")
	require.NoError(t, err)
	assert.True(t, st.Healthy)
	got, ok := h.m.Health("alpha")
	require.True(t, ok)
	assert.True(t, got.Healthy)

	h.up.Store(false)
	for i := 1; i <= 2; i++ {
		st, err := h.m.TriggerHealthCheck(context.Background(), "alpha")
		require.NoError(t, err)
		assert.False(t, st.Healthy)
		assert.Equal(t, i, st.ConsecutiveFailures)
		assert.Equal(t, StateRunning, h.m.Status("alpha"))
	}
	st, err = h.m.TriggerHealthCheck(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, 3, st.ConsecutiveFailures)

	crit := h.waitType(t, "alpha", events.HealthCritical)
	require.NotNil(t, crit.Health)
	assert.Equal(t, 3, crit.Health.ConsecutiveFailures)
	h.waitState(t, "alpha", StateError)
	assert.Equal(t, 4, h.count("alpha", events.HealthChanged))

	_, ok = h.m.Health("alpha")
	assert.False(t, ok)
	info, err := h.m.Project("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateError, info.State)
	assert.Nil(t, info.Health)
	_, err = h.m.TriggerHealthCheck(context.Background(), "alpha")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestHealth_TickInFlightDuringStopIsDropped(t *testing.T) {
	var blocking atomic.Bool
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	prober := health.ProberFunc(func(context.Context, int) error {
		if blocking.Load() {
			entered <- struct{}{}
			<-release
		}
		return nil
	})
	h := newHarness(t, testConfig(), WithProber(prober))
	h.sp.onSpawn = readyOnSpawn
	_, err := h.m.Start(context.Background(), "alpha", "/w")
	require.NoError(t, err)
	h.waitType(t, "alpha", events.Ready)

	blocking.Store(true)
	checked := make(chan struct{})
	go func() {
		defer close(checked)
		_, _ = h.m.TriggerHealthCheck(context.Background(), "alpha")
	}()
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("health check never reached the prober")
	}

	require.NoError(t, h.m.Stop(context.Background(), "alpha", true))
	close(release)
	select {
	case <-checked:
	case <-time.After(3 * time.Second):
		t.Fatal("health check did not return")
	}

	// Everything published so far sits ahead of this marker.
	h.m.Bus().Publish(events.Event{Type: events.Output, ProjectID: "marker"})
	h.waitType(t, "marker", events.Output)

	stoppedAt := -1
	for i, e := range h.seen {
		if e.ProjectID != "alpha" {
			continue
		}
		if e.Type == events.StatusChanged && e.State == StateStopped.String() {
			stoppedAt = i
		}
		if stoppedAt >= 0 && i > stoppedAt {
			assert.NotEqual(t, events.HealthChanged, e.Type, "health event after Stopped")
			assert.NotEqual(t, events.HealthCritical, e.Type, "health event after Stopped")
		}
	}
	require.GreaterOrEqual(t, stoppedAt, 0)
	assert.Zero(t, h.count("alpha", events.HealthChanged))
	assert.Equal(t, StateStopped, h.m.Status("alpha"))
}

func TestHealth_RecoveryResetsFailures(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = readyOnSpawn
	_, err := h.m.Start(context.Background(), "alpha", "/w")
	require.NoError(t, err)

	h.up.Store(false)
	for range 2 {
		_, err := h.m.TriggerHealthCheck(context.Background(), "alpha")
		require.NoError(t, err)
	}
	h.up.Store(true)
	st, err := h.m.TriggerHealthCheck(context.Background(), "alpha")
	require.NoError(t, err)
	assert.True(t, st.Healthy)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Equal(t, StateRunning, h.m.Status("alpha"))
}

func TestTriggerHealthCheck_NotRunning(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := h.m.TriggerHealthCheck(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestProjects_Snapshot(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = readyOnSpawn
	_, err := h.m.Start(context.Background(), "beta", "/b")
	require.NoError(t, err)
	_, err = h.m.Start(context.Background(), "alpha", "/a")
	require.NoError(t, err)
	h.m.SetActive("beta")

	ps := h.m.Projects()
	require.Len(t, ps, 2)
	assert.Equal(t, "alpha", ps[0].ID)
	assert.Equal(t, 8889, ps[0].Port)
	assert.Equal(t, "beta", ps[1].ID)
	assert.True(t, ps[1].Active)
	assert.Equal(t, StateRunning, ps[1].State)

	pids := h.m.PIDs()
	assert.Len(t, pids, 2)
}

func TestProject_Lookup(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = readyOnSpawn
	_, err := h.m.Start(context.Background(), "alpha", "/a")
	require.NoError(t, err)

	info, err := h.m.Project("alpha")
	require.NoError(t, err)
	assert.Equal(t, "/a", info.Dir)
	assert.Equal(t, 8888, info.Port)
	assert.Equal(t, 4000, info.PID)

	_, err = h.m.Project("ghost")
	assert.ErrorIs(t, err, ErrUnknownProject)
}

func TestShutdown_StopsEverything(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sp.onSpawn = readyOnSpawn
	for _, id := range []string{"a", "b", "c"} {
		_, err := h.m.Start(context.Background(), id, "/"+id)
		require.NoError(t, err)
	}
	require.NoError(t, h.m.Shutdown(context.Background()))
	for i := range 3 {
		assert.True(t, h.sp.handle(i).wasTerminated())
	}
	assert.Empty(t, h.m.Projects())
	assert.Empty(t, h.m.Ports().Assignments())

	_, err := h.m.Start(context.Background(), "a", "/a")
	assert.ErrorIs(t, err, ErrStartAborted)
}

func TestConfig_ValidateRejectsBadPattern(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyPatterns = []string{"("}
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ready pattern")
}

func TestRing_KeepsNewest(t *testing.T) {
	r := newRing(3)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.add(process.Line{Text: s})
	}
	var got []string
	for _, l := range r.last(0) {
		got = append(got, l.Text)
	}
	assert.Equal(t, []string{"c", "d", "e"}, got)
	assert.Len(t, r.last(2), 2)
	assert.Equal(t, "e", r.last(1)[0].Text)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Running", StateRunning.String())
	assert.Equal(t, "Crashed", StateCrashed.String())
	assert.True(t, StateStarting.Active())
	assert.False(t, StateError.Active())

	var st State
	require.NoError(t, st.UnmarshalText([]byte("Stopping")))
	assert.Equal(t, StateStopping, st)
	assert.Error(t, st.UnmarshalText([]byte("Sleeping")))
}
