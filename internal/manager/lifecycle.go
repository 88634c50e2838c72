package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/events"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/health"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/metrics"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/process"
)

type outcome int

const (
	outcomeReady outcome = iota
	outcomeWaited
	outcomeConflict
	outcomeExited
	outcomeCancelled
	outcomeTimeout
)

var errConflictSeen = errors.New("port conflict reported")

// Start launches the project's dev server in workDir and returns its port once
// it answers HTTP. Concurrent calls for the same project share one start; a
// caller that gives up via ctx does not cancel it.
func (m *Manager) Start(ctx context.Context, id, workDir string) (int, error) {
	if id == "" {
		return 0, fmt.Errorf("project id is required")
	}
	ch := m.starts.DoChan(id, func() (any, error) {
		port, err := m.start(id, workDir)
		if err != nil {
			metrics.IncStartFailure(id, failureReason(err))
			m.log.Warn("start failed", "project", id, "error", err)
		}
		return port, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Manager) start(id, dir string) (int, error) {
	if mp := m.lookup(id); mp != nil {
		mp.mu.Lock()
		st, port := mp.state, mp.port
		mp.mu.Unlock()
		if st.Active() {
			return port, nil
		}
		if err := m.stop(m.ctx, mp); err != nil {
			m.log.Warn("stopping previous run failed", "project", id, "state", st, "error", err)
		}
	}

	mp, err := m.newRecord(id, dir)
	if err != nil {
		return 0, err
	}

	for attempt := 1; ; attempt++ {
		r, err := m.launch(mp)
		if err != nil {
			return 0, err
		}

		out := m.awaitSignal(mp, r)
		var probeErr error
		if out == outcomeReady || out == outcomeWaited {
			out, probeErr = m.confirm(mp, r)
		}

		switch out {
		case outcomeConflict:
			m.discard(mp, r)
			if attempt >= m.cfg.MaxAttempts {
				err := fmt.Errorf("%s: port %d after %d attempts: %w", id, r.port, attempt, ErrPortConflict)
				m.fail(mp, err)
				return 0, err
			}
			m.log.Info("port conflict, retrying", "project", id, "port", r.port, "attempt", attempt)
			if !sleepCtx(mp.ctx, m.cfg.ConflictBackoff) {
				return 0, fmt.Errorf("%s: %w", id, ErrStartAborted)
			}
		case outcomeExited:
			err := fmt.Errorf("%s: %s: %w", id, r.handle.Exit(), ErrExitedDuringStart)
			mp.mu.Lock()
			if !mp.halted() {
				m.emitError(mp, err.Error(), true)
			}
			mp.mu.Unlock()
			return 0, err
		case outcomeCancelled:
			return 0, fmt.Errorf("%s: %w", id, ErrStartAborted)
		case outcomeTimeout:
			err := fmt.Errorf("%s: port %d after %d probes: %w: %v",
				id, r.port, m.cfg.ReadinessAttempts, ErrReadinessTimeout, probeErr)
			m.fail(mp, err)
			return 0, err
		default:
			return m.markRunning(mp, r)
		}
	}
}

func (m *Manager) newRecord(id, dir string) (*managedProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%s: manager is shut down: %w", id, ErrStartAborted)
	}
	ctx, cancel := context.WithCancel(m.ctx)
	mp := &managedProcess{
		id:     id,
		dir:    dir,
		ctx:    ctx,
		cancel: cancel,
		state:  StateStopped,
		output: newRing(m.cfg.OutputLines),
	}
	m.procs[id] = mp
	return mp, nil
}

// drop forgets mp without touching its process. A record that left Stopped
// goes back to it so observers see the project end. Caller must not hold mp.mu.
func (m *Manager) drop(mp *managedProcess) {
	mp.mu.Lock()
	if !mp.halted() && mp.state != StateStopped {
		mp.health = nil
		m.transition(mp, StateStopped)
	}
	mp.removed = true
	mp.run = nil
	mp.mu.Unlock()
	mp.cancel()
	m.mu.Lock()
	if m.procs[mp.id] == mp {
		delete(m.procs, mp.id)
	}
	m.mu.Unlock()
	metrics.ForgetProject(mp.id)
}

// launch allocates a port pair and spawns one run.
func (m *Manager) launch(mp *managedProcess) (*run, error) {
	port, err := m.ports.Allocate(mp.id)
	if err != nil {
		err = fmt.Errorf("%s: %w", mp.id, err)
		mp.mu.Lock()
		if !mp.halted() {
			if mp.state != StateStopped {
				m.transition(mp, StateError)
			}
			m.emitError(mp, err.Error(), true)
		}
		mp.mu.Unlock()
		m.drop(mp)
		return nil, err
	}
	secondary := m.ports.SecondaryFor(port)
	match, err := compileFor(m.cfg, port, secondary)
	if err != nil {
		m.ports.Release(mp.id)
		m.drop(mp)
		return nil, err
	}

	mp.mu.Lock()
	if mp.halted() {
		mp.mu.Unlock()
		m.ports.Release(mp.id)
		return nil, fmt.Errorf("%s: %w", mp.id, ErrStartAborted)
	}
	mp.port = port
	m.transition(mp, StateStarting)
	mp.mu.Unlock()

	spec := process.Spec{
		Name:    mp.id,
		Command: m.cfg.Command,
		Args:    substituteAll(m.cfg.Args, port, secondary),
		Dir:     mp.dir,
		Env:     m.childEnv(port, secondary),
	}
	var closers []io.Closer
	stdout, stderr, err := m.outputLogs.ProcessWriters(mp.id)
	if err != nil {
		m.log.Warn("output log files unavailable", "project", mp.id, "error", err)
	} else if stdout != nil {
		spec.Stdout, spec.Stderr = stdout, stderr
		closers = append(closers, stdout, stderr)
	}

	h, err := m.spawner.Spawn(mp.ctx, spec)
	if err != nil && mp.ctx.Err() != nil {
		closeAll(closers)
		m.ports.Release(mp.id)
		return nil, fmt.Errorf("%s: %w", mp.id, ErrStartAborted)
	}
	if err != nil {
		closeAll(closers)
		err = fmt.Errorf("%w: %s: %w", ErrSpawnFailed, mp.id, err)
		mp.mu.Lock()
		if !mp.halted() {
			m.transition(mp, StateError)
			m.emitError(mp, err.Error(), true)
		}
		mp.mu.Unlock()
		m.ports.Release(mp.id)
		m.drop(mp)
		return nil, err
	}

	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()
	r := newRun(seq, h, port, secondary, match)
	r.closers = closers

	mp.mu.Lock()
	if mp.halted() {
		mp.mu.Unlock()
		r.discarded.Store(true)
		go m.pump(mp, r)
		_ = h.Terminate(m.cfg.StopGrace)
		m.ports.Release(mp.id)
		return nil, fmt.Errorf("%s: %w", mp.id, ErrStartAborted)
	}
	mp.run = r
	mp.health = nil
	mp.mu.Unlock()

	m.log.Info("dev server spawned", "project", mp.id, "run", seq, "pid", h.PID(), "port", port, "secondary_port", secondary)
	m.savePID(mp.id, h.PID(), port)
	go m.pump(mp, r)
	return r, nil
}

// pump consumes a run's output until the process exits, then handles the exit.
func (m *Manager) pump(mp *managedProcess, r *run) {
	defer close(r.exited)
	for l := range r.handle.Lines() {
		m.onLine(mp, r, l)
	}
	<-r.handle.Done()
	m.handleExit(mp, r)
	closeAll(r.closers)
}

func (m *Manager) onLine(mp *managedProcess, r *run, l process.Line) {
	conflict := r.match.isConflict(l.Text)
	isErr := r.match.isError(l.Text)
	ready := r.match.isReady(l.Text)

	mp.mu.Lock()
	mp.output.add(l)
	m.bus.Publish(events.Event{
		Type:      events.Output,
		ProjectID: mp.id,
		Time:      l.Time,
		Stream:    string(l.Stream),
		Line:      l.Text,
		Raw:       l.Raw,
	})
	if isErr {
		m.emitError(mp, l.Text, false)
	}
	mp.mu.Unlock()

	if conflict {
		r.markConflict()
	}
	if ready {
		r.markReady()
	}
}

// awaitSignal waits up to ReadyWait for the first sign of how the run went.
func (m *Manager) awaitSignal(mp *managedProcess, r *run) outcome {
	timer := time.NewTimer(m.cfg.ReadyWait)
	defer timer.Stop()
	out := outcomeWaited
	select {
	case <-r.conflictCh:
		out = outcomeConflict
	case <-r.readyCh:
		out = outcomeReady
	case <-r.exited:
		out = outcomeExited
	case <-mp.ctx.Done():
		out = outcomeCancelled
	case <-timer.C:
	}
	switch {
	case mp.ctx.Err() != nil:
		return outcomeCancelled
	case r.conflicted():
		return outcomeConflict
	}
	return out
}

// confirm polls the dev server over HTTP until it answers.
func (m *Manager) confirm(mp *managedProcess, r *run) (outcome, error) {
	op := func() error {
		if r.conflicted() {
			return backoff.Permanent(errConflictSeen)
		}
		if r.hasExited() {
			return backoff.Permanent(ErrExitedDuringStart)
		}
		ctx, cancel := context.WithTimeout(mp.ctx, m.cfg.ProbeTimeout)
		defer cancel()
		return m.readiness.Probe(ctx, r.port)
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.ReadinessInterval), uint64(m.cfg.ReadinessAttempts-1)),
		mp.ctx,
	)
	err := backoff.Retry(op, b)
	switch {
	case err == nil:
		return outcomeReady, nil
	case mp.ctx.Err() != nil:
		return outcomeCancelled, err
	case errors.Is(err, errConflictSeen):
		return outcomeConflict, err
	case errors.Is(err, ErrExitedDuringStart):
		return outcomeExited, err
	default:
		return outcomeTimeout, err
	}
}

func (m *Manager) markRunning(mp *managedProcess, r *run) (int, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	switch {
	case mp.halted():
		return 0, fmt.Errorf("%s: %w", mp.id, ErrStartAborted)
	case mp.run != r || mp.state != StateStarting:
		return 0, fmt.Errorf("%s: %s: %w", mp.id, mp.state, ErrExitedDuringStart)
	}
	m.transition(mp, StateRunning)
	m.bus.Publish(events.Event{Type: events.Ready, ProjectID: mp.id, Port: r.port})
	metrics.IncStart(mp.id)
	metrics.ObserveReadiness(mp.id, time.Since(r.spawnedAt).Seconds())
	m.monitor.Watch(mp.id, health.Target{Port: r.port, Alive: r.handle.Alive}, m.reporter(mp, r))
	m.log.Info("dev server running", "project", mp.id, "port", r.port, "pid", r.handle.PID())
	return r.port, nil
}

// reporter turns health ticks for run r into events. Reports for any other
// run, or once the project has left Running, are dropped.
func (m *Manager) reporter(mp *managedProcess, r *run) health.Reporter {
	return func(st health.Status, critical bool) {
		mp.mu.Lock()
		defer mp.mu.Unlock()
		if !mp.current(r) || mp.state != StateRunning {
			return
		}
		if !st.Healthy {
			metrics.IncHealthFailure(mp.id)
		}
		s := st
		mp.health = &s
		m.bus.Publish(events.Event{Type: events.HealthChanged, ProjectID: mp.id, Health: &s})
		if !critical {
			return
		}
		m.bus.Publish(events.Event{
			Type:      events.HealthCritical,
			ProjectID: mp.id,
			Health:    &s,
			Message:   fmt.Sprintf("%d consecutive failed health checks", st.ConsecutiveFailures),
		})
		m.transition(mp, StateError)
		mp.health = nil
		m.log.Error("dev server unhealthy", "project", mp.id, "failures", st.ConsecutiveFailures)
	}
}

// discard abandons a run after a port conflict: its exit is not a crash.
func (m *Manager) discard(mp *managedProcess, r *run) {
	r.discarded.Store(true)
	mp.mu.Lock()
	if mp.run == r {
		mp.run = nil
	}
	m.emitError(mp, fmt.Sprintf("port %d already in use", r.port), false)
	mp.mu.Unlock()

	if err := r.handle.Terminate(m.cfg.StopGrace); err != nil {
		m.log.Warn("terminate after port conflict", "project", mp.id, "pid", r.handle.PID(), "error", err)
	}
	waitExited(r, exitWait)
	m.ports.Release(mp.id)
	m.removePID(mp.id)
	metrics.IncPortConflict(mp.id)
}

// fail leaves the record in Error and reports err as fatal.
func (m *Manager) fail(mp *managedProcess, err error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.halted() {
		return
	}
	m.transition(mp, StateError)
	m.emitError(mp, err.Error(), true)
}

func waitExited(r *run, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.exited:
		return true
	case <-t.C:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
