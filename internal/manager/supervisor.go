package manager

import (
	"context"
	"fmt"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/events"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/metrics"
)

// Stop terminates the project's dev server and forgets the project. The
// active project is only stopped with force. Unknown projects are a no-op.
func (m *Manager) Stop(ctx context.Context, id string, force bool) error {
	mp := m.lookup(id)
	if mp == nil {
		return nil
	}
	if !force && id == m.Active() {
		return fmt.Errorf("%s: %w", id, ErrProjectActive)
	}
	return m.stop(ctx, mp)
}

// Restart stops the project, waits RestartDelay and starts it again. An
// empty workDir reuses the directory of the known project.
func (m *Manager) Restart(ctx context.Context, id, workDir string) (int, error) {
	if workDir == "" {
		mp := m.lookup(id)
		if mp == nil {
			return 0, fmt.Errorf("%s: %w", id, ErrUnknownProject)
		}
		workDir = mp.dir
	}
	if err := m.Stop(ctx, id, true); err != nil {
		return 0, err
	}
	if !sleepCtx(ctx, m.cfg.RestartDelay) {
		return 0, ctx.Err()
	}
	return m.Start(ctx, id, workDir)
}

func (m *Manager) stop(ctx context.Context, mp *managedProcess) error {
	mp.mu.Lock()
	if mp.removed {
		mp.mu.Unlock()
		return nil
	}
	if ch := mp.stopping; ch != nil {
		mp.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	mp.stopping = done
	r := mp.run
	m.transition(mp, StateStopping)
	mp.mu.Unlock()
	defer close(done)

	mp.cancel()
	m.monitor.Unwatch(mp.id)
	if r != nil {
		if err := r.handle.Terminate(m.cfg.StopGrace); err != nil {
			m.log.Warn("dev server did not exit", "project", mp.id, "pid", r.handle.PID(), "error", err)
		}
		if !waitExited(r, exitWait) {
			m.log.Warn("output pump still running after stop", "project", mp.id)
		}
	}
	m.ports.Release(mp.id)
	m.removePID(mp.id)

	mp.mu.Lock()
	mp.run = nil
	mp.health = nil
	m.transition(mp, StateStopped)
	mp.removed = true
	mp.mu.Unlock()

	m.mu.Lock()
	if m.procs[mp.id] == mp {
		delete(m.procs, mp.id)
	}
	m.mu.Unlock()
	metrics.ForgetProject(mp.id)
	m.log.Info("dev server stopped", "project", mp.id)
	return nil
}

// handleExit runs once per run after its process is gone.
func (m *Manager) handleExit(mp *managedProcess, r *run) {
	st := r.handle.Exit()

	mp.mu.Lock()
	if !mp.current(r) || mp.state == StateStopping {
		mp.mu.Unlock()
		return
	}
	if mp.state == StateStarting && r.conflicted() {
		// The start loop discards this run and retries.
		mp.mu.Unlock()
		return
	}
	m.monitor.Unwatch(mp.id)

	m.mu.Lock()
	now := m.now()
	rec := m.crashes[mp.id]
	if rec.count > 0 && now.Sub(rec.last) <= m.cfg.CrashWindow {
		rec.count++
	} else {
		rec.count = 1
	}
	rec.last = now
	m.crashes[mp.id] = rec
	m.mu.Unlock()

	mp.health = nil
	m.transition(mp, StateCrashed)
	m.bus.Publish(events.Event{
		Type:       events.Crashed,
		ProjectID:  mp.id,
		ExitCode:   st.Code,
		Signal:     st.Signal,
		CrashCount: rec.count,
		Message:    st.String(),
	})
	metrics.IncCrash(mp.id)
	m.log.Warn("dev server crashed", "project", mp.id, "exit", st.String(), "crashes", rec.count)

	cutoff := rec.count >= m.cfg.CrashLimit
	var done chan struct{}
	if cutoff {
		// A Start arriving during teardown waits on stopping.
		done = make(chan struct{})
		mp.stopping = done
		mp.run = nil
	}
	mp.mu.Unlock()
	if !cutoff {
		return
	}
	defer close(done)

	mp.cancel()
	m.ports.Release(mp.id)
	m.removePID(mp.id)

	// The record leaves the map and announces Stopped before a new record
	// for the same id can be created.
	mp.mu.Lock()
	m.mu.Lock()
	if m.procs[mp.id] == mp {
		delete(m.procs, mp.id)
	}
	delete(m.crashes, mp.id)
	m.emitError(mp, fmt.Sprintf("crashed %d times within %s; not restarting", rec.count, m.cfg.CrashWindow), true)
	m.transition(mp, StateStopped)
	mp.removed = true
	m.mu.Unlock()
	mp.mu.Unlock()
	metrics.IncCrashLoopCutoff(mp.id)
	metrics.ForgetProject(mp.id)
	m.log.Error("crash loop, giving up", "project", mp.id, "crashes", rec.count)
}
