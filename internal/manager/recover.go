package manager

import (
	"context"
	"time"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/process"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/store"
)

// orphanSkew is how far a live process's creation time may drift from the
// recorded start before it is treated as an unrelated process reusing the pid.
const orphanSkew = 5 * time.Second

// RecoverOrphans reaps dev servers left behind by a previous supervisor. Each
// sidecar record not owned by a live run is removed; its process is
// terminated first when it is still alive and is the process that was
// recorded. It returns the records whose process was terminated.
func (m *Manager) RecoverOrphans(ctx context.Context) ([]store.Record, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var reaped []store.Record
	for _, rec := range recs {
		if m.owns(rec) {
			continue
		}
		if rec.PID > 0 && process.PIDAlive(rec.PID) && sameProcess(rec) {
			if err := process.TerminatePID(rec.PID, m.cfg.StopGrace); err != nil {
				m.log.Warn("orphan did not exit", "project", rec.ProjectID, "pid", rec.PID, "error", err)
			} else {
				m.log.Info("orphan reaped", "project", rec.ProjectID, "pid", rec.PID, "port", rec.Port)
				reaped = append(reaped, rec)
			}
		}
		if err := m.store.RemovePID(ctx, rec.ProjectID); err != nil {
			m.log.Warn("sidecar remove failed", "project", rec.ProjectID, "error", err)
		}
	}
	return reaped, nil
}

func (m *Manager) owns(rec store.Record) bool {
	mp := m.lookup(rec.ProjectID)
	if mp == nil {
		return false
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.run != nil && mp.run.handle.PID() == rec.PID
}

func sameProcess(rec store.Record) bool {
	started, err := process.StartTime(rec.PID)
	if err != nil {
		return false
	}
	d := started.Sub(rec.StartedAt)
	if d < 0 {
		d = -d
	}
	return d <= orphanSkew
}
